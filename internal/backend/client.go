package backend

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/circuitbreaker"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/httputil"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
)

const (
	defaultTimeout = 15 * time.Second
	// maxErrorBody bounds how much of a non-envelope error body is logged.
	maxErrorBody = 300

	HeaderIdempotencyKey = "Idempotency-Key"
)

type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client talks JSON to the booking backend. It serves the lab catalog,
// booking and payment calls, and prescription text extraction.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewClient(cfg Config, log *logger.Logger, m *metrics.Metrics) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "booking-backend",
			MaxFailures: int(cfg.BreakerFailures),
			Timeout:     cfg.BreakerTimeout,
			IsFailure: func(err error) bool {
				return errors.Is(err, errors.KindExternalUnavailable)
			},
			OnStateChange: func(name, from, to string) {
				log.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
				m.Breaker(name, to)
			},
		}),
		logger:  log,
		metrics: m,
	}, nil
}

// Ready fails while the breaker is open. It makes no request.
func (c *Client) Ready(context.Context) error {
	if c.breaker.State() == "open" {
		return errors.NewExternalUnavailable("booking backend", circuitbreaker.ErrOpen)
	}
	return nil
}

// ListLabs returns the raw catalog listing. References are resolved by the
// catalog loader.
func (c *Client) ListLabs(ctx context.Context) ([]model.Lab, error) {
	var labs []model.Lab
	if err := c.do(ctx, call{op: "list_labs", method: http.MethodGet, path: "labs"}, &labs); err != nil {
		return nil, err
	}
	return labs, nil
}

// CreateBooking posts the booking with a fresh idempotency key so a retried
// transport call cannot create a second booking.
func (c *Client) CreateBooking(ctx context.Context, req model.BookingRequest) (*model.Booking, error) {
	var b model.Booking
	err := c.do(ctx, call{
		op:      "create_booking",
		method:  http.MethodPost,
		path:    "bookings",
		body:    req,
		headers: map[string]string{HeaderIdempotencyKey: uuid.NewString()},
	}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) CreatePaymentOrder(ctx context.Context, bookingID string) (*model.PaymentOrder, error) {
	var o model.PaymentOrder
	err := c.do(ctx, call{
		op:     "create_payment_order",
		method: http.MethodPost,
		path:   "bookings/" + url.PathEscape(bookingID) + "/payment-order",
	}, &o)
	if err != nil {
		return nil, err
	}
	if o.BookingID == "" {
		o.BookingID = bookingID
	}
	return &o, nil
}

// SettlePayment forwards the gateway confirmation. The signature is
// checked by the backend.
func (c *Client) SettlePayment(ctx context.Context, bookingID string, conf model.GatewayConfirmation) (*model.Booking, error) {
	var b model.Booking
	err := c.do(ctx, call{
		op:     "settle_payment",
		method: http.MethodPost,
		path:   "bookings/" + url.PathEscape(bookingID) + "/payment/verify",
		body:   conf,
	}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) GetBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	var b model.Booking
	err := c.do(ctx, call{
		op:     "get_booking",
		method: http.MethodGet,
		path:   "bookings/" + url.PathEscape(bookingID),
	}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) CancelBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	var b model.Booking
	err := c.do(ctx, call{
		op:     "cancel_booking",
		method: http.MethodPost,
		path:   "bookings/" + url.PathEscape(bookingID) + "/cancel",
	}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) ListBookings(ctx context.Context, filter model.BookingFilter) (*model.BookingPage, error) {
	p := filter.Pagination.Normalize(20, 100)
	q := url.Values{}
	q.Set("page", strconv.Itoa(p.Page))
	q.Set("page_size", strconv.Itoa(p.PageSize))
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.PatientID != "" {
		q.Set("patient_id", filter.PatientID)
	}

	var page model.BookingPage
	if err := c.do(ctx, call{op: "list_bookings", method: http.MethodGet, path: "bookings", query: q}, &page); err != nil {
		return nil, err
	}
	if page.Items == nil {
		page.Items = []model.Booking{}
	}
	return &page, nil
}

type extraction struct {
	Tokens []string `json:"tokens"`
	Text   string   `json:"text"`
}

// ExtractTokens uploads a prescription and returns the test names found in
// it. When the service only returns raw text, each line or comma separated
// entry becomes a token.
func (c *Client) ExtractTokens(ctx context.Context, filename string, r io.Reader) ([]string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, errors.Internal(err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, errors.BadRequest("could not read prescription upload", err)
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Internal(err)
	}

	var out extraction
	err = c.do(ctx, call{
		op:          "extract_prescription",
		method:      http.MethodPost,
		path:        "prescriptions/extract",
		raw:         buf.Bytes(),
		contentType: mw.FormDataContentType(),
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Tokens) > 0 {
		return out.Tokens, nil
	}
	return splitText(out.Text), nil
}

func splitText(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

type call struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        interface{}
	raw         []byte
	contentType string
	headers     map[string]string
}

// do sends one request through the limiter and the breaker and decodes the
// response envelope into out. Transport failures, timeouts and 5xx become
// ExternalUnavailable; other rejections keep the backend's message.
func (c *Client) do(ctx context.Context, cl call, out interface{}) error {
	start := time.Now()
	err := c.breaker.Execute(func() error {
		return c.send(ctx, cl, out)
	})
	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		err = errors.NewExternalUnavailable("booking service", err)
	}

	status := "ok"
	if err != nil {
		status = string(errors.KindOf(err))
		c.logger.Warn("backend call failed", "operation", cl.op, "request_id", httputil.RequestID(ctx), "error", err.Error())
	}
	c.metrics.BackendCall(cl.op, status, time.Since(start))
	return err
}

func (c *Client) send(ctx context.Context, cl call, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.NewExternalUnavailable("booking service", err)
	}

	body := cl.raw
	contentType := cl.contentType
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return errors.Internal(fmt.Errorf("backend: encode %s request: %w", cl.op, err))
		}
		body = b
		contentType = "application/json"
	}

	u := c.baseURL.ResolveReference(&url.URL{Path: cl.path})
	if len(cl.query) > 0 {
		u.RawQuery = cl.query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), reader)
	if err != nil {
		return errors.Internal(fmt.Errorf("backend: create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if rid := httputil.RequestID(ctx); rid != "" {
		req.Header.Set(httputil.HeaderRequestID, rid)
	}
	if pid := httputil.PatientID(ctx); pid != "" {
		req.Header.Set(httputil.HeaderPatientID, pid)
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewExternalUnavailable("booking service", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewExternalUnavailable("booking service", fmt.Errorf("read response: %w", err))
	}

	decodeErr := httputil.Decode(bytes.NewReader(respBody), resp.StatusCode, out)
	if resp.StatusCode < 300 && decodeErr == nil {
		return nil
	}
	return translate(cl.op, resp.StatusCode, respBody, decodeErr)
}

// translate maps a failed response onto an AppError kind.
func translate(op string, status int, body []byte, decodeErr error) error {
	msg := ""
	var details map[string]string
	var apiErr *httputil.Error
	if stderrors.As(decodeErr, &apiErr) {
		msg = apiErr.Message
		details = apiErr.Details
	} else {
		msg = strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
	}
	cause := fmt.Errorf("backend: %s: status %d: %s", op, status, msg)

	var appErr *errors.AppError
	switch {
	case status < 300:
		// 2xx with an undecodable body.
		appErr = errors.NewExternalUnavailable("booking service", decodeErr)
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		appErr = errors.NewExternalUnavailable("booking service", cause)
	case status == http.StatusNotFound:
		appErr = errors.NotFound(resourceOf(op), cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		appErr = errors.Unauthorized(cause)
	default:
		if msg == "" {
			msg = http.StatusText(status)
		}
		appErr = errors.BadRequest(msg, cause)
	}
	for k, v := range details {
		appErr.WithDetail(k, v)
	}
	return appErr
}

func resourceOf(op string) string {
	switch {
	case strings.Contains(op, "lab"):
		return "lab"
	case strings.Contains(op, "prescription"):
		return "prescription"
	default:
		return "booking"
	}
}
