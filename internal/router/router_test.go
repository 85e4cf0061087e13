package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/lab-booking/internal/handler/booking"
	"github.com/jwalitptl/lab-booking/internal/handler/health"
	"github.com/jwalitptl/lab-booking/internal/handler/prometheus"
	"github.com/jwalitptl/lab-booking/internal/middleware"
	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/internal/session"
	"github.com/jwalitptl/lab-booking/pkg/auth"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/httputil"
)

type fakeBackend struct {
	mu        sync.Mutex
	created   []model.BookingRequest
	settled   []model.GatewayConfirmation
	settledBy []string
	bookings  []model.Booking
	listed    []model.BookingFilter
	cancelled []string
}

func (b *fakeBackend) Labs(context.Context) ([]model.Lab, error) {
	return []model.Lab{{
		ID:   "lab-1",
		Name: "City Diagnostics",
		Tests: []model.TestRef{
			model.Resolved(model.Test{ID: "t-1", Name: "Lipid Profile", Price: 600}),
		},
	}}, nil
}

func (b *fakeBackend) Lab(ctx context.Context, id string) (model.Lab, error) {
	labs, _ := b.Labs(ctx)
	for _, l := range labs {
		if l.ID == id {
			return l, nil
		}
	}
	return model.Lab{}, errors.NotFound("lab", nil)
}

func (b *fakeBackend) CreateBooking(_ context.Context, req model.BookingRequest) (*model.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, req)
	return &model.Booking{ID: "bk-1", LabID: req.LabID, TotalAmount: 600, Status: model.BookingStatusPending, PaymentStatus: model.PaymentStatusPending}, nil
}

func (b *fakeBackend) CreatePaymentOrder(_ context.Context, bookingID string) (*model.PaymentOrder, error) {
	return &model.PaymentOrder{OrderID: "ord-1", BookingID: bookingID, Amount: 600, Currency: "INR"}, nil
}

func (b *fakeBackend) SettlePayment(ctx context.Context, bookingID string, conf model.GatewayConfirmation) (*model.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, conf)
	b.settledBy = append(b.settledBy, httputil.PatientID(ctx))
	return &model.Booking{ID: bookingID, Status: model.BookingStatusConfirmed, PaymentStatus: model.PaymentStatusPaid}, nil
}

func (b *fakeBackend) ListBookings(_ context.Context, filter model.BookingFilter) (*model.BookingPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listed = append(b.listed, filter)
	items := []model.Booking{}
	for _, bk := range b.bookings {
		if filter.PatientID == "" || bk.PatientID == filter.PatientID {
			items = append(items, bk)
		}
	}
	return &model.BookingPage{
		Items:      items,
		Pagination: model.PageInfo{Page: filter.Page, PageSize: filter.PageSize, Total: len(items)},
	}, nil
}

func (b *fakeBackend) GetBooking(_ context.Context, id string) (*model.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bk := range b.bookings {
		if bk.ID == id {
			cp := bk
			return &cp, nil
		}
	}
	return nil, errors.NotFound("booking", nil)
}

func (b *fakeBackend) CancelBooking(_ context.Context, id string) (*model.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, id)
	return &model.Booking{ID: id, Status: model.BookingStatusCancelled}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	engine  *gin.Engine
	backend *fakeBackend
	token   string
}

func newTestServer(t *testing.T, jwt auth.JWTService) *testServer {
	t.Helper()
	require.NoError(t, middleware.RegisterValidation())

	backend := &fakeBackend{bookings: []model.Booking{{ID: "bk-old"}}}
	sessions := session.NewRegistry(session.Config{TTL: time.Minute}, session.Components{
		Catalog:  backend,
		Bookings: backend,
	})
	metrics := prometheus.New(nil, "test")
	r := NewRouter(
		middleware.NewAuthMiddleware(jwt),
		health.NewHandler(map[string]health.Check{"noop": func(context.Context) error { return nil }}, metrics.Handler()),
		booking.NewHandler(sessions, backend, nil),
		metrics,
		RouterConfig{Mode: gin.TestMode, CORSConfig: middleware.DefaultCORSConfig(), Timeout: 5 * time.Second},
	)
	r.Setup()

	ts := &testServer{engine: r.Engine(), backend: backend}
	if jwt != nil {
		tok, err := jwt.GenerateAccessToken("patient-1", "Asha", time.Hour)
		require.NoError(t, err)
		ts.token = tok
	}
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w.Code, env
}

func (s *testServer) ok(t *testing.T, method, path string, body interface{}) envelope {
	t.Helper()
	code, env := s.do(t, method, path, body)
	require.Truef(t, code < 300, "%s %s: %d %+v", method, path, code, env.Error)
	return env
}

type viewBody struct {
	Step    string `json:"step"`
	Payment struct {
		State  string `json:"state"`
		Intent *struct {
			OrderID string `json:"order_id"`
		} `json:"intent"`
	} `json:"payment"`
	Result *struct {
		State string `json:"state"`
	} `json:"result"`
	Selection struct {
		Total int64 `json:"total"`
	} `json:"selection"`
}

func decodeView(t *testing.T, env envelope) viewBody {
	t.Helper()
	var v viewBody
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (s *testServer) startToConfirm(t *testing.T, method model.PaymentMethod) string {
	t.Helper()
	env := s.ok(t, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"location": map[string]float64{"latitude": 10, "longitude": 76},
	})
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	base := "/api/v1/sessions/" + created.SessionID

	s.ok(t, http.MethodPost, base+"/labs", nil)
	s.ok(t, http.MethodPost, base+"/lab", map[string]string{"lab_id": "lab-1"})
	v := decodeView(t, s.ok(t, http.MethodPost, base+"/tests/t-1/toggle", nil))
	assert.Equal(t, int64(600), v.Selection.Total)
	s.ok(t, http.MethodPost, base+"/items/confirm", nil)
	s.ok(t, http.MethodPut, base+"/schedule", map[string]string{"date": "2099-01-05", "time": "10:30"})
	s.ok(t, http.MethodPost, base+"/schedule/confirm", nil)
	s.ok(t, http.MethodPut, base+"/payment-method", map[string]string{"method": string(method)})
	v = decodeView(t, s.ok(t, http.MethodPost, base+"/payment-method/confirm", nil))
	require.Equal(t, "confirm", v.Step)
	return base
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodGet, "/api/v1/health/live", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/health/ready", nil)
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health/metrics", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}

func TestPayLaterOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	base := s.startToConfirm(t, model.PayLater)

	v := decodeView(t, s.ok(t, http.MethodPost, base+"/submit", nil))
	assert.Equal(t, "lab_select", v.Step)
	require.NotNil(t, v.Result)
	assert.Equal(t, "confirmed", v.Result.State)

	require.Len(t, s.backend.created, 1)
	assert.Equal(t, "2099-01-05", s.backend.created[0].Date)
	assert.Equal(t, int64(600), s.backend.created[0].DisplayTotal)
}

func TestPayNowThroughGatewayEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	base := s.startToConfirm(t, model.PayNow)

	v := decodeView(t, s.ok(t, http.MethodPost, base+"/submit", nil))
	assert.Equal(t, "confirm", v.Step)
	assert.Equal(t, "authorization_pending", v.Payment.State)
	require.NotNil(t, v.Payment.Intent)
	assert.Equal(t, "ord-1", v.Payment.Intent.OrderID)

	code, env := s.do(t, http.MethodPost, base+"/gateway/success", map[string]string{"order_id": "ord-9", "payment_id": "p", "signature": "s"})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)

	code, env = s.do(t, http.MethodPost, base+"/gateway/success", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	code, _ = s.do(t, http.MethodPost, base+"/gateway/success", map[string]string{"order_id": "ord-1"})
	assert.Equal(t, http.StatusBadRequest, code)

	v = decodeView(t, s.ok(t, http.MethodGet, base, nil))
	assert.Equal(t, "authorization_pending", v.Payment.State, "incomplete confirmations leave the checkout open")
	require.NotNil(t, v.Payment.Intent)
	assert.Empty(t, s.backend.settled)

	v = decodeView(t, s.ok(t, http.MethodPost, base+"/gateway/success", map[string]string{"order_id": "ord-1", "payment_id": "pay-1", "signature": "sig"}))
	assert.Equal(t, "lab_select", v.Step)
	require.NotNil(t, v.Result)
	assert.Equal(t, "settled", v.Result.State)
	require.Len(t, s.backend.settled, 1)

	code, _ = s.do(t, http.MethodPost, base+"/gateway/dismiss", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code, "nothing awaiting a result")
}

func TestGuardRejectionIsUnprocessable(t *testing.T) {
	s := newTestServer(t, nil)
	env := s.ok(t, http.MethodPost, "/api/v1/sessions", nil)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	code, env := s.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/items/confirm", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "recoverable_input", env.Error.Kind)

	code, _ = s.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/back", map[string]string{"step": "nowhere"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	s := newTestServer(t, auth.NewJWTService("secret", "labbook"))

	token := s.token
	s.token = ""
	code, env := s.do(t, http.MethodPost, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, env.Error)

	code, _ = s.do(t, http.MethodGet, "/api/v1/health/live", nil)
	assert.Equal(t, http.StatusOK, code, "health stays public")

	s.token = token
	s.ok(t, http.MethodPost, "/api/v1/sessions", nil)
}

func TestBookingHistory(t *testing.T) {
	s := newTestServer(t, nil)

	env := s.ok(t, http.MethodGet, "/api/v1/bookings?status=pending&page=1", nil)
	var page struct {
		Data       []model.Booking `json:"data"`
		Pagination struct {
			Total    int `json:"total"`
			PageSize int `json:"page_size"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, 1, page.Pagination.Total)
	assert.Equal(t, 20, page.Pagination.PageSize)

	env = s.ok(t, http.MethodPost, "/api/v1/bookings/bk-old/cancel", nil)
	var b model.Booking
	require.NoError(t, json.Unmarshal(env.Data, &b))
	assert.Equal(t, model.BookingStatusCancelled, b.Status)
}

func TestBookingsAreScopedToThePatient(t *testing.T) {
	jwt := auth.NewJWTService("secret", "labbook")
	s := newTestServer(t, jwt)
	s.backend.bookings = []model.Booking{
		{ID: "bk-of-patient-1", PatientID: "patient-1", Status: model.BookingStatusPending},
		{ID: "bk-of-patient-2", PatientID: "patient-2", Status: model.BookingStatusPending},
	}
	other, err := jwt.GenerateAccessToken("patient-2", "Ravi", time.Hour)
	require.NoError(t, err)
	owner := s.token

	s.token = other
	code, env := s.do(t, http.MethodPost, "/api/v1/bookings/bk-of-patient-1/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)
	assert.Empty(t, s.backend.cancelled)

	env = s.ok(t, http.MethodGet, "/api/v1/bookings", nil)
	var page struct {
		Data []model.Booking `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "bk-of-patient-2", page.Data[0].ID)
	require.NotEmpty(t, s.backend.listed)
	assert.Equal(t, "patient-2", s.backend.listed[len(s.backend.listed)-1].PatientID)

	s.token = owner
	s.ok(t, http.MethodPost, "/api/v1/bookings/bk-of-patient-1/cancel", nil)
	assert.Equal(t, []string{"bk-of-patient-1"}, s.backend.cancelled)
}

func TestSessionBookingsCarryThePatient(t *testing.T) {
	s := newTestServer(t, auth.NewJWTService("secret", "labbook"))
	base := s.startToConfirm(t, model.PayNow)

	s.ok(t, http.MethodPost, base+"/submit", nil)
	require.Len(t, s.backend.created, 1)
	assert.Equal(t, "patient-1", s.backend.created[0].PatientID)

	// Settlement runs from the gateway callback, outside the request that
	// submitted the booking.
	s.ok(t, http.MethodPost, base+"/gateway/success", map[string]string{"order_id": "ord-1", "payment_id": "pay-1", "signature": "sig"})
	assert.Equal(t, []string{"patient-1"}, s.backend.settledBy)
}
