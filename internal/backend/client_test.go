package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/httputil"
)

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httputil.Response{Success: status < 300, Data: data})
}

func respondErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httputil.Response{Error: &httputil.Error{Code: status, Message: msg}})
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/api", Token: "secret", Timeout: 2 * time.Second, BreakerFailures: 2, BreakerTimeout: time.Minute}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil, nil)
	require.Error(t, err)
}

func TestListLabsDecodesDualEncodedRecords(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/labs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "rid-1", r.Header.Get(httputil.HeaderRequestID))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"data":[{
			"id":"lab-1","name":"City Diagnostics",
			"address":"{\"street\":\"1 Main St\",\"city\":\"Pune\"}",
			"contact":{"phone":"123"},
			"tests":["t-1",{"id":"t-2","name":"Lipid Profile","price":600}]
		}]}`)
	})

	labs, err := c.ListLabs(httputil.WithRequestID(context.Background(), "rid-1"))
	require.NoError(t, err)
	require.Len(t, labs, 1)
	assert.Equal(t, "1 Main St, Pune", labs[0].Address.String())
	assert.Equal(t, "123", labs[0].Contact.Phone)
	require.Len(t, labs[0].Tests, 2)
	assert.False(t, labs[0].Tests[0].IsResolved())
	assert.True(t, labs[0].Tests[1].IsResolved())
}

func TestCreateBookingSendsIdempotencyKey(t *testing.T) {
	var keys []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/bookings", r.URL.Path)
		keys = append(keys, r.Header.Get(HeaderIdempotencyKey))

		var req model.BookingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "lab-1", req.LabID)
		respond(w, http.StatusCreated, model.Booking{ID: "bk-1", LabID: req.LabID, Status: model.BookingStatusPending, TotalAmount: 500})
	})

	req := model.BookingRequest{LabID: "lab-1", Date: "2030-01-02", Time: "10:30", PaymentMethod: model.PayLater}
	b, err := c.CreateBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "bk-1", b.ID)
	_, err = c.CreateBooking(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.NotEqual(t, keys[0], keys[1])
}

func TestPaymentCalls(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/bookings/bk-1/payment-order":
			respond(w, http.StatusOK, model.PaymentOrder{OrderID: "ord-1", Amount: 500, Currency: "INR"})
		case "/api/bookings/bk-1/payment/verify":
			var conf model.GatewayConfirmation
			require.NoError(t, json.NewDecoder(r.Body).Decode(&conf))
			assert.Equal(t, "sig", conf.Signature)
			respond(w, http.StatusOK, model.Booking{ID: "bk-1", PaymentStatus: model.PaymentStatusPaid})
		case "/api/bookings/bk-1/cancel":
			respond(w, http.StatusOK, model.Booking{ID: "bk-1", Status: model.BookingStatusCancelled})
		default:
			respondErr(w, http.StatusNotFound, "no route")
		}
	})
	ctx := context.Background()

	order, err := c.CreatePaymentOrder(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.OrderID)
	assert.Equal(t, "bk-1", order.BookingID)

	paid, err := c.SettlePayment(ctx, "bk-1", model.GatewayConfirmation{OrderID: "ord-1", PaymentID: "pay-1", Signature: "sig"})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPaid, paid.PaymentStatus)

	cancelled, err := c.CancelBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, cancelled.Status)

	_, err = c.CancelBooking(ctx, "bk-404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindNotFound))
}

func TestListBookingsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "confirmed", q.Get("status"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "20", q.Get("page_size"))
		respond(w, http.StatusOK, model.BookingPage{
			Items:      []model.Booking{{ID: "bk-1"}},
			Pagination: model.PageInfo{Page: 2, PageSize: 20, Total: 21, TotalPages: 2},
		})
	})

	page, err := c.ListBookings(context.Background(), model.BookingFilter{
		Status:     model.BookingStatusConfirmed,
		Pagination: model.Pagination{Page: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 21, page.Pagination.Total)
}

func TestExtractTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "rx.jpg", hdr.Filename)
		respond(w, http.StatusOK, map[string]string{"text": "Lipid Profile\nHbA1c, Vitamin D\n\n"})
	})

	tokens, err := c.ExtractTokens(context.Background(), "rx.jpg", strings.NewReader("image bytes"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Lipid Profile", "HbA1c", "Vitamin D"}, tokens)
}

func TestErrorTranslation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/bookings":
			respondErr(w, http.StatusUnprocessableEntity, "slot already taken")
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream down")
		}
	})

	_, err := c.CreateBooking(context.Background(), model.BookingRequest{LabID: "lab-1"})
	require.Error(t, err)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindBadRequest, appErr.Kind)
	assert.Equal(t, "slot already taken", appErr.Message)

	_, err = c.ListLabs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindExternalUnavailable))
}

func TestBreakerOpensOnRepeatedOutages(t *testing.T) {
	var hits int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		respondErr(w, http.StatusServiceUnavailable, "maintenance")
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.ListLabs(ctx)
		require.Error(t, err)
	}
	_, err := c.ListLabs(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindExternalUnavailable))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker short-circuits")
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	var hits int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		respondErr(w, http.StatusBadRequest, "invalid")
	})

	for i := 0; i < 4; i++ {
		_, err := c.CancelBooking(context.Background(), "bk-1")
		require.Error(t, err)
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestPatientIsForwarded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "patient-7", r.Header.Get(httputil.HeaderPatientID))
		switch r.URL.Path {
		case "/api/bookings/bk-1":
			assert.Equal(t, http.MethodGet, r.Method)
			respond(w, http.StatusOK, model.Booking{ID: "bk-1", PatientID: "patient-7"})
		case "/api/bookings":
			assert.Equal(t, "patient-7", r.URL.Query().Get("patient_id"))
			respond(w, http.StatusOK, model.BookingPage{Items: []model.Booking{}})
		default:
			respondErr(w, http.StatusNotFound, "no route")
		}
	})
	ctx := httputil.WithPatientID(context.Background(), "patient-7")

	b, err := c.GetBooking(ctx, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, "patient-7", b.PatientID)

	_, err = c.ListBookings(ctx, model.BookingFilter{PatientID: "patient-7"})
	require.NoError(t, err)
}
