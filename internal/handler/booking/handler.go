package booking

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/lab-booking/internal/geo"
	"github.com/jwalitptl/lab-booking/internal/middleware"
	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/internal/session"
	"github.com/jwalitptl/lab-booking/internal/slot"
	"github.com/jwalitptl/lab-booking/internal/workflow"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/httputil"
	"github.com/jwalitptl/lab-booking/pkg/logger"
)

// History is the booking backend as used for past bookings. Calls carry
// the caller's patient id on the context.
type History interface {
	ListBookings(ctx context.Context, filter model.BookingFilter) (*model.BookingPage, error)
	GetBooking(ctx context.Context, bookingID string) (*model.Booking, error)
	CancelBooking(ctx context.Context, bookingID string) (*model.Booking, error)
}

type Handler struct {
	sessions *session.Registry
	history  History
	logger   *logger.Logger
}

func NewHandler(sessions *session.Registry, history History, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{sessions: sessions, history: history, logger: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.AbandonSession)

		sessions.POST("/:id/labs", h.LoadLabs)
		sessions.POST("/:id/prescription", h.SetPrescription)
		sessions.POST("/:id/lab", h.ChooseLab)

		sessions.POST("/:id/tests/:itemId/toggle", h.ToggleTest)
		sessions.POST("/:id/packages/:itemId/toggle", h.TogglePackage)
		sessions.POST("/:id/items/confirm", h.ConfirmItems)

		sessions.GET("/:id/slots", h.ListSlots)
		sessions.PUT("/:id/schedule", h.SetSchedule)
		sessions.POST("/:id/schedule/confirm", h.ConfirmSchedule)

		sessions.PUT("/:id/payment-method", h.SetPaymentMethod)
		sessions.POST("/:id/payment-method/confirm", h.ConfirmPaymentMethod)

		sessions.POST("/:id/back", h.Back)
		sessions.POST("/:id/submit", h.Submit)
		sessions.POST("/:id/payment/retry", h.RetryPayment)
		sessions.POST("/:id/payment/settle/retry", h.RetrySettlement)

		sessions.POST("/:id/gateway/success", h.GatewaySuccess)
		sessions.POST("/:id/gateway/dismiss", h.GatewayDismiss)
	}

	bookings := r.Group("/bookings")
	{
		bookings.GET("", h.ListBookings)
		bookings.POST("/:id/cancel", h.CancelBooking)
	}
}

type createSessionRequest struct {
	Location *model.Coordinates `json:"location"`
}

type sessionResponse struct {
	SessionID string        `json:"session_id"`
	View      workflow.View `json:"view"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, middleware.BindError(err))
			return
		}
	}

	var loc *geo.Point
	if req.Location != nil {
		if !validCoordinates(*req.Location) {
			h.fail(c, errors.BadRequest("location must have latitude in [-90, 90] and longitude in [-180, 180]", nil))
			return
		}
		p := geo.Point(*req.Location)
		loc = &p
	}
	s, err := h.sessions.Create(middleware.PatientID(c), loc)
	if err != nil {
		h.fail(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, sessionResponse{SessionID: s.ID, View: s.Workflow.View()})
}

func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	httputil.RespondWithSuccess(c, s.Workflow.View())
}

func (h *Handler) AbandonSession(c *gin.Context) {
	pending, err := h.sessions.Abandon(c.Param("id"), middleware.PatientID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"abandoned": true, "pending_booking_id": pending})
}

// LoadLabs answers with the ranked labs even when ranking or the catalog
// degraded; the reason is in the view's last_error.
func (h *Handler) LoadLabs(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	labs, err := s.Workflow.LoadLabs(c.Request.Context())
	if err != nil && !(errors.Is(err, errors.KindExternalUnavailable) && len(labs) > 0) {
		h.fail(c, err)
		return
	}
	httputil.RespondWithSuccess(c, s.Workflow.View())
}

type prescriptionRequest struct {
	Tokens []string `json:"tokens" binding:"max=50,dive,max=200"`
}

// SetPrescription accepts either a JSON token list or a multipart upload
// in the "file" field.
func (h *Handler) SetPrescription(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			h.fail(c, errors.BadRequest("prescription file is required", err))
			return
		}
		f, err := fh.Open()
		if err != nil {
			h.fail(c, errors.BadRequest("could not read prescription file", err))
			return
		}
		defer f.Close()
		if _, err := s.Workflow.ExtractPrescription(c.Request.Context(), fh.Filename, f); err != nil {
			h.fail(c, err)
			return
		}
		httputil.RespondWithSuccess(c, s.Workflow.View())
		return
	}

	var req prescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, middleware.BindError(err))
		return
	}
	if _, err := s.Workflow.SetTokens(req.Tokens); err != nil {
		h.fail(c, err)
		return
	}
	httputil.RespondWithSuccess(c, s.Workflow.View())
}

type chooseLabRequest struct {
	LabID string `json:"lab_id" binding:"required"`
}

func (h *Handler) ChooseLab(c *gin.Context) {
	var req chooseLabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, middleware.BindError(err))
		return
	}
	h.apply(c, func(ctx context.Context, wf *workflow.Workflow) error {
		return wf.ChooseLab(ctx, req.LabID)
	})
}

func (h *Handler) ToggleTest(c *gin.Context) {
	h.apply(c, func(_ context.Context, wf *workflow.Workflow) error {
		_, err := wf.ToggleTest(c.Param("itemId"))
		return err
	})
}

func (h *Handler) TogglePackage(c *gin.Context) {
	h.apply(c, func(_ context.Context, wf *workflow.Workflow) error {
		_, err := wf.TogglePackage(c.Param("itemId"))
		return err
	})
}

func (h *Handler) ConfirmItems(c *gin.Context) {
	h.apply(c, func(_ context.Context, wf *workflow.Workflow) error {
		return wf.ConfirmItems()
	})
}

type slotsResponse struct {
	Date  slot.Date   `json:"date"`
	Slots []slot.Slot `json:"slots"`
}

func (h *Handler) ListSlots(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var date slot.Date
	if q := c.Query("date"); q != "" {
		d, err := slot.ParseDate(q)
		if err != nil {
			h.fail(c, err)
			return
		}
		date = d
	}
	d, slots, err := s.Workflow.AvailableSlots(date)
	if err != nil {
		h.fail(c, err)
		return
	}
	if slots == nil {
		slots = []slot.Slot{}
	}
	httputil.RespondWithSuccess(c, slotsResponse{Date: d, Slots: slots})
}

type scheduleRequest struct {
	Date string `json:"date" binding:"omitempty,civildate"`
	Time string `json:"time" binding:"omitempty,clocktime"`
}

// SetSchedule sets the date, the time, or both. The date is applied first
// so a time is checked against the new date.
func (h *Handler) SetSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, middleware.BindError(err))
		return
	}
	if req.Date == "" && req.Time == "" {
		h.fail(c, errors.BadRequest("date or time is required", nil))
		return
	}
	h.apply(c, func(_ context.Context, wf *workflow.Workflow) error {
		if req.Date != "" {
			d, err := slot.ParseDate(req.Date)
			if err != nil {
				return err
			}
			if _, err := wf.SelectDate(d); err != nil {
				return err
			}
		}
		if req.Time != "" {
			t, err := slot.Parse(req.Time)
			if err != nil {
				return err
			}
			return wf.SelectTime(t)
		}
		return nil
	})
}

func (h *Handler) ConfirmSchedule(c *gin.Context) {
	h.apply(c, func(_ context.Context, wf *workflow.Workflow) error {
		return wf.ConfirmSchedule()
	})
}

type paymentMethodRequest struct {
	Method model.PaymentMethod `json:"method" binding:"required,oneof=pay_now pay_later"`
	Notes  string              `json:"notes" binding:"max=500"`
}

func (h *Handler) SetPaymentMethod(c *gin.Context) {
	var req paymentMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, middleware.BindError(err))
		return
	}
	h.apply(c, func(_ context.Context, wf *workflow.Workflow) error {
		return wf.SetPaymentMethod(req.Method, req.Notes)
	})
}

func (h *Handler) ConfirmPaymentMethod(c *gin.Context) {
	h.apply(c, func(_ context.Context, wf *workflow.Workflow) error {
		return wf.ConfirmPaymentMethod()
	})
}

type backRequest struct {
	Step *workflow.Step `json:"step" binding:"required"`
}

func (h *Handler) Back(c *gin.Context) {
	var req backRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if _, ok := errors.As(err); ok {
			h.fail(c, err)
			return
		}
		h.fail(c, middleware.BindError(err))
		return
	}
	h.apply(c, func(_ context.Context, wf *workflow.Workflow) error {
		return wf.Back(*req.Step)
	})
}

func (h *Handler) Submit(c *gin.Context) {
	h.apply(c, func(ctx context.Context, wf *workflow.Workflow) error {
		_, err := wf.Submit(ctx)
		return err
	})
}

func (h *Handler) RetryPayment(c *gin.Context) {
	h.apply(c, func(ctx context.Context, wf *workflow.Workflow) error {
		_, err := wf.RetryPayment(ctx)
		return err
	})
}

func (h *Handler) RetrySettlement(c *gin.Context) {
	h.apply(c, func(ctx context.Context, wf *workflow.Workflow) error {
		_, err := wf.RetrySettlement(ctx)
		return err
	})
}

func (h *Handler) GatewaySuccess(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var conf model.GatewayConfirmation
	if err := c.ShouldBindJSON(&conf); err != nil {
		h.fail(c, middleware.BindError(err))
		return
	}
	// Settlement runs inside Success; its failure is reported in the view.
	if err := s.Gateway.Success(conf); err != nil {
		h.fail(c, err)
		return
	}
	httputil.RespondWithSuccess(c, s.Workflow.View())
}

func (h *Handler) GatewayDismiss(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Gateway.Dismiss(); err != nil {
		h.fail(c, err)
		return
	}
	httputil.RespondWithSuccess(c, s.Workflow.View())
}

func (h *Handler) ListBookings(c *gin.Context) {
	var filter model.BookingFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.fail(c, middleware.BindError(err))
		return
	}
	filter.Pagination = filter.Pagination.Normalize(20, 100)
	filter.PatientID = middleware.PatientID(c)

	page, err := h.history.ListBookings(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	httputil.RespondWithPagination(c, page.Items, httputil.NewPagination(
		page.Pagination.Page, page.Pagination.PageSize, page.Pagination.Total))
}

// CancelBooking cancels one of the caller's bookings. Another patient's
// booking is reported as not found.
func (h *Handler) CancelBooking(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	patientID := middleware.PatientID(c)
	if patientID != "" {
		existing, err := h.history.GetBooking(ctx, id)
		if err != nil {
			h.fail(c, err)
			return
		}
		if existing.PatientID != patientID {
			h.logger.Warn("cancel refused for booking of another patient", "booking_id", id, "patient_id", patientID)
			h.fail(c, errors.NotFound("booking", nil))
			return
		}
	}

	b, err := h.history.CancelBooking(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("booking cancelled", "booking_id", b.ID, "patient_id", patientID)
	httputil.RespondWithSuccess(c, b)
}

// apply runs fn against the session's workflow and answers with the view.
func (h *Handler) apply(c *gin.Context, fn func(ctx context.Context, wf *workflow.Workflow) error) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), s.Workflow); err != nil {
		h.fail(c, err)
		return
	}
	httputil.RespondWithSuccess(c, s.Workflow.View())
}

func (h *Handler) session(c *gin.Context) (*session.Session, bool) {
	s, err := h.sessions.Get(c.Param("id"), middleware.PatientID(c))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return s, true
}

func validCoordinates(p model.Coordinates) bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	httputil.RespondWithError(c, err)
}
