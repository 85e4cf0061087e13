package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/lab-booking/internal/geo"
	"github.com/jwalitptl/lab-booking/internal/payment"
	"github.com/jwalitptl/lab-booking/internal/slot"
	"github.com/jwalitptl/lab-booking/internal/workflow"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/event"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
	"github.com/jwalitptl/lab-booking/pkg/validator"
)

// Components are shared by every session the registry builds.
type Components struct {
	Catalog   workflow.LabCatalog
	Ranker    *geo.Ranker
	Locator   geo.Locator
	Grid      slot.Grid
	Extractor workflow.TextExtractor
	Validator validator.Validator
	Bookings  payment.BookingService
	Emitter   event.Emitter
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Config struct {
	TTL          time.Duration
	MaxSessions  int
	NearestCount int
	Payment      payment.Config
}

// Session is one patient's booking attempt.
type Session struct {
	ID        string
	PatientID string
	CreatedAt time.Time

	Workflow *workflow.Workflow
	Payments *payment.Coordinator
	Gateway  *payment.HandoffGateway

	closeOnce sync.Once
	pending   string
}

// Close abandons the workflow and drops any open checkout. It returns the
// id of a booking left pending, if any. Only the first call has an effect.
func (s *Session) Close() string {
	s.closeOnce.Do(func() {
		s.Gateway.Clear()
		s.pending = s.Workflow.Abandon()
	})
	return s.pending
}

// Registry keeps live sessions with a sliding TTL. An expired session is
// abandoned without any backend call.
type Registry struct {
	cfg     Config
	comp    Components
	cache   *cache.Cache
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu serializes Create so MaxSessions holds.
	mu sync.Mutex
}

func NewRegistry(cfg Config, comp Components) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if comp.Logger == nil {
		comp.Logger = logger.Nop()
	}
	if comp.Emitter == nil {
		comp.Emitter = event.Nop
	}
	if comp.Now == nil {
		comp.Now = time.Now
	}

	r := &Registry{
		cfg:     cfg,
		comp:    comp,
		cache:   cache.New(cfg.TTL, cfg.TTL/2),
		logger:  comp.Logger,
		metrics: comp.Metrics,
		now:     comp.Now,
	}
	r.cache.OnEvicted(r.evicted)
	return r
}

// Create starts a session for patientID. A non-nil location pins the
// patient's coordinates for ranking.
func (r *Registry) Create(patientID string, location *geo.Point) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.MaxSessions > 0 && r.cache.ItemCount() >= r.cfg.MaxSessions {
		r.cache.DeleteExpired()
		if r.cache.ItemCount() >= r.cfg.MaxSessions {
			return nil, errors.NewExternalUnavailable("session capacity", nil)
		}
	}

	id := uuid.NewString()
	gw := payment.NewHandoffGateway()
	pcfg := r.cfg.Payment
	pcfg.SessionID = id
	pcfg.PatientID = patientID
	coord := payment.NewCoordinator(r.comp.Bookings, gw, pcfg, r.comp.Emitter, r.logger, r.metrics)
	wf := workflow.New(workflow.Config{SessionID: id, NearestCount: r.cfg.NearestCount}, workflow.Deps{
		Catalog:   r.comp.Catalog,
		Ranker:    r.comp.Ranker,
		Locator:   r.comp.Locator,
		Grid:      r.comp.Grid,
		Payments:  coord,
		Extractor: r.comp.Extractor,
		Validator: r.comp.Validator,
		Emitter:   r.comp.Emitter,
		Logger:    r.logger,
		Metrics:   r.metrics,
		Now:       r.now,
	})
	if location != nil {
		wf.SetLocation(location)
	}

	s := &Session{
		ID:        id,
		PatientID: patientID,
		CreatedAt: r.now(),
		Workflow:  wf,
		Payments:  coord,
		Gateway:   gw,
	}
	r.cache.SetDefault(id, s)
	r.metrics.SessionsActive(r.cache.ItemCount())
	r.logger.Info("session started", "session_id", id, "patient_id", patientID)
	return s, nil
}

// Get returns the session and extends its lifetime. A session owned by
// another patient is reported as not found.
func (r *Registry) Get(id, patientID string) (*Session, error) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, errors.NotFound("session", nil)
	}
	s := v.(*Session)
	if s.PatientID != patientID {
		return nil, errors.NotFound("session", nil)
	}
	r.cache.SetDefault(id, s)
	return s, nil
}

// Abandon closes and removes the session. It returns the id of a booking
// left pending, if any.
func (r *Registry) Abandon(id, patientID string) (string, error) {
	s, err := r.Get(id, patientID)
	if err != nil {
		return "", err
	}
	pending := s.Close()
	r.cache.Delete(id)
	return pending, nil
}

func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

// Sweep drops expired sessions now instead of waiting for the janitor.
func (r *Registry) Sweep() {
	r.cache.DeleteExpired()
}

func (r *Registry) evicted(id string, v interface{}) {
	s, ok := v.(*Session)
	if !ok {
		return
	}
	if pending := s.Close(); pending != "" {
		r.logger.Warn("session ended with booking pending", "session_id", id, "booking_id", pending)
	} else {
		r.logger.Debug("session ended", "session_id", id)
	}
	r.metrics.SessionsActive(r.cache.ItemCount())
}
