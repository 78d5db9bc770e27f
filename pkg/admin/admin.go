// Package admin serves the scheduler process's operational HTTP surface:
// scheduler control, queue and lifecycle introspection, scheduled-message
// creation, health and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/logging"
	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/queue"
	"github.com/mahaj/chat-dispatch/pkg/respond"
	"github.com/mahaj/chat-dispatch/pkg/scheduler"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

// Scheduler is the control surface of the discovery poller.
type Scheduler interface {
	RunOnce(ctx context.Context) (scheduler.Report, error)
	Start() error
	Stop()
	Status() scheduler.Status
}

// QueueStatus reports the retryable queue's lanes.
type QueueStatus interface {
	Status(ctx context.Context) (queue.Status, error)
}

const triggerTimeout = time.Minute

// Check probes one dependency for /health.
type Check func(ctx context.Context) error

type Handler struct {
	scheduler Scheduler
	queue     QueueStatus
	store     store.ScheduledStore
	chat      *chat.Service
	log       zerolog.Logger
	now       func() time.Time
	checks    map[string]Check
}

type Option func(*Handler)

// WithCheck adds a named dependency probe to /health.
func WithCheck(name string, c Check) Option {
	return func(h *Handler) { h.checks[name] = c }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(s Scheduler, q QueueStatus, st store.ScheduledStore, svc *chat.Service, log zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		scheduler: s,
		queue:     q,
		store:     st,
		chat:      svc,
		log:       log,
		now:       time.Now,
		checks:    make(map[string]Check),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter mounts the handler. Everything under /admin requires a bearer
// token issued by signer.
func NewRouter(h *Handler, signer *auth.Signer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.Middleware(h.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Middleware(signer))

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", h.SchedulerStatus)
			r.Post("/trigger", h.Trigger)
			r.Post("/start", h.Start)
			r.Post("/stop", h.Stop)
		})
		r.Get("/queue/status", h.QueueStatus)

		r.Route("/scheduled-messages", func(r chi.Router) {
			r.Post("/", h.CreateScheduled)
			r.Get("/stats", h.Stats)
			r.Get("/{id}", h.GetScheduled)
		})
	})

	return r
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respond.OK(w, h.scheduler.Status())
}

// Trigger runs one discovery cycle synchronously and returns its report.
// The cycle is detached from the request so a client hanging up does not
// cut it short between a claim and its enqueue.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), triggerTimeout)
	defer cancel()
	report, err := h.scheduler.RunOnce(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("manual discovery cycle failed")
		respond.Error(w, http.StatusInternalServerError, "discovery cycle failed")
		return
	}
	respond.JSON(w, http.StatusOK, respond.Body{Success: true, Message: "discovery cycle completed", Data: report})
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Start(); err != nil {
		h.log.Error().Err(err).Msg("scheduler start failed")
		respond.Error(w, http.StatusInternalServerError, "scheduler could not start")
		return
	}
	respond.Message(w, "scheduler started")
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Stop()
	respond.Message(w, "scheduler stopped")
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Status(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("queue status failed")
		respond.Error(w, http.StatusServiceUnavailable, "queue status unavailable")
		return
	}
	respond.OK(w, st)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context(), h.now())
	if err != nil {
		h.log.Error().Err(err).Msg("scheduled stats failed")
		respond.Error(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respond.OK(w, stats)
}

type createRequest struct {
	ConversationID string             `json:"conversation_id"`
	Content        string             `json:"content"`
	ContentType    model.ContentType  `json:"content_type"`
	SendTime       time.Time          `json:"send_time"`
	Repeat         model.RepeatPolicy `json:"repeat"`
	RepeatInterval int                `json:"repeat_interval"`
}

// CreateScheduled stores a scheduled message sent by the authenticated
// user into a conversation they belong to.
func (h *Handler) CreateScheduled(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ConversationID == "" || req.Content == "" || req.SendTime.IsZero() {
		respond.Error(w, http.StatusBadRequest, "conversation_id, content and send_time are required")
		return
	}

	if _, err := h.chat.Authorize(r.Context(), req.ConversationID, claims.UserID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respond.Error(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, chat.ErrNotParticipant):
			respond.Error(w, http.StatusForbidden, "not a participant of this conversation")
		default:
			h.log.Error().Err(err).Msg("load conversation failed")
			respond.Error(w, http.StatusInternalServerError, "failed to load conversation")
		}
		return
	}

	m := &model.ScheduledMessage{
		ConversationID: req.ConversationID,
		SenderID:       claims.UserID,
		Content:        req.Content,
		ContentType:    req.ContentType,
		SendTime:       req.SendTime,
		Repeat:         req.Repeat,
		RepeatInterval: req.RepeatInterval,
	}
	if err := h.store.Create(r.Context(), m); err != nil {
		if errors.Is(err, model.ErrSendTimeNotFuture) || errors.Is(err, model.ErrInvalidScheduled) {
			respond.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("create scheduled message failed")
		respond.Error(w, http.StatusInternalServerError, "failed to create scheduled message")
		return
	}
	h.log.Info().Str("scheduled_message_id", m.ID).Time("send_time", m.SendTime).Msg("scheduled message created")
	respond.Created(w, "scheduled message created", m)
}

// GetScheduled returns one of the caller's scheduled messages.
func (h *Handler) GetScheduled(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	m, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && m.SenderID != claims.UserID) {
		respond.Error(w, http.StatusNotFound, "scheduled message not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("load scheduled message failed")
		respond.Error(w, http.StatusInternalServerError, "failed to load scheduled message")
		return
	}
	respond.OK(w, struct {
		model.ScheduledMessage
		State model.State `json:"state"`
	}{m, m.State()})
}

type checkResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// Health probes every registered dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]checkResult, len(names))
	healthy := true
	for _, name := range names {
		start := time.Now()
		if err := h.checks[name](ctx); err != nil {
			results[name] = checkResult{Status: "fail", Message: err.Error()}
			healthy = false
			continue
		}
		results[name] = checkResult{Status: "pass", Latency: time.Since(start).String()}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respond.JSON(w, code, map[string]any{
		"status":    status,
		"scheduler": h.scheduler.Status().Running,
		"checks":    results,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}
