// Package httpapi serves the conversation channel and the read-only REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/lukasbauer/intake/internal/dispatch"
	"github.com/lukasbauer/intake/internal/eventlog"
	"github.com/lukasbauer/intake/internal/metrics"
	"github.com/lukasbauer/intake/internal/notifications"
	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/store"
	"github.com/lukasbauer/intake/internal/stt"
	"github.com/lukasbauer/intake/internal/turn"
)

type RouterConfig struct {
	// Channel limits
	ReadLimit    int64         // max inbound frame size in bytes
	WriteTimeout time.Duration // per outbound frame

	// Turn synchronizer settings
	ReorderWindow int
	StallTimeout  time.Duration

	// TranscriptionRetryText is the reply sent when a transcription fails.
	TranscriptionRetryText string
}

// Deps are the collaborators the router wires together. Dialer may be nil, in
// which case audio input is rejected.
type Deps struct {
	Logger       *log.Logger
	Store        store.Store
	Manager      *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Dialer       stt.Dialer
	EventLog     *eventlog.Logger
	Discord      *notifications.Discord
	Metrics      *metrics.Metrics
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    store.Store
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	dialer   stt.Dialer
	eventLog *eventlog.Logger
	discord  *notifications.Discord
	metrics  *metrics.Metrics
	channels *ChannelRegistry
}

const (
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
	defaultRetryText    = "Sorry, I couldn't hear that. Could you say it again?"
)

func NewRouter(cfg RouterConfig, d Deps) *Router {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.TranscriptionRetryText == "" {
		cfg.TranscriptionRetryText = defaultRetryText
	}
	return &Router{
		cfg:      cfg,
		logger:   d.Logger.WithPrefix("http"),
		store:    d.Store,
		sessions: d.Manager,
		orch:     d.Orchestrator,
		dialer:   d.Dialer,
		eventLog: d.EventLog,
		discord:  d.Discord,
		metrics:  d.Metrics,
		channels: NewChannelRegistry(),
	}
}

// Channels exposes the open-channel registry for graceful shutdown.
func (r *Router) Channels() *ChannelRegistry {
	return r.channels
}

// Handler builds the HTTP handler.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chiMiddleware.RequestID)
	mux.Use(chiMiddleware.RealIP)
	mux.Use(withSentryRecovery)
	mux.Use(withCORS)

	mux.Get("/healthz", r.handleHealthz)
	mux.Get("/readyz", r.handleReadyz)
	mux.Handle("/metrics", r.metrics.Handler())

	mux.Get("/conversation/{sessionID}", r.handleConversation)

	mux.Route("/api", func(api chi.Router) {
		api.Get("/stages", r.handleListStages)
		api.Get("/sessions/{sessionID}", r.handleGetSession)
		api.Get("/sessions/{sessionID}/events", r.handleListEvents)
	})
	return mux
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	if err := r.store.Ping(ctx); err != nil {
		r.logger.Warn("health check failed", "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.channels.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleListStages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, dispatch.StagesEvent(r.sessions.Ledger().All()))
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "sessionID")
	if !session.ValidID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}

	sess, err := r.store.LoadSession(req.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		r.logger.Error("load session failed", "session", id, "err", err)
		captureError(req, err, "api: load session")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (r *Router) handleListEvents(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "sessionID")
	if !session.ValidID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}

	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	events, err := r.store.ListEvents(req.Context(), id, limit)
	if err != nil {
		r.logger.Error("list events failed", "session", id, "err", err)
		captureError(req, err, "api: list events")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		if req != nil {
			scope.SetRequest(req)
		}
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

func newSynchronizer(r *Router) *turn.Synchronizer {
	return turn.New(r.dialer, r.logger, turn.Config{
		ReorderWindow: r.cfg.ReorderWindow,
		StallTimeout:  r.cfg.StallTimeout,
	})
}
