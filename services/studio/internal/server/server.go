package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/albinc92/grok-bud/internal/metrics"
	"github.com/albinc92/grok-bud/internal/ratelimit"
	"github.com/albinc92/grok-bud/internal/session"
	"github.com/albinc92/grok-bud/internal/usertoken"
	"github.com/albinc92/grok-bud/internal/util"
	"github.com/albinc92/grok-bud/pkg/ai"
	"github.com/albinc92/grok-bud/pkg/cloudsync"
	"github.com/albinc92/grok-bud/services/studio/internal/app"
)

const defaultKeepAlive = 25 * time.Second

// Config wires required dependencies for the HTTP server.
type Config struct {
	App     *app.App
	Metrics *metrics.Metrics
	// Limiter guards the endpoints that spend API credit; nil disables it.
	Limiter        ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	Logger         *slog.Logger
	// KeepAlive is the comment interval of the job event stream.
	KeepAlive time.Duration
}

// Server exposes the local HTTP API the UI talks to.
type Server struct {
	app       *app.App
	metrics   *metrics.Metrics
	limiter   ratelimit.Limiter
	trusted   *util.TrustedProxies
	origins   []string
	logger    *slog.Logger
	keepAlive time.Duration
	mux       *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:       cfg.App,
		metrics:   cfg.Metrics,
		limiter:   cfg.Limiter,
		trusted:   cfg.TrustedProxies,
		origins:   cfg.CORSOrigins,
		logger:    cfg.Logger,
		keepAlive: cfg.KeepAlive,
		mux:       http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.keepAlive <= 0 {
		s.keepAlive = defaultKeepAlive
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	observe := func(method string, status int, elapsed time.Duration) {
		s.metrics.ObserveHTTP(method, status, elapsed.Seconds())
	}
	h := util.WithCORS(s.origins)(s.mux)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(observe, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/api/usage", s.handleUsage)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/images", s.handleImages)
	s.mux.HandleFunc("/api/images/session", s.handleImageSession)

	s.mux.HandleFunc("/api/favorites", s.handleFavorites)
	s.mux.HandleFunc("/api/favorites/{id}", s.handleFavoriteByID)
	s.mux.HandleFunc("/api/favorites/{id}/job", s.handleFavoriteJob)
	s.mux.HandleFunc("/api/favorites/{id}/videos", s.handleStartVideo)
	s.mux.HandleFunc("/api/favorites/{id}/videos/{videoId}", s.handleVideoByID)
	s.mux.HandleFunc("/api/favorites/{id}/videos/{videoId}/star", s.handleVideoStar)
	s.mux.HandleFunc("/api/favorites/{id}/videos/{videoId}/archive", s.handleVideoArchive)

	s.mux.HandleFunc("/api/jobs/events", s.handleJobEvents)
	s.mux.HandleFunc("/api/session", s.handleSession)
	s.mux.HandleFunc("/api/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// allowRate charges one request against the bucket for name and the caller.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, name string) bool {
	if s.limiter == nil {
		return true
	}
	key := name + "|" + util.ClientIP(r, s.trusted)
	if s.limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many generation requests")
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps core errors to HTTP statuses. Unexpected errors are
// logged and hidden behind a generic message.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *ai.APIError
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound), errors.Is(err, app.ErrArchiveDisabled):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ai.ErrMissingAPIKey):
		writeError(w, http.StatusPreconditionFailed, "xai api key not configured")
	case errors.As(err, &apiErr):
		writeError(w, statusForAPIError(apiErr), apiErr.Message)
	case errors.Is(err, usertoken.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid access token")
	case errors.Is(err, session.ErrNoVerifier):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
	case errors.Is(err, cloudsync.ErrSyncFailed):
		util.LoggerFromContext(r.Context()).Error("sync failed", "err", err)
		writeError(w, http.StatusInternalServerError, "sync failed")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func statusForAPIError(err *ai.APIError) int {
	switch err.Kind {
	case ai.KindAuth:
		return http.StatusUnauthorized
	case ai.KindQuota:
		return http.StatusPaymentRequired
	case ai.KindRateLimit:
		return http.StatusTooManyRequests
	case ai.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
