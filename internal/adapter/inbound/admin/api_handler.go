// Package admin provides the operator JSON API: users, VM assignment,
// sessions, the provider catalog, health and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/svmp/svmp-proxy/internal/domain/session"
	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
	"github.com/svmp/svmp-proxy/internal/service"
)

// UserManager is the user and VM workflow surface the API drives.
type UserManager interface {
	CreateUser(ctx context.Context, in service.NewUser) (*user.User, error)
	ListUsers(ctx context.Context) ([]*user.User, error)
	AssignVM(ctx context.Context, username string) (vm.Resource, error)
	ReleaseVM(ctx context.Context, username string) error
	ListImages(ctx context.Context) ([]vm.Image, error)
	ListFlavors(ctx context.Context) ([]vm.Flavor, error)
}

// SessionLister lists stored sessions.
type SessionLister interface {
	List(ctx context.Context) ([]*session.Session, error)
}

// AdminAPIHandler serves the admin API.
type AdminAPIHandler struct {
	users       UserManager
	sessions    SessionLister
	gatherer    prometheus.Gatherer
	allowRemote bool
	version     string
	logger      *slog.Logger
	startTime   time.Time
}

// AdminAPIOption configures an AdminAPIHandler dependency.
type AdminAPIOption func(*AdminAPIHandler)

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.logger = l }
}

// WithGatherer exposes the registry on /metrics.
func WithGatherer(g prometheus.Gatherer) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.gatherer = g }
}

// WithAllowRemote serves non-loopback clients.
func WithAllowRemote(allow bool) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.allowRemote = allow }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.version = v }
}

// WithStartTime sets the server start time for uptime calculation.
func WithStartTime(t time.Time) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.startTime = t }
}

// NewAdminAPIHandler creates a new AdminAPIHandler with the given options.
func NewAdminAPIHandler(users UserManager, sessions SessionLister, opts ...AdminAPIOption) *AdminAPIHandler {
	h := &AdminAPIHandler{
		users:     users,
		sessions:  sessions,
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns an http.Handler with all admin routes registered.
// /healthz is open to any client; everything else is localhost-only
// unless remote access is allowed.
func (h *AdminAPIHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(h.requestLogger)
	r.Use(apiHeaders)

	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.adminAuthMiddleware)

		if h.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/sessions", h.handleListSessions)

			r.Get("/users", h.handleListUsers)
			r.Post("/users", h.handleCreateUser)
			r.Post("/users/{username}/vm", h.handleAssignVM)
			r.Delete("/users/{username}/vm", h.handleReleaseVM)

			r.Get("/images", h.handleListImages)
			r.Get("/flavors", h.handleListFlavors)
		})
	})

	return r
}

func (h *AdminAPIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// requestLogger logs each request at debug level.
func (h *AdminAPIHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (h *AdminAPIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (h *AdminAPIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps a workflow error to a status code.
func (h *AdminAPIHandler) respondServiceError(w http.ResponseWriter, err error) {
	var (
		verrs validator.ValidationErrors
		pf    *vm.ProvisionFailure
		tf    *vm.TeardownFailure
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, user.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, user.ErrUserExists), errors.Is(err, service.ErrVMAssigned):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNoImage):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &verrs):
		status = http.StatusBadRequest
	case errors.As(err, &pf), errors.As(err, &tf):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("admin request failed", "error", err)
	}
	h.respondError(w, status, err.Error())
}

// readJSON decodes the request body into the given value.
// Unknown fields are rejected.
func (h *AdminAPIHandler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
