// Package gateway exposes the engine over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/core"
	"github.com/dohr-michael/pilot/internal/events"
	"github.com/dohr-michael/pilot/internal/gateway/ws"
	"github.com/dohr-michael/pilot/internal/storage"
)

// UserHeader carries the caller identity, set by the authenticating proxy.
const UserHeader = "X-Pilot-User"

const maxBodyBytes = 1 << 20

var ownerRe = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)

// ValidOwner reports whether s is an acceptable owner id.
func ValidOwner(s string) bool { return ownerRe.MatchString(s) }

type ownerKey struct{}

// Options holds the server dependencies. EventLog and Usage are optional.
type Options struct {
	Service  *core.Service
	Bus      *events.Bus
	EventLog *storage.EventLogger
	Usage    *storage.UsageTracker
	Config   config.GatewayConfig
}

// Server is the pilot HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	svc        *core.Service
	bus        *events.Bus
	eventLog   *storage.EventLogger
	usage      *storage.UsageTracker
	cfg        config.GatewayConfig
}

// NewServer creates a new gateway server.
func NewServer(opts Options) *Server {
	s := &Server{
		hub:      ws.NewHub(opts.Bus),
		svc:      opts.Service,
		bus:      opts.Bus,
		eventLog: opts.EventLog,
		usage:    opts.Usage,
		cfg:      opts.Config,
	}
	if s.cfg.DefaultUser == "" {
		s.cfg.DefaultUser = "local"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.identify)

		// Long-lived, so outside the request deadline.
		r.Get("/api/events/ws", s.handleEventsWS)

		r.Group(func(r chi.Router) {
			if d := s.cfg.RequestTimeout.Duration(); d > 0 {
				r.Use(requestDeadline(d))
			}

			r.Get("/api/tasks", s.handleListTasks)
			r.Post("/api/tasks", s.handleCreateTask)
			r.Post("/api/tasks/rank", s.handleRank)
			r.Get("/api/tasks/{id}", s.handleGetTask)
			r.Patch("/api/tasks/{id}", s.handleUpdateTask)
			r.Post("/api/tasks/{id}/complete", s.handleCompleteTask)

			r.Get("/api/projects", s.handleListProjects)
			r.Post("/api/projects", s.handleCreateProject)

			r.Post("/api/ai/breakdown", s.handleBreakdown)
			r.Post("/api/ai/query", s.handleQuery)

			r.Get("/api/events", s.handleEvents)
			r.Get("/api/usage", s.handleUsage)
		})
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("pilot gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// identify resolves the caller from UserHeader, falling back to the
// configured default user.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(UserHeader)
		if owner == "" {
			owner = s.cfg.DefaultUser
		}
		if !ValidOwner(owner) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid " + UserHeader + " header"})
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		ctx = events.ContextWithOwner(ctx, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

// requestDeadline bounds the request context. Handlers report the expiry
// themselves through writeError, so nothing is written here.
func requestDeadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "error", err)
	}
}

// writeError maps an engine error to a status code and a safe message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(core.Classify(err))
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: core.SafeMessage(err)})
}

func statusFor(c core.ErrorClass) int {
	switch c {
	case core.ClassValidation:
		return http.StatusBadRequest
	case core.ClassNotFound:
		return http.StatusNotFound
	case core.ClassConflict:
		return http.StatusConflict
	case core.ClassUpstreamInvalid:
		return http.StatusBadGateway
	case core.ClassUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case core.ClassDeadline:
		return http.StatusGatewayTimeout
	case core.ClassCanceled:
		// Client went away; nginx's non-standard code.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a bounded JSON body into v. Unknown fields are rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("body", "invalid JSON: %v", err)
	}
	return nil
}
