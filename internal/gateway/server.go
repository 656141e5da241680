package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/envgate/envgate/internal/backend"
	"github.com/envgate/envgate/internal/telemetry"
)

// Server is the HTTP surface over one Gateway.
type Server struct {
	gw        *Gateway
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	startTime time.Time
	apiKey    string
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the HTTP server for a gateway.
func NewServer(gw *Gateway, opts ...ServerOption) *Server {
	s := &Server{
		gw:        gw,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", gw.Metrics().Handler())
	mux.HandleFunc("POST /v1/make", s.handleMake)
	mux.HandleFunc("POST /v1/make_vec", s.handleMakeVec)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("POST /v1/step", s.handleStep)
	mux.HandleFunc("POST /v1/close", s.handleClose)
	mux.HandleFunc("GET /v1/action_space", s.handleActionSpace)
	mux.HandleFunc("GET /v1/observation_space", s.handleObservationSpace)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.correlationMiddleware(s.authMiddleware(s.mux))
}

// Serve starts serving on the given listener-bound server.
func (s *Server) Serve(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("gateway server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, letting in-flight commands drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// correlationMiddleware scopes every request to a correlation ID, taken
// from the X-Correlation-ID header or generated, and echoes it back so
// trainer-side logs can be joined with gateway logs.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
		w.Header().Set("X-Correlation-ID", telemetry.CorrelationID(ctx))
		telemetry.RequestLogger(s.logger, ctx, r.URL.Path).Debug("request received", "method", r.Method)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = auth[7:]
			}
		}
		if key != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"uptime":   time.Since(s.startTime).String(),
		"sessions": s.gw.SessionCount(),
	})
}

func (s *Server) handleMake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnvSpec backend.EnvironmentSpec `json:"env_spec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	res, err := s.gw.Make(r.Context(), req.EnvSpec)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMakeVec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnvSpec backend.EnvironmentSpec `json:"env_spec"`
		NumEnvs int                     `json:"num_envs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	res, err := s.gw.MakeVec(r.Context(), req.EnvSpec, req.NumEnvs)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"session_key"`
		Seed       *int64 `json:"seed,omitempty"`
		Instance   *int   `json:"instance,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	out, err := s.gw.Reset(r.Context(), req.SessionKey, req.Seed, req.Instance)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"session_key"`
		Actions    any    `json:"actions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	out, err := s.gw.Step(r.Context(), req.SessionKey, req.Actions)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"session_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := s.gw.Close(r.Context(), req.SessionKey); err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleActionSpace(w http.ResponseWriter, r *http.Request) {
	sp, err := s.gw.ActionSpace(r.URL.Query().Get("session_key"))
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"space_descriptor": sp})
}

func (s *Server) handleObservationSpace(w http.ResponseWriter, r *http.Request) {
	sp, err := s.gw.ObservationSpace(r.URL.Query().Get("session_key"))
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"space_descriptor": sp})
}

// writeOpError maps gateway error kinds to wire responses. Recoverable
// per-call failures never terminate the server or touch other sessions.
func (s *Server) writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, backend.ErrUnavailable):
		writeError(w, http.StatusNotFound, "backend_unavailable", err.Error())
	case errors.Is(err, backend.ErrIncompatible):
		writeError(w, http.StatusBadRequest, "backend_incompatible", err.Error())
	case errors.Is(err, backend.ErrPartialCreate):
		writeError(w, http.StatusBadGateway, "partial_create_failure", err.Error())
	case errors.Is(err, ErrActionShapeMismatch):
		writeError(w, http.StatusBadRequest, "action_shape_mismatch", err.Error())
	case errors.Is(err, ErrSessionDegraded), errors.Is(err, ErrBackendStep):
		writeError(w, http.StatusInternalServerError, "backend_step_error", err.Error())
	default:
		telemetry.RequestLogger(s.logger, r.Context(), r.URL.Path).Error("request failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
