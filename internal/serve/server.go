package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/agenthub/internal/auth"
	"github.com/marcus/agenthub/internal/config"
	"github.com/marcus/agenthub/internal/db"
	"github.com/marcus/agenthub/internal/hub"
	"github.com/marcus/agenthub/internal/webhook"
)

// Server is the agenthub broker front-end. It owns the REST mux and the
// WebSocket mux; both share the store, registry, verifier, and limiter.
type Server struct {
	db       *db.DB
	registry *hub.Registry
	verifier *auth.Verifier
	limiter  *RateLimiter
	hooks    *webhook.Dispatcher
	config   *config.Config

	apiMux *http.ServeMux
	wsMux  *http.ServeMux

	apiSrv *http.Server
	wsSrv  *http.Server
}

// NewServer wires the broker front-end and registers all routes.
func NewServer(database *db.DB, registry *hub.Registry, verifier *auth.Verifier, hooks *webhook.Dispatcher, cfg *config.Config) *Server {
	s := &Server{
		db:       database,
		registry: registry,
		verifier: verifier,
		limiter:  NewRateLimiter(cfg.RateWindow, cfg.RateCap),
		hooks:    hooks,
		config:   cfg,
		apiMux:   http.NewServeMux(),
		wsMux:    http.NewServeMux(),
	}
	s.registerAPIRoutes()
	s.registerWSRoutes()
	return s
}

// Registry exposes the connection registry, mainly for the supervisor wiring
// in cmd.
func (s *Server) Registry() *hub.Registry { return s.registry }

// APIHandler returns the REST mux wrapped in the middleware chain.
func (s *Server) APIHandler() http.Handler {
	h := http.Handler(s.apiMux)

	// Wrap order: outermost first when applied, so we apply innermost first.
	// Final order (outermost to innermost):
	//   recovery -> logging -> CORS -> auth+ratelimit -> handler
	h = s.authMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)

	return h
}

// WSHandler returns the WebSocket mux. Authentication happens per-connection
// inside the upgrade handler, not in middleware, because the error must go
// out as a frame on the accepted socket.
func (s *Server) WSHandler() http.Handler {
	h := http.Handler(s.wsMux)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

// ListenAndServeAPI serves the REST surface until the context is cancelled.
func (s *Server) ListenAndServeAPI(ctx context.Context) error {
	s.apiSrv = &http.Server{
		Handler:      s.APIHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.serve(ctx, s.apiSrv, s.config.APIAddr)
}

// ListenAndServeWS serves the streaming surface until the context is
// cancelled. No write timeout: streams stay open for the connection
// lifetime.
func (s *Server) ListenAndServeWS(ctx context.Context) error {
	s.wsSrv = &http.Server{
		Handler:     s.WSHandler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 0,
	}
	return s.serve(ctx, s.wsSrv, s.config.WSAddr)
}

func (s *Server) serve(ctx context.Context, srv *http.Server, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ============================================================================
// Route Registration
// ============================================================================

func (s *Server) registerAPIRoutes() {
	// Health is unauthenticated.
	s.apiMux.HandleFunc("GET /health", s.handleHealth)

	// Identity
	s.apiMux.HandleFunc("GET /api/v1/auth", s.handleWhoAmI)
	s.apiMux.HandleFunc("GET /api/v1/ratelimit", s.handleRateLimitStatus)

	// Agents
	s.apiMux.HandleFunc("POST /api/v1/agents", s.handleRegisterAgent)
	s.apiMux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	s.apiMux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	s.apiMux.HandleFunc("PATCH /api/v1/agents/{id}", s.handleUpdateAgent)
	s.apiMux.HandleFunc("DELETE /api/v1/agents/{id}", s.handleDeactivateAgent)

	// Messages
	s.apiMux.HandleFunc("POST /api/v1/messages", s.handleSendMessage)
	s.apiMux.HandleFunc("GET /api/v1/messages", s.handleListMessages)
	s.apiMux.HandleFunc("GET /api/v1/messages/{id}", s.handleGetMessage)
	s.apiMux.HandleFunc("GET /api/v1/messages/by-file", s.handleMessagesByFile)

	// Collaborations
	s.apiMux.HandleFunc("POST /api/v1/collaborations", s.handleRequestCollab)
	s.apiMux.HandleFunc("GET /api/v1/collaborations", s.handleListCollabs)
	s.apiMux.HandleFunc("GET /api/v1/collaborations/{id}", s.handleGetCollab)
	s.apiMux.HandleFunc("POST /api/v1/collaborations/{id}/respond", s.handleRespondCollab)
	s.apiMux.HandleFunc("POST /api/v1/collaborations/{id}/complete", s.handleCompleteCollab)

	// Projects and membership
	s.apiMux.HandleFunc("POST /api/v1/projects", s.handleCreateProject)
	s.apiMux.HandleFunc("GET /api/v1/projects", s.handleListProjects)
	s.apiMux.HandleFunc("GET /api/v1/projects/{id}", s.handleGetProject)
	s.apiMux.HandleFunc("PATCH /api/v1/projects/{id}", s.handleUpdateProject)
	s.apiMux.HandleFunc("DELETE /api/v1/projects/{id}", s.handleDeactivateProject)
	s.apiMux.HandleFunc("POST /api/v1/projects/{id}/members", s.handleAddMember)
	s.apiMux.HandleFunc("GET /api/v1/projects/{id}/members", s.handleListMembers)
	s.apiMux.HandleFunc("DELETE /api/v1/projects/{id}/members/{agent_id}", s.handleRemoveMember)

	// Sessions
	s.apiMux.HandleFunc("POST /api/v1/sessions", s.handleStartSession)
	s.apiMux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.apiMux.HandleFunc("GET /api/v1/sessions/{session_id}", s.handleGetSession)
	s.apiMux.HandleFunc("DELETE /api/v1/sessions/{session_id}", s.handleEndSession)

	// Brain state
	s.apiMux.HandleFunc("POST /api/v1/brain", s.handleSaveBrain)
	s.apiMux.HandleFunc("GET /api/v1/brain", s.handleLoadBrain)
	s.apiMux.HandleFunc("GET /api/v1/brain/by-file", s.handleBrainByFile)
	s.apiMux.HandleFunc("DELETE /api/v1/brain/{session_id}", s.handleClearBrain)
}

func (s *Server) registerWSRoutes() {
	s.wsMux.HandleFunc("GET /ws/v1/connect", s.handleWS(""))
	s.wsMux.HandleFunc("GET /ws/v1/messages", s.handleWS(hub.TopicMessages))
	s.wsMux.HandleFunc("GET /ws/v1/collaboration", s.handleWS(hub.TopicCollaboration))
	s.wsMux.HandleFunc("GET /ws/v1/session", s.handleWS(hub.TopicSession))
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		WriteError(w, ErrUnavailable, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	WriteSuccess(w, map[string]any{
		"status":    "ok",
		"clients":   s.registry.Count(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// handleWhoAmI serves GET /api/v1/auth: echoes the verified identity so
// agents can confirm a token before opening a stream.
func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	agent, err := s.db.GetAgent(r.Context(), ident.AgentID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteSuccess(w, s.agentDTO(agent), http.StatusOK)
}

// ============================================================================
// Middleware
// ============================================================================

type contextKey string

const identityKey contextKey = "identity"

// identityFrom returns the verified identity stashed by authMiddleware. Only
// callable on authenticated routes.
func identityFrom(r *http.Request) auth.Identity {
	ident, _ := r.Context().Value(identityKey).(auth.Identity)
	return ident
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the wrapped writer. WebSocket upgrades pass through
// the logging middleware, and the upgrade path type-asserts the writer to
// http.Hijacker.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// recoveryMiddleware catches panics, logs the stack trace, and returns a 500
// error envelope.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				slog.Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(stack),
				)
				WriteError(w, ErrInternal, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with method, path, status code, and
// duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sr, r)
		slog.Info("req",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.code,
			"dur", time.Since(start).String(),
		)
	})
}

// corsMiddleware handles CORS preflight and sets response headers when
// CORSOrigin is configured. If no CORS origin is configured, the middleware
// is a no-op pass-through.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CORSOrigin == "" {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if s.config.CORSOrigin != "*" && s.config.CORSOrigin != origin {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware verifies the Bearer token, applies the rate limit, and
// stashes the identity in the request context. GET /health is exempt.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteError(w, ErrUnauthenticated, "missing authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			WriteError(w, ErrUnauthenticated, "invalid authorization format", http.StatusUnauthorized)
			return
		}

		ident, err := s.verifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			WriteStoreError(w, err)
			return
		}

		if allowed, retryAfter := s.limiter.Allow(ident.AgentID); !allowed {
			secs := int(retryAfter.Seconds()) + 1
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(Envelope{
				Success:    false,
				Error:      "rate limit exceeded",
				Code:       ErrRateLimited,
				RetryAfter: secs,
			})
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, *ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
