// Package channel exposes the supervisor over HTTP: streaming chat as
// server-sent events or a WebSocket, agent administration, passage
// ingestion and the evaluation log.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"basecamp/internal/adapter/retrieval"
	"basecamp/internal/domain"
	"basecamp/internal/infra/config"
	"basecamp/internal/infra/metrics"
	"basecamp/internal/infra/middleware"
	"basecamp/internal/usecase/supervisor"
)

// TurnHandler answers one chat turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req supervisor.TurnRequest) (*supervisor.Turn, error)
}

// AgentRegistry is the registry surface the admin API needs.
type AgentRegistry interface {
	Create(ctx context.Context, cfg domain.AgentConfig) error
	Update(ctx context.Context, cfg domain.AgentConfig) error
	Get(tenantID, key string) (domain.AgentConfig, error)
	List(tenantID string) []domain.AgentConfig
	Delete(ctx context.Context, tenantID, key string) error
}

// PassageStore ingests documents for retrieval agents.
type PassageStore interface {
	Ingest(ctx context.Context, tenantID string, metadata map[string]string, docs []retrieval.Document) ([]string, error)
}

// SessionViewer exposes chat session state.
type SessionViewer interface {
	Snapshot(ctx context.Context, tenantID, sessionID string) (supervisor.SessionState, error)
	Delete(tenantID, sessionID string) bool
}

// Deps are the services behind the API. Passages, Sessions, EvalLog and
// Metrics may be nil; their endpoints then answer 503.
type Deps struct {
	Turns    TurnHandler
	Agents   AgentRegistry
	Passages PassageStore
	Sessions SessionViewer
	EvalLog  domain.EvaluationLog
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	Deps
	cfg         config.HTTPConfig
	metricsPath string
	server      *http.Server

	// Actual bound address (set after Start)
	boundAddr string

	// Lifecycle of the rate limiter cleanup goroutine
	cancel context.CancelFunc
}

// New creates the API server. An empty metricsPath leaves metrics unexposed.
func New(cfg config.HTTPConfig, metricsPath string, deps Deps) *Server {
	return &Server{Deps: deps, cfg: cfg, metricsPath: metricsPath}
}

// Handler builds the routed and middleware-wrapped handler. The rate
// limiter's cleanup goroutine stops when ctx is cancelled.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("GET /api/v1/chat/ws", s.handleChatWS)

	mux.HandleFunc("GET /api/v1/tenants/{tenant}/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/agents/{key}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/v1/tenants/{tenant}/agents/{key}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/v1/tenants/{tenant}/agents/{key}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/agents/{key}/passages", s.handleIngest)

	mux.HandleFunc("GET /api/v1/tenants/{tenant}/evaluations", s.handleEvaluations)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/sessions/{session}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/tenants/{tenant}/sessions/{session}", s.handleDeleteSession)

	if s.metricsPath != "" && s.Metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.Metrics.Handler())
	}

	return middleware.Chain(mux,
		middleware.Observe(s.Logger, s.Metrics),
		middleware.SecurityHeaders,
		middleware.CORS(s.cfg.AllowedOrigins),
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RPS:            s.cfg.RateLimitRPS,
			Burst:          s.cfg.RateLimitBurst,
			TrustedProxies: s.cfg.TrustedProxies,
		}),
		middleware.MaxBody(s.cfg.MaxBodyBytes),
	)
}

// Start begins the HTTP server. Non-blocking (serves in a goroutine).
func (s *Server) Start(ctx context.Context) error {
	limiterCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(limiterCtx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Chat streams clear their own write deadline.
		WriteTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.Logger.Info("http api started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
