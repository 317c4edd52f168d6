package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/automation"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/config"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/logging"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RuleStore is the rule persistence surface the API needs. *rule.Registry
// satisfies it.
type RuleStore interface {
	List(ctx context.Context) ([]rule.Rule, error)
	Get(ctx context.Context, id string) (*rule.Rule, error)
	Create(ctx context.Context, r *rule.Rule) error
	Update(ctx context.Context, r *rule.Rule) error
	Delete(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]rule.Execution, error)
}

// LoopController is the evaluation loop surface the API needs.
// *automation.Runner satisfies it.
type LoopController interface {
	TriggerNow(ctx context.Context, ruleID string) (*rule.Execution, error)
	Status(ruleID string) (automation.RunnerStatus, error)
	StatusAll() []automation.RunnerStatus
}

// QuotaSource reports OpenRouter API key usage. *openrouter.Client satisfies it.
type QuotaSource interface {
	KeyStatus(ctx context.Context) (*openrouter.KeyStatus, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Rules    RuleStore
	Runner   LoopController
	Quota    QuotaSource // optional: GET /quota returns 503 without it

	// ExternalHub, if set, is used instead of creating a hub internally.
	// The composition root injects it when the evaluation loop also needs
	// the hub for event broadcasting.
	ExternalHub *Hub
	Version     string
}

// Server is the HTTP API server for the controller.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	rules       RuleStore
	runner      LoopController
	quota       QuotaSource
	version     string
	server      *http.Server
	hub         *Hub
	externalHub bool // true if hub was injected externally
	wsTickets   *ticketStore
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, rule store, runner)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	// Quota is optional — the quota endpoint degrades without it

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		rules:     deps.Rules,
		runner:    deps.Runner,
		quota:     deps.Quota,
		version:   deps.Version,
		wsTickets: newTicketStore(),
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	// Create WebSocket hub (unless one was injected externally)
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	// Start periodic ticket cleanup to prevent memory leaks
	go s.cleanTicketsLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	// Start listening in background
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
