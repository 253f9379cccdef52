// Package api provides the HTTP REST API server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/api/health"
	"github.com/good-yellow-bee/sentinel/internal/api/invariants"
	monitorapi "github.com/good-yellow-bee/sentinel/internal/api/monitor"
	"github.com/good-yellow-bee/sentinel/internal/api/slos"
	"github.com/good-yellow-bee/sentinel/internal/ratelimit"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address string `yaml:"address"`
	// RateLimitPerSecond and RateLimitBurst size the per-client token
	// bucket. Zero disables rate limiting.
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst     float64       `yaml:"rate_limit_burst"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
	Verbose            bool          `yaml:"verbose"`
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst <= 0 {
		c.RateLimitBurst = c.RateLimitPerSecond * 2
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = 2 * time.Minute
	}
}

// Deps are the collaborators the API serves. Evaluators and Monitor may be
// nil; their endpoints then answer 503.
type Deps struct {
	Storage            storage.Storage
	SLOEvaluator       slos.Evaluator
	InvariantEvaluator invariants.Evaluator
	Monitor            monitorapi.Runner
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	deps          Deps
	logger        *zap.SugaredLogger
	limiter       *ratelimit.Registry
	server        *http.Server
	healthHandler *health.Handler
}

// New creates a new API server.
func New(cfg *Config, deps Deps, logger *zap.SugaredLogger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		deps:          deps,
		logger:        logger,
		healthHandler: health.NewHandler(),
	}
	s.healthHandler.RegisterChecker(health.NewStorageChecker(deps.Storage))

	if cfg.RateLimitPerSecond > 0 {
		limiter, err := ratelimit.NewRegistry(ratelimit.RegistryConfig{
			Default: ratelimit.BucketConfig{Capacity: cfg.RateLimitBurst, RefillRate: cfg.RateLimitPerSecond},
			IdleTTL: 10 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("api rate limiter: %w", err)
		}
		s.limiter = limiter
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RunTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Infow("HTTP API listening", "addr", s.config.Address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a health checker to the server.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	s.healthHandler.RegisterChecker(c)
}
