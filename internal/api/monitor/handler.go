// Package monitor serves the scheduler status and manual run endpoints.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/api/respond"
	"github.com/good-yellow-bee/sentinel/internal/monitor"
)

// Runner is the scheduler surface the API needs.
type Runner interface {
	Status() monitor.Status
	RunOnce(ctx context.Context) *monitor.CycleReport
}

// Handler handles monitor endpoints.
type Handler struct {
	runner     Runner
	runTimeout time.Duration
	logger     *zap.SugaredLogger
}

// NewHandler creates a monitor handler. runTimeout bounds a manual cycle.
func NewHandler(runner Runner, runTimeout time.Duration, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if runTimeout <= 0 {
		runTimeout = 2 * time.Minute
	}
	return &Handler{runner: runner, runTimeout: runTimeout, logger: logger}
}

// Routes mounts the monitor endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Post("/run", h.Run)
}

// Status returns the scheduler state and the last cycle report.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	respond.OK(w, h.runner.Status())
}

// Run executes one full cycle synchronously and returns its report.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.runTimeout)
	defer cancel()

	report := h.runner.RunOnce(ctx)
	h.logger.Infow("manual monitor cycle finished",
		"slos", len(report.SLOs), "invariants", len(report.Invariants),
		"tickets_created", len(report.TicketsCreated()))
	respond.OK(w, report)
}
