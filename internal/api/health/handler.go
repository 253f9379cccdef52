// Package health provides health check endpoints for the API.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/api/respond"
	"github.com/good-yellow-bee/sentinel/pkg/config"
)

// Checker defines the interface for health checkers.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
	started  time.Time
	timeout  time.Duration
}

// NewHandler creates a new health handler.
func NewHandler() *Handler {
	return &Handler{
		started: time.Now(),
		timeout: 5 * time.Second,
	}
}

// RegisterChecker adds a dependency checker.
func (h *Handler) RegisterChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Response represents the health check response.
type Response struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Live returns 200 while the process is running.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	respond.OK(w, h.response("live", nil))
}

// Health runs every registered checker and answers 503 if any fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results, healthy := h.runChecks(ctx)
	if !healthy {
		respond.JSON(w, http.StatusServiceUnavailable, h.response("unhealthy", results))
		return
	}
	respond.OK(w, h.response("ok", results))
}

func (h *Handler) runChecks(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	checkers := make([]Checker, len(h.checkers))
	copy(checkers, h.checkers)
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = true
		results = make(map[string]string, len(checkers))
	)
	for _, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := "ok"
			if err := c.Check(ctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			results[c.Name()] = status
			if status != "ok" {
				healthy = false
			}
		}()
	}
	wg.Wait()
	return results, healthy
}

func (h *Handler) response(status string, checks map[string]string) Response {
	return Response{
		Status:  status,
		Version: config.Version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  checks,
	}
}
