// Package worker claims ready tickets and hands them to a remediator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/metrics"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

// Outcome is what a remediator reports for one ticket.
type Outcome struct {
	Status models.TicketStatus `json:"status"`
	Note   string              `json:"note,omitempty"`
}

// Remediator attempts to resolve a claimed ticket.
type Remediator interface {
	Name() string
	Remediate(ctx context.Context, ticket *models.Ticket) (Outcome, error)
}

// SourceFilter is implemented by remediators that only take tickets from
// some sources. Tickets from other sources are never claimed.
type SourceFilter interface {
	Sources() []models.SourceType
}

// recordTimeout bounds the writes that close out a claim. They run detached
// from the worker's context so a claimed ticket never stays in_progress.
const recordTimeout = 10 * time.Second

// Config configures the worker loop.
type Config struct {
	Name        string        `yaml:"name"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	// Timeout bounds one Remediate call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default worker settings.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Concurrency: 1,
		Timeout:     5 * time.Minute,
	}
}

// Worker polls for ready tickets, claims them and records the outcome.
type Worker struct {
	cfg        Config
	tickets    storage.TicketRepository
	remediator Remediator
	sources    []models.SourceType
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	running bool
}

// New creates a worker. A missing name gets a random one.
func New(cfg Config, tickets storage.TicketRepository, remediator Remediator, logger *zap.SugaredLogger) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Name == "" {
		cfg.Name = "worker-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &Worker{
		cfg:        cfg,
		tickets:    tickets,
		remediator: remediator,
		logger:     logger.With("worker", cfg.Name),
	}
	if f, ok := remediator.(SourceFilter); ok {
		w.sources = f.Sources()
	}
	return w
}

// Name returns the claimant name recorded on tickets.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// Run starts cfg.Concurrency poll loops and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("worker already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.logger.Infow("worker started",
		"remediator", w.remediator.Name(),
		"interval", w.cfg.Interval,
		"concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

// loop drains ready tickets, then sleeps for the interval. A ticket handed
// back as pending also ends the drain so it is not retried straight away.
func (w *Worker) loop(ctx context.Context) {
	for {
		status, err := w.process(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Errorw("process ticket", "error", err)
		}
		if err == nil && status != "" && status != models.StatusPending {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.Interval):
		}
	}
}

// ProcessOne claims the next ready ticket and remediates it. It reports
// false when nothing was ready.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	status, err := w.process(ctx)
	return status != "", err
}

// process handles one ticket and returns the status it was left in, or ""
// when nothing was claimed.
func (w *Worker) process(ctx context.Context) (models.TicketStatus, error) {
	ticket, err := w.tickets.ClaimNextReady(ctx, w.cfg.Name, w.sources...)
	if err != nil {
		return "", fmt.Errorf("claim ticket: %w", err)
	}
	if ticket == nil {
		return "", nil
	}
	log := w.logger.With("ticket_id", ticket.ID)
	log.Infow("claimed ticket", "objective", ticket.Objective, "priority", ticket.Priority)

	err = w.record(ctx, func(rctx context.Context) error {
		_, err := w.tickets.AddEvent(rctx, ticket.ID, models.AgentActionData{
			Action: "remediate",
			Detail: w.remediator.Name(),
		})
		return err
	})
	if err != nil {
		w.release(ctx, ticket.ID, "released by "+w.cfg.Name+": could not record action")
		return models.StatusPending, fmt.Errorf("record action for ticket %d: %w", ticket.ID, err)
	}

	outcome, rerr := w.remediate(ctx, ticket)
	reason := "remediation " + string(outcome.Status)
	if rerr != nil && ctx.Err() != nil {
		outcome = Outcome{Status: models.StatusPending, Note: fmt.Sprintf("remediation interrupted: %v", rerr)}
		reason = "released by " + w.cfg.Name + ": worker stopped"
	}

	status := outcome.Status
	err = w.record(ctx, func(rctx context.Context) error {
		_, err := w.tickets.Update(rctx, ticket.ID, storage.TicketUpdate{Status: &status, Reason: reason})
		return err
	})
	if err != nil {
		return status, fmt.Errorf("record outcome for ticket %d: %w", ticket.ID, err)
	}
	if outcome.Note != "" {
		err = w.record(ctx, func(rctx context.Context) error {
			_, err := w.tickets.AddEvent(rctx, ticket.ID, models.NoteAddedData{
				Author: w.cfg.Name,
				Note:   outcome.Note,
			})
			return err
		})
		if err != nil {
			return status, fmt.Errorf("record note for ticket %d: %w", ticket.ID, err)
		}
	}

	metrics.WorkerTicketsTotal.WithLabelValues(string(status)).Inc()
	log.Infow("ticket processed", "status", status)
	return status, nil
}

// record runs a store write that must complete even after ctx is cancelled.
func (w *Worker) record(ctx context.Context, fn func(context.Context) error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	return fn(rctx)
}

// release hands a claimed ticket back to pending.
func (w *Worker) release(ctx context.Context, id int64, reason string) {
	pending := models.StatusPending
	err := w.record(ctx, func(rctx context.Context) error {
		_, err := w.tickets.Update(rctx, id, storage.TicketUpdate{Status: &pending, Reason: reason})
		return err
	})
	if err != nil {
		w.logger.Errorw("release ticket", "ticket_id", id, "error", err)
	}
}

// remediate runs the remediator under the timeout and normalizes its
// outcome. Errors and unusable statuses become failures with a note; the
// remediator's own error is also returned.
func (w *Worker) remediate(ctx context.Context, ticket *models.Ticket) (outcome Outcome, err error) {
	rctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Status: models.StatusFailed, Note: fmt.Sprintf("remediator panicked: %v", r)}
			err = nil
		}
	}()

	outcome, err = w.remediator.Remediate(rctx, ticket)
	if err != nil {
		return Outcome{Status: models.StatusFailed, Note: fmt.Sprintf("remediation failed: %v", err)}, err
	}
	switch outcome.Status {
	case models.StatusCompleted, models.StatusFailed, models.StatusBlocked, models.StatusPending:
		return outcome, nil
	default:
		note := fmt.Sprintf("remediator returned unusable status %q", outcome.Status)
		if outcome.Note != "" {
			note += ": " + outcome.Note
		}
		return Outcome{Status: models.StatusFailed, Note: note}, nil
	}
}
