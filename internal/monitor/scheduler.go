package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/metrics"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

// Config holds scheduler settings.
type Config struct {
	SLOInterval       time.Duration `yaml:"slo_interval"`
	InvariantInterval time.Duration `yaml:"invariant_interval"`
	// SLOSchedule and InvariantSchedule are optional standard cron
	// expressions that override the intervals.
	SLOSchedule       string `yaml:"slo_schedule"`
	InvariantSchedule string `yaml:"invariant_schedule"`
	// RunOnStart runs one full cycle as soon as the scheduler starts.
	RunOnStart bool `yaml:"run_on_start"`
}

// DefaultConfig returns one-minute intervals for both check kinds.
func DefaultConfig() Config {
	return Config{
		SLOInterval:       time.Minute,
		InvariantInterval: time.Minute,
		RunOnStart:        true,
	}
}

// CheckResult summarizes one check within a cycle.
type CheckResult struct {
	Kind      string `json:"kind"`
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Violating bool   `json:"violating"`
	TicketID  int64  `json:"ticket_id,omitempty"`
	// Suppressed is set when a violation matched an open ticket.
	Suppressed bool   `json:"suppressed,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CycleReport is the outcome of one scheduler pass.
type CycleReport struct {
	StartedAt  time.Time                    `json:"started_at"`
	FinishedAt time.Time                    `json:"finished_at"`
	SLOs       []models.SLOEvaluation       `json:"slos"`
	Invariants []models.InvariantEvaluation `json:"invariants"`
	Checks     []CheckResult                `json:"checks"`
	Errors     []string                     `json:"errors,omitempty"`
}

// TicketsCreated returns the ids of tickets opened during the cycle.
func (r *CycleReport) TicketsCreated() []int64 {
	var ids []int64
	for _, c := range r.Checks {
		if c.TicketID != 0 {
			ids = append(ids, c.TicketID)
		}
	}
	return ids
}

// Status describes the scheduler state.
type Status struct {
	Running            bool          `json:"running"`
	SLOInterval        time.Duration `json:"slo_interval"`
	InvariantInterval  time.Duration `json:"invariant_interval"`
	LastSLOCheck       *time.Time    `json:"last_slo_check,omitempty"`
	LastInvariantCheck *time.Time    `json:"last_invariant_check,omitempty"`
	LastReport         *CycleReport  `json:"last_report,omitempty"`
}

// Scheduler periodically evaluates enabled SLOs and invariants and opens
// deduplicated tickets for violations.
type Scheduler struct {
	cfg        Config
	slos       storage.SLORepository
	invariants storage.InvariantRepository
	sloEval    *SLOEvaluator
	invEval    *InvariantEvaluator
	logger     *zap.SugaredLogger

	// startup tracks the RunOnStart cycle so Stop can wait for it.
	startup sync.WaitGroup

	mu                 sync.RWMutex
	cron               *cron.Cron
	running            bool
	baseCtx            context.Context
	cancel             context.CancelFunc
	lastSLOCheck       time.Time
	lastInvariantCheck time.Time
	lastReport         *CycleReport
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, store storage.Storage, sloEval *SLOEvaluator, invEval *InvariantEvaluator, logger *zap.SugaredLogger) *Scheduler {
	if cfg.SLOInterval < time.Second {
		cfg.SLOInterval = DefaultConfig().SLOInterval
	}
	if cfg.InvariantInterval < time.Second {
		cfg.InvariantInterval = DefaultConfig().InvariantInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		cfg:        cfg,
		slos:       store.SLOs(),
		invariants: store.Invariants(),
		sloEval:    sloEval,
		invEval:    invEval,
		logger:     logger,
	}
}

// Start schedules the periodic checks. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	sloSched, err := schedule(s.cfg.SLOSchedule, s.cfg.SLOInterval)
	if err != nil {
		return fmt.Errorf("slo schedule: %w", err)
	}
	invSched, err := schedule(s.cfg.InvariantSchedule, s.cfg.InvariantInterval)
	if err != nil {
		return fmt.Errorf("invariant schedule: %w", err)
	}

	cl := cronLogger{s.logger}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	base := s.baseCtx

	c.Schedule(sloSched, cron.FuncJob(func() {
		report := &CycleReport{StartedAt: time.Now().UTC()}
		s.runSLOChecks(base, report)
		report.FinishedAt = time.Now().UTC()
		s.storeReport(report)
	}))
	c.Schedule(invSched, cron.FuncJob(func() {
		report := &CycleReport{StartedAt: time.Now().UTC()}
		s.runInvariantChecks(base, report)
		report.FinishedAt = time.Now().UTC()
		s.storeReport(report)
	}))

	c.Start()
	s.cron = c
	s.running = true

	s.logger.Infow("monitor scheduler started",
		"slo_interval", s.cfg.SLOInterval, "invariant_interval", s.cfg.InvariantInterval)

	if s.cfg.RunOnStart {
		s.startup.Add(1)
		go func() {
			defer s.startup.Done()
			s.RunOnce(base)
		}()
	}
	return nil
}

// Stop cancels in-flight checks and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.startup.Wait()
	s.logger.Info("monitor scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// RunOnce performs a full SLO and invariant pass synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) *CycleReport {
	report := &CycleReport{StartedAt: time.Now().UTC()}
	s.runSLOChecks(ctx, report)
	s.runInvariantChecks(ctx, report)
	report.FinishedAt = time.Now().UTC()
	s.storeReport(report)
	return report
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:           s.running,
		SLOInterval:       s.cfg.SLOInterval,
		InvariantInterval: s.cfg.InvariantInterval,
		LastReport:        s.lastReport,
	}
	if !s.lastSLOCheck.IsZero() {
		t := s.lastSLOCheck
		st.LastSLOCheck = &t
	}
	if !s.lastInvariantCheck.IsZero() {
		t := s.lastInvariantCheck
		st.LastInvariantCheck = &t
	}
	return st
}

func (s *Scheduler) runSLOChecks(ctx context.Context, report *CycleReport) {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.WithLabelValues("slo").Observe(time.Since(start).Seconds())
		s.mu.Lock()
		s.lastSLOCheck = time.Now().UTC()
		s.mu.Unlock()
	}()

	slos, err := s.slos.ListEnabled(ctx)
	if err != nil {
		s.logger.Errorw("load slos failed", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("load slos: %v", err))
		return
	}

	evals := s.sloEval.EvaluateAll(ctx, slos)
	report.SLOs = append(report.SLOs, evals...)
	for _, eval := range evals {
		res := CheckResult{Kind: "slo", ID: eval.SLOID, Name: eval.Name, Violating: eval.IsViolating, Error: eval.Error}
		recordSLO(eval)
		if eval.IsViolating {
			s.isolate(&res, func() (*models.Ticket, error) {
				return s.sloEval.CreateViolationTicket(ctx, eval)
			})
		}
		report.Checks = append(report.Checks, res)
	}
}

func (s *Scheduler) runInvariantChecks(ctx context.Context, report *CycleReport) {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.WithLabelValues("invariant").Observe(time.Since(start).Seconds())
		s.mu.Lock()
		s.lastInvariantCheck = time.Now().UTC()
		s.mu.Unlock()
	}()

	invs, err := s.invariants.ListEnabled(ctx)
	if err != nil {
		s.logger.Errorw("load invariants failed", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("load invariants: %v", err))
		return
	}

	evals := s.invEval.EvaluateAll(ctx, invs)
	report.Invariants = append(report.Invariants, evals...)
	for _, eval := range evals {
		res := CheckResult{Kind: "invariant", ID: eval.InvariantID, Name: eval.Name, Violating: !eval.IsPassing, Error: eval.Error}
		recordInvariant(eval)
		if !eval.IsPassing {
			s.isolate(&res, func() (*models.Ticket, error) {
				return s.invEval.CreateViolationTicket(ctx, eval)
			})
		}
		report.Checks = append(report.Checks, res)
	}
}

// isolate runs one ticket creation, converting errors and panics into the
// check result so other checks still run.
func (s *Scheduler) isolate(res *CheckResult, create func() (*models.Ticket, error)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("violation handling panicked", "kind", res.Kind, "name", res.Name, "panic", r)
			res.Error = fmt.Sprintf("ticket creation panicked: %v", r)
		}
	}()

	ticket, err := create()
	switch {
	case err != nil:
		s.logger.Errorw("create violation ticket failed", "kind", res.Kind, "name", res.Name, "error", err)
		res.Error = err.Error()
	case ticket == nil:
		res.Suppressed = true
	default:
		res.TicketID = ticket.ID
	}
}

func (s *Scheduler) storeReport(report *CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReport = report
}

func recordSLO(eval models.SLOEvaluation) {
	switch {
	case eval.Error != "" && eval.CurrentValue == nil:
		metrics.EvaluationsTotal.WithLabelValues("slo", "error").Inc()
	case eval.IsViolating:
		metrics.EvaluationsTotal.WithLabelValues("slo", "violating").Inc()
	default:
		metrics.EvaluationsTotal.WithLabelValues("slo", "ok").Inc()
	}
	if eval.BurnRate != nil {
		metrics.SLOBurnRate.WithLabelValues(eval.Name).Set(*eval.BurnRate)
	}
	if eval.ErrorBudgetRemaining != nil {
		metrics.SLOErrorBudgetRemaining.WithLabelValues(eval.Name).Set(*eval.ErrorBudgetRemaining)
	}
}

func recordInvariant(eval models.InvariantEvaluation) {
	switch {
	case eval.Error != "":
		metrics.EvaluationsTotal.WithLabelValues("invariant", "error").Inc()
	case !eval.IsPassing:
		metrics.EvaluationsTotal.WithLabelValues("invariant", "violating").Inc()
	default:
		metrics.EvaluationsTotal.WithLabelValues("invariant", "ok").Inc()
	}
	if eval.CurrentValue != nil {
		metrics.InvariantValue.WithLabelValues(eval.Name).Set(*eval.CurrentValue)
	}
	passing := 0.0
	if eval.IsPassing {
		passing = 1
	}
	metrics.InvariantPassing.WithLabelValues(eval.Name).Set(passing)
}

// schedule returns a cron schedule from an expression, or a fixed interval
// when expr is empty.
func schedule(expr string, every time.Duration) (cron.Schedule, error) {
	if expr != "" {
		return cron.ParseStandard(expr)
	}
	return cron.Every(every), nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
