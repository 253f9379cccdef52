package monitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/sentinel/internal/metricsource"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

const minutesPerDay = 24 * 60

// SLOEvaluator computes error budget and multi-window burn rates.
type SLOEvaluator struct {
	source      metricsource.Source
	creator     *ticketCreator
	logger      *zap.SugaredLogger
	now         func() time.Time
	parallelism int
}

// NewSLOEvaluator creates an SLOEvaluator. tickets may be nil when only
// evaluation is needed.
func NewSLOEvaluator(source metricsource.Source, tickets storage.TicketRepository, logger *zap.SugaredLogger) *SLOEvaluator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SLOEvaluator{
		source:      source,
		creator:     &ticketCreator{tickets: tickets, logger: logger},
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		parallelism: defaultParallelism,
	}
}

// OnTicketCreated registers a hook run for every new violation ticket.
// It must be called before evaluation starts.
func (e *SLOEvaluator) OnTicketCreated(hook TicketHook) {
	e.creator.hooks = append(e.creator.hooks, hook)
}

// Evaluate checks one SLO. The current value is the SLI as a success ratio
// in [0, 1].
func (e *SLOEvaluator) Evaluate(ctx context.Context, slo *models.SLO) models.SLOEvaluation {
	eval := models.SLOEvaluation{
		SLOID:       slo.ID,
		Name:        slo.Name,
		Target:      slo.Target,
		EvaluatedAt: e.now(),
	}

	current, ok, err := e.source.Value(ctx, slo.MetricQuery)
	if err != nil {
		eval.Error = err.Error()
		e.logger.Warnw("slo query failed", "slo", slo.Name, "error", err)
		return eval
	}
	if !ok {
		eval.Error = "no data returned for query"
		return eval
	}
	eval.CurrentValue = &current

	budget := slo.ErrorBudget()
	remaining := BudgetRemaining(current, budget)
	eval.ErrorBudgetRemaining = &remaining

	burn, severity, windows := e.burnRates(ctx, slo, budget)
	eval.BurnRate = burn
	eval.WindowBurnRates = windows
	if severity != "" {
		eval.IsViolating = true
		eval.ViolationSeverity = severity
		eval.ViolationPriority = slo.PriorityFor(severity)
	}
	return eval
}

// BudgetRemaining returns the unconsumed error budget in percent, floored
// at zero. A zero budget reports nothing consumed.
func BudgetRemaining(current, budget float64) float64 {
	var consumed float64
	if budget > 0 {
		consumed = (1 - current) / budget
	}
	return math.Max(0, (1-consumed)*100)
}

// BurnRate returns how fast a window consumes the error budget relative to
// the sustainable pace for that window.
func BurnRate(windowAvg, budget float64, windowMinutes, windowDays int) float64 {
	sustainable := budget * float64(windowMinutes) / float64(windowDays*minutesPerDay)
	if sustainable <= 0 {
		return 0
	}
	return (1 - windowAvg) / sustainable
}

// burnRates evaluates every configured window. It returns the highest burn
// rate (nil when no window produced data), the triggered severity with the
// highest configured threshold, and the per-window burn rates.
func (e *SLOEvaluator) burnRates(ctx context.Context, slo *models.SLO, budget float64) (*float64, string, map[string]float64) {
	thresholds := slo.Thresholds()
	windowDays := slo.WindowDays
	if windowDays <= 0 {
		windowDays = models.DefaultWindowDays
	}

	var (
		maxBurn      float64
		haveBurn     bool
		severity     string
		severityRate float64
		windows      = make(map[string]float64)
	)
	for _, name := range slo.SeverityNames() {
		th := thresholds[name]
		minutes := th.WindowMinutes
		if minutes <= 0 {
			minutes = 60
		}
		limit := th.BurnRate
		if limit <= 0 {
			limit = 1
		}

		avg, ok, err := e.source.RangeAverage(ctx, slo.MetricQuery, minutes)
		if err != nil {
			e.logger.Warnw("burn rate window failed", "slo", slo.Name, "severity", name, "error", err)
			continue
		}
		if !ok {
			e.logger.Debugw("burn rate window has no data", "slo", slo.Name, "severity", name)
			continue
		}

		burn := BurnRate(avg, budget, minutes, windowDays)
		windows[name] = burn
		if !haveBurn || burn > maxBurn {
			maxBurn = burn
			haveBurn = true
		}
		// Names are visited in sorted order, so equal thresholds resolve
		// to the first name.
		if burn >= limit && (severity == "" || limit > severityRate) {
			severity = name
			severityRate = limit
		}
	}

	if !haveBurn {
		return nil, severity, nil
	}
	return &maxBurn, severity, windows
}

// EvaluateAll checks each SLO independently. Results keep input order.
func (e *SLOEvaluator) EvaluateAll(ctx context.Context, slos []*models.SLO) []models.SLOEvaluation {
	results := make([]models.SLOEvaluation, len(slos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, slo := range slos {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Errorw("slo evaluation panicked", "slo", slo.Name, "panic", r)
					results[i] = models.SLOEvaluation{
						SLOID:       slo.ID,
						Name:        slo.Name,
						Target:      slo.Target,
						Error:       fmt.Sprintf("evaluation panicked: %v", r),
						EvaluatedAt: e.now(),
					}
				}
			}()
			results[i] = e.Evaluate(gctx, slo)
			return nil
		})
	}
	g.Wait()
	return results
}

// CreateViolationTicket opens a ticket for a violating SLO with the
// priority mapped from the triggered severity. It returns nil when the SLO
// is healthy or an open ticket for it already exists.
func (e *SLOEvaluator) CreateViolationTicket(ctx context.Context, eval models.SLOEvaluation) (*models.Ticket, error) {
	if !eval.IsViolating {
		return nil, nil
	}

	priority := eval.ViolationPriority
	if !priority.IsValid() {
		priority = models.PriorityMedium
	}

	ticket := models.NewTicket(
		fmt.Sprintf("Investigate SLO violation: %s", eval.Name),
		priority,
		models.SourceSLOViolation,
	)
	ticket.SourceID = strconv.FormatInt(eval.SLOID, 10)
	ticket.SuccessCriteria = fmt.Sprintf("SLO %s burn rate returns below threshold and error budget is recovering", eval.Name)
	ticket.Context = models.Document{
		"slo_id":                 eval.SLOID,
		"slo_name":               eval.Name,
		"target":                 eval.Target,
		"current_value":          optionalFloat(eval.CurrentValue),
		"burn_rate":              optionalFloat(eval.BurnRate),
		"window_burn_rates":      eval.WindowBurnRates,
		"error_budget_remaining": optionalFloat(eval.ErrorBudgetRemaining),
		"violation_severity":     eval.ViolationSeverity,
		"detected_at":            eval.EvaluatedAt.Format(time.RFC3339),
	}

	return e.creator.create(ctx, ticket, "slo_evaluator")
}
