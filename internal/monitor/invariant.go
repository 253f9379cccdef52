package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/sentinel/internal/condition"
	"github.com/good-yellow-bee/sentinel/internal/metricsource"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

// defaultParallelism bounds concurrent metric queries in EvaluateAll.
const defaultParallelism = 4

// InvariantEvaluator checks invariants against live metric values.
//
// Evaluation fails open: a malformed condition, a query error or a missing
// series reports the invariant as passing with Error set.
type InvariantEvaluator struct {
	source      metricsource.Source
	creator     *ticketCreator
	logger      *zap.SugaredLogger
	now         func() time.Time
	parallelism int
}

// NewInvariantEvaluator creates an InvariantEvaluator. tickets may be nil
// when only evaluation is needed.
func NewInvariantEvaluator(source metricsource.Source, tickets storage.TicketRepository, logger *zap.SugaredLogger) *InvariantEvaluator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &InvariantEvaluator{
		source:      source,
		creator:     &ticketCreator{tickets: tickets, logger: logger},
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		parallelism: defaultParallelism,
	}
}

// OnTicketCreated registers a hook run for every new violation ticket.
func (e *InvariantEvaluator) OnTicketCreated(hook TicketHook) {
	e.creator.hooks = append(e.creator.hooks, hook)
}

// Evaluate checks one invariant.
func (e *InvariantEvaluator) Evaluate(ctx context.Context, inv *models.Invariant) models.InvariantEvaluation {
	eval := models.InvariantEvaluation{
		InvariantID: inv.ID,
		Name:        inv.Name,
		Query:       inv.Query,
		Condition:   inv.Condition,
		IsPassing:   true,
		EvaluatedAt: e.now(),
	}

	cond, err := condition.Parse(inv.Condition)
	if err != nil {
		eval.Error = err.Error()
		e.logger.Warnw("invariant condition invalid, treating as passing",
			"invariant", inv.Name, "condition", inv.Condition)
		return eval
	}
	threshold := cond.Threshold
	eval.ThresholdValue = &threshold

	value, ok, err := e.source.Value(ctx, inv.Query)
	if err != nil {
		eval.Error = err.Error()
		e.logger.Warnw("invariant query failed", "invariant", inv.Name, "error", err)
		return eval
	}
	if !ok {
		eval.Error = "no data returned for query"
		return eval
	}

	eval.CurrentValue = &value
	eval.IsPassing = cond.Eval(value)
	return eval
}

// EvaluateAll checks each invariant independently. Results keep input order.
func (e *InvariantEvaluator) EvaluateAll(ctx context.Context, invs []*models.Invariant) []models.InvariantEvaluation {
	results := make([]models.InvariantEvaluation, len(invs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, inv := range invs {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Errorw("invariant evaluation panicked", "invariant", inv.Name, "panic", r)
					results[i] = models.InvariantEvaluation{
						InvariantID: inv.ID,
						Name:        inv.Name,
						Query:       inv.Query,
						Condition:   inv.Condition,
						IsPassing:   true,
						Error:       fmt.Sprintf("evaluation panicked: %v", r),
						EvaluatedAt: e.now(),
					}
				}
			}()
			results[i] = e.Evaluate(gctx, inv)
			return nil
		})
	}
	g.Wait()
	return results
}

// CreateViolationTicket opens a high-priority ticket for a failing
// invariant. It returns nil when the invariant passes or an open ticket for
// it already exists.
func (e *InvariantEvaluator) CreateViolationTicket(ctx context.Context, eval models.InvariantEvaluation) (*models.Ticket, error) {
	if eval.IsPassing {
		return nil, nil
	}

	ticket := models.NewTicket(
		fmt.Sprintf("Fix invariant violation: %s", eval.Name),
		models.PriorityHigh,
		models.SourceInvariantViolation,
	)
	ticket.SourceID = strconv.FormatInt(eval.InvariantID, 10)
	ticket.SuccessCriteria = fmt.Sprintf("Invariant %s condition (%s) is satisfied", eval.Name, eval.Condition)
	ticket.Context = models.Document{
		"invariant_id":    eval.InvariantID,
		"invariant_name":  eval.Name,
		"query":           eval.Query,
		"condition":       eval.Condition,
		"current_value":   optionalFloat(eval.CurrentValue),
		"threshold_value": optionalFloat(eval.ThresholdValue),
		"detected_at":     eval.EvaluatedAt.Format(time.RFC3339),
	}

	return e.creator.create(ctx, ticket, "invariant_evaluator")
}
