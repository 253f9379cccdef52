package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/metrics"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

// TicketHook is called after a violation ticket has been created. Errors
// are logged and do not affect the ticket.
type TicketHook func(ctx context.Context, ticket *models.Ticket) error

// ticketCreator applies dedup-then-create for violation tickets.
type ticketCreator struct {
	tickets storage.TicketRepository
	logger  *zap.SugaredLogger
	hooks   []TicketHook
}

// create inserts ticket unless an open ticket exists for the same source.
// A suppressed duplicate returns (nil, nil).
func (c *ticketCreator) create(ctx context.Context, ticket *models.Ticket, detail string) (*models.Ticket, error) {
	if c.tickets == nil {
		return nil, fmt.Errorf("no ticket repository configured")
	}
	created, err := c.tickets.CreateIfNoOpen(ctx, ticket, detail)
	if err != nil {
		return nil, fmt.Errorf("create %s ticket: %w", ticket.SourceType, err)
	}
	source := string(ticket.SourceType)
	if !created {
		metrics.TicketsSuppressedTotal.WithLabelValues(source).Inc()
		c.logger.Infow("open ticket already exists, skipping",
			"source_type", ticket.SourceType, "source_id", ticket.SourceID)
		return nil, nil
	}
	metrics.TicketsCreatedTotal.WithLabelValues(source).Inc()
	c.logger.Infow("created violation ticket",
		"ticket_id", ticket.ID, "source_type", ticket.SourceType,
		"source_id", ticket.SourceID, "priority", ticket.Priority)
	for _, hook := range c.hooks {
		if err := hook(ctx, ticket); err != nil {
			c.logger.Warnw("ticket hook failed", "ticket_id", ticket.ID, "error", err)
		}
	}
	return ticket, nil
}

// optionalFloat converts a nullable value for a ticket context document.
func optionalFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
