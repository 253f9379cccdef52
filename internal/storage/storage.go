// Package storage provides database storage interfaces and implementations.
package storage

import (
	"context"
	"errors"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSelfDependency is returned when a ticket would depend on itself.
	ErrSelfDependency = errors.New("ticket cannot depend on itself")
	// ErrDuplicateDependency is returned when a dependency edge already exists.
	ErrDuplicateDependency = errors.New("dependency already exists")
	// ErrDependencyNotFound is returned when removing an edge that does not exist.
	ErrDependencyNotFound = errors.New("dependency not found")
	// ErrDuplicateName is returned when an SLO or invariant name is taken.
	ErrDuplicateName = errors.New("name already exists")
	// ErrDuplicateOpenTicket is returned when an open ticket already exists
	// for the same violation source.
	ErrDuplicateOpenTicket = errors.New("open ticket already exists for source")
)

// Storage is the main interface for database operations.
type Storage interface {
	// Open initializes the database connection.
	Open() error
	// Close closes the database connection.
	Close() error
	// Migrate runs database migrations.
	Migrate() error
	// Ping checks the connection.
	Ping(ctx context.Context) error

	Tickets() TicketRepository
	SLOs() SLORepository
	Invariants() InvariantRepository
}

// TicketUpdate lists the fields to change on a ticket. Nil fields are left
// untouched. Context keys are merged into the existing document.
type TicketUpdate struct {
	Objective       *string
	SuccessCriteria *string
	Context         models.Document
	Status          *models.TicketStatus
	Priority        *models.Priority
	// Reason is recorded on the status_changed event.
	Reason string
}

// TicketRepository defines ticket, event and dependency operations. Every
// mutation writes its events in the same transaction as the change.
type TicketRepository interface {
	// Create inserts a ticket together with its created event.
	Create(ctx context.Context, ticket *models.Ticket, detail string) error
	// CreateWithDependencies inserts a ticket, its dependency edges and all
	// of their events in one transaction. Nothing is written on error.
	CreateWithDependencies(ctx context.Context, ticket *models.Ticket, detail string, dependsOn []int64) error
	// CreateIfNoOpen inserts the ticket only when no pending or in_progress
	// ticket exists with the same source type and source id. It returns
	// false when an open ticket already exists.
	CreateIfNoOpen(ctx context.Context, ticket *models.Ticket, detail string) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.Ticket, error)
	FindOpenBySource(ctx context.Context, sourceType models.SourceType, sourceID string) (*models.Ticket, error)
	List(ctx context.Context, filter models.TicketFilter) ([]*models.Ticket, int64, error)
	Update(ctx context.Context, id int64, update TicketUpdate) (*models.Ticket, error)
	Delete(ctx context.Context, id int64) error

	// AddEvent appends a free-form event (note or agent action).
	AddEvent(ctx context.Context, ticketID int64, data models.EventData) (*models.TicketEvent, error)
	ListEvents(ctx context.Context, ticketID int64) ([]*models.TicketEvent, error)

	AddDependency(ctx context.Context, ticketID, dependsOnID int64) (*models.TicketDependency, error)
	RemoveDependency(ctx context.Context, ticketID, dependsOnID int64) error
	ListDependencies(ctx context.Context, ticketID int64) ([]*models.TicketDependency, error)
	// DependencyStatuses returns the status of every ticket ticketID depends on.
	DependencyStatuses(ctx context.Context, ticketID int64) (map[int64]models.TicketStatus, error)
	// DependencyGraph returns all edges as ticket -> depends-on list.
	DependencyGraph(ctx context.Context) (map[int64][]int64, error)

	// ListReady returns ready tickets in work order.
	ListReady(ctx context.Context, limit int) ([]*models.Ticket, error)
	// ClaimNextReady moves the first ready ticket to in_progress, recording
	// the claimant as the status change reason. When sources are given only
	// tickets with one of those source types are considered. It returns nil
	// when nothing is ready.
	ClaimNextReady(ctx context.Context, claimant string, sources ...models.SourceType) (*models.Ticket, error)
}

// SLORepository defines operations for SLO definitions.
type SLORepository interface {
	Create(ctx context.Context, slo *models.SLO) error
	GetByID(ctx context.Context, id int64) (*models.SLO, error)
	GetByName(ctx context.Context, name string) (*models.SLO, error)
	Update(ctx context.Context, slo *models.SLO) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]*models.SLO, error)
	ListEnabled(ctx context.Context) ([]*models.SLO, error)
}

// InvariantRepository defines operations for invariant definitions.
type InvariantRepository interface {
	Create(ctx context.Context, inv *models.Invariant) error
	GetByID(ctx context.Context, id int64) (*models.Invariant, error)
	GetByName(ctx context.Context, name string) (*models.Invariant, error)
	Update(ctx context.Context, inv *models.Invariant) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]*models.Invariant, error)
	ListEnabled(ctx context.Context) ([]*models.Invariant, error)
}
