package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/ticketgraph"
)

const ticketColumns = `id, objective, success_criteria, context, status, priority,
	source_type, source_id, created_at, updated_at, resolved_at`

// readySQL selects pending tickets with no unfinished dependency.
const readySQL = `SELECT ` + ticketColumns + ` FROM tickets t
	WHERE t.status = 'pending' AND NOT EXISTS (
		SELECT 1 FROM ticket_dependencies d
		JOIN tickets dep ON dep.id = d.depends_on_id
		WHERE d.ticket_id = t.id AND dep.status != 'completed'
	)`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTicketRepo struct {
	db *sql.DB
}

// withTx runs fn in a transaction, committing on success.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *sqliteTicketRepo) Create(ctx context.Context, ticket *models.Ticket, detail string) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return insertTicket(ctx, tx, ticket, detail)
	})
}

func (r *sqliteTicketRepo) CreateWithDependencies(ctx context.Context, ticket *models.Ticket, detail string, dependsOn []int64) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertTicket(ctx, tx, ticket, detail); err != nil {
			return err
		}
		for _, depID := range dependsOn {
			if _, err := addDependency(ctx, tx, ticket.ID, depID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *sqliteTicketRepo) CreateIfNoOpen(ctx context.Context, ticket *models.Ticket, detail string) (bool, error) {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		existing, err := findOpenBySource(ctx, tx, ticket.SourceType, ticket.SourceID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicateOpenTicket
		}
		return insertTicket(ctx, tx, ticket, detail)
	})
	if errors.Is(err, ErrDuplicateOpenTicket) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// insertTicket writes the ticket row and its created event.
func insertTicket(ctx context.Context, q querier, ticket *models.Ticket, detail string) error {
	now := time.Now().UTC()
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	if ticket.UpdatedAt.IsZero() {
		ticket.UpdatedAt = ticket.CreatedAt
	}
	if ticket.Status == "" {
		ticket.Status = models.StatusPending
	}
	if ticket.Priority == "" {
		ticket.Priority = models.PriorityMedium
	}
	if ticket.SourceType == "" {
		ticket.SourceType = models.SourceHuman
	}
	if ticket.Context == nil {
		ticket.Context = models.Document{}
	}
	if ticket.Status.IsTerminal() && ticket.ResolvedAt == nil {
		resolved := ticket.CreatedAt
		ticket.ResolvedAt = &resolved
	}

	contextJSON, err := ticket.Context.Marshal()
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO tickets (objective, success_criteria, context, status, priority,
			source_type, source_id, created_at, updated_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ticket.Objective, ticket.SuccessCriteria, contextJSON, ticket.Status, ticket.Priority,
		ticket.SourceType, nullString(ticket.SourceID), ticket.CreatedAt, ticket.UpdatedAt,
		nullTime(ticket.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOpenTicket
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("ticket id: %w", err)
	}
	ticket.ID = id

	_, err = insertEvent(ctx, q, id, models.CreatedData{
		Source:        ticket.SourceType,
		SourceID:      ticket.SourceID,
		InitialStatus: ticket.Status,
		Priority:      ticket.Priority,
		Detail:        detail,
	}, ticket.CreatedAt)
	return err
}

func (r *sqliteTicketRepo) GetByID(ctx context.Context, id int64) (*models.Ticket, error) {
	return getTicket(ctx, r.db, id)
}

func getTicket(ctx context.Context, q querier, id int64) (*models.Ticket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *sqliteTicketRepo) FindOpenBySource(ctx context.Context, sourceType models.SourceType, sourceID string) (*models.Ticket, error) {
	return findOpenBySource(ctx, r.db, sourceType, sourceID)
}

func findOpenBySource(ctx context.Context, q querier, sourceType models.SourceType, sourceID string) (*models.Ticket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE source_type = ? AND source_id = ? AND status IN (?, ?)
		ORDER BY id LIMIT 1`,
		sourceType, sourceID, models.StatusPending, models.StatusInProgress,
	)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open ticket: %w", err)
	}
	return t, nil
}

func (r *sqliteTicketRepo) List(ctx context.Context, filter models.TicketFilter) ([]*models.Ticket, int64, error) {
	where := sq.And{}
	if len(filter.Statuses) > 0 {
		where = append(where, sq.Eq{"status": filter.Statuses})
	}
	if len(filter.Priorities) > 0 {
		where = append(where, sq.Eq{"priority": filter.Priorities})
	}
	if filter.SourceType != "" {
		where = append(where, sq.Eq{"source_type": filter.SourceType})
	}
	if filter.SourceID != "" {
		where = append(where, sq.Eq{"source_id": filter.SourceID})
	}

	countQuery, countArgs, err := sq.Select("COUNT(*)").From("tickets").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tickets: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	builder := sq.Select(ticketColumns).From("tickets").Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}

	tickets, err := queryTickets(ctx, r.db, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return tickets, total, nil
}

func (r *sqliteTicketRepo) Update(ctx context.Context, id int64, update TicketUpdate) (*models.Ticket, error) {
	var out *models.Ticket
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		t, err := getTicket(ctx, tx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("ticket %d: %w", id, ErrNotFound)
		}

		now := time.Now().UTC()
		var events []models.EventData

		if update.Status != nil && *update.Status != t.Status {
			events = append(events, models.StatusChangedData{
				OldStatus: t.Status,
				NewStatus: *update.Status,
				Reason:    update.Reason,
			})
			applyStatus(t, *update.Status, now)
		}
		if update.Priority != nil && *update.Priority != t.Priority {
			events = append(events, models.PriorityChangedData{
				OldPriority: t.Priority,
				NewPriority: *update.Priority,
			})
			t.Priority = *update.Priority
		}

		var changedKeys []string
		if update.Objective != nil && *update.Objective != t.Objective {
			t.Objective = *update.Objective
			changedKeys = append(changedKeys, "objective")
		}
		if update.SuccessCriteria != nil && *update.SuccessCriteria != t.SuccessCriteria {
			t.SuccessCriteria = *update.SuccessCriteria
			changedKeys = append(changedKeys, "success_criteria")
		}
		if len(update.Context) > 0 {
			merged := t.Context.Clone()
			if merged == nil {
				merged = models.Document{}
			}
			keys := make([]string, 0, len(update.Context))
			for k, v := range update.Context {
				merged[k] = v
				keys = append(keys, "context."+k)
			}
			sort.Strings(keys)
			t.Context = merged
			changedKeys = append(changedKeys, keys...)
		}
		if len(changedKeys) > 0 {
			events = append(events, models.ContextUpdatedData{Keys: changedKeys})
		}

		if len(events) == 0 {
			out = t
			return nil
		}

		t.UpdatedAt = now
		if err := writeTicket(ctx, tx, t); err != nil {
			return err
		}
		for _, data := range events {
			if _, err := insertEvent(ctx, tx, id, data, now); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyStatus sets the status and maintains resolved_at.
func applyStatus(t *models.Ticket, status models.TicketStatus, now time.Time) {
	t.Status = status
	if status.IsTerminal() {
		resolved := now
		t.ResolvedAt = &resolved
	} else {
		t.ResolvedAt = nil
	}
}

func writeTicket(ctx context.Context, q querier, t *models.Ticket) error {
	contextJSON, err := t.Context.Marshal()
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE tickets SET objective = ?, success_criteria = ?, context = ?, status = ?,
			priority = ?, updated_at = ?, resolved_at = ?
		WHERE id = ?`,
		t.Objective, t.SuccessCriteria, contextJSON, t.Status, t.Priority,
		t.UpdatedAt, nullTime(t.ResolvedAt), t.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOpenTicket
		}
		return fmt.Errorf("update ticket: %w", err)
	}
	return nil
}

func (r *sqliteTicketRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM tickets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteTicketRepo) AddEvent(ctx context.Context, ticketID int64, data models.EventData) (*models.TicketEvent, error) {
	switch data.(type) {
	case models.NoteAddedData, models.AgentActionData:
	default:
		return nil, fmt.Errorf("event type %s is recorded by its mutation", data.EventType())
	}

	var event *models.TicketEvent
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := touchTicket(ctx, tx, ticketID); err != nil {
			return err
		}
		var err error
		event, err = insertEvent(ctx, tx, ticketID, data, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// touchTicket bumps updated_at and fails with ErrNotFound for unknown tickets.
func touchTicket(ctx context.Context, q querier, id int64) error {
	result, err := q.ExecContext(ctx, "UPDATE tickets SET updated_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch ticket: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	return nil
}

func insertEvent(ctx context.Context, q querier, ticketID int64, data models.EventData, at time.Time) (*models.TicketEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	result, err := q.ExecContext(ctx,
		"INSERT INTO ticket_events (ticket_id, event_type, data, created_at) VALUES (?, ?, ?, ?)",
		ticketID, data.EventType(), string(raw), at,
	)
	if err != nil {
		return nil, fmt.Errorf("insert ticket event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ticket event id: %w", err)
	}
	return &models.TicketEvent{
		ID:        id,
		TicketID:  ticketID,
		Type:      data.EventType(),
		Data:      data,
		CreatedAt: at,
	}, nil
}

func (r *sqliteTicketRepo) ListEvents(ctx context.Context, ticketID int64) ([]*models.TicketEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ticket_id, event_type, data, created_at
		FROM ticket_events WHERE ticket_id = ? ORDER BY id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query ticket events: %w", err)
	}
	defer rows.Close()

	var events []*models.TicketEvent
	for rows.Next() {
		var (
			e   models.TicketEvent
			raw string
		)
		if err := rows.Scan(&e.ID, &e.TicketID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket event: %w", err)
		}
		data, err := models.DecodeEventData(e.Type, []byte(raw))
		if err != nil {
			return nil, err
		}
		e.Data = data
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *sqliteTicketRepo) AddDependency(ctx context.Context, ticketID, dependsOnID int64) (*models.TicketDependency, error) {
	var dep *models.TicketDependency
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		dep, err = addDependency(ctx, tx, ticketID, dependsOnID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

// addDependency inserts one edge and its dependency_added event.
func addDependency(ctx context.Context, q querier, ticketID, dependsOnID int64) (*models.TicketDependency, error) {
	if ticketID == dependsOnID {
		return nil, ErrSelfDependency
	}
	if err := touchTicket(ctx, q, ticketID); err != nil {
		return nil, err
	}
	target, err := getTicket(ctx, q, dependsOnID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("dependency target %d: %w", dependsOnID, ErrNotFound)
	}

	dep := &models.TicketDependency{
		TicketID:    ticketID,
		DependsOnID: dependsOnID,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO ticket_dependencies (ticket_id, depends_on_id, created_at) VALUES (?, ?, ?)",
		ticketID, dependsOnID, dep.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateDependency
		}
		return nil, fmt.Errorf("insert dependency: %w", err)
	}

	_, err = insertEvent(ctx, q, ticketID, models.DependencyAddedData{
		DependsOnID:        dependsOnID,
		DependsOnObjective: target.Objective,
	}, dep.CreatedAt)
	if err != nil {
		return nil, err
	}
	return dep, nil
}

func (r *sqliteTicketRepo) RemoveDependency(ctx context.Context, ticketID, dependsOnID int64) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM ticket_dependencies WHERE ticket_id = ? AND depends_on_id = ?",
			ticketID, dependsOnID,
		)
		if err != nil {
			return fmt.Errorf("delete dependency: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrDependencyNotFound
		}
		if err := touchTicket(ctx, tx, ticketID); err != nil {
			return err
		}
		_, err = insertEvent(ctx, tx, ticketID, models.DependencyRemovedData{DependsOnID: dependsOnID}, time.Now().UTC())
		return err
	})
}

func (r *sqliteTicketRepo) ListDependencies(ctx context.Context, ticketID int64) ([]*models.TicketDependency, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ticket_id, depends_on_id, created_at
		FROM ticket_dependencies WHERE ticket_id = ? ORDER BY depends_on_id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []*models.TicketDependency
	for rows.Next() {
		var d models.TicketDependency
		if err := rows.Scan(&d.TicketID, &d.DependsOnID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

func (r *sqliteTicketRepo) DependencyStatuses(ctx context.Context, ticketID int64) (map[int64]models.TicketStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.status FROM ticket_dependencies d
		JOIN tickets t ON t.id = d.depends_on_id
		WHERE d.ticket_id = ?`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query dependency statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]models.TicketStatus)
	for rows.Next() {
		var (
			id     int64
			status models.TicketStatus
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan dependency status: %w", err)
		}
		out[id] = status
	}
	return out, rows.Err()
}

func (r *sqliteTicketRepo) DependencyGraph(ctx context.Context) (map[int64][]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT ticket_id, depends_on_id FROM ticket_dependencies")
	if err != nil {
		return nil, fmt.Errorf("query dependency graph: %w", err)
	}
	defer rows.Close()

	graph := make(map[int64][]int64)
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan dependency edge: %w", err)
		}
		graph[from] = append(graph[from], to)
	}
	return graph, rows.Err()
}

func (r *sqliteTicketRepo) ListReady(ctx context.Context, limit int) ([]*models.Ticket, error) {
	return listReady(ctx, r.db, limit)
}

func listReady(ctx context.Context, q querier, limit int, sources ...models.SourceType) ([]*models.Ticket, error) {
	query := readySQL
	var args []any
	if len(sources) > 0 {
		cond, condArgs, err := sq.Eq{"t.source_type": sources}.ToSql()
		if err != nil {
			return nil, fmt.Errorf("build source filter: %w", err)
		}
		query += " AND " + cond
		args = condArgs
	}
	tickets, err := queryTickets(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	ticketgraph.SortForWork(tickets)
	if limit > 0 && len(tickets) > limit {
		tickets = tickets[:limit]
	}
	return tickets, nil
}

func (r *sqliteTicketRepo) ClaimNextReady(ctx context.Context, claimant string, sources ...models.SourceType) (*models.Ticket, error) {
	var claimed *models.Ticket
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		ready, err := listReady(ctx, tx, 1, sources...)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return nil
		}
		t := ready[0]
		now := time.Now().UTC()
		old := t.Status
		applyStatus(t, models.StatusInProgress, now)
		t.UpdatedAt = now
		if err := writeTicket(ctx, tx, t); err != nil {
			return err
		}
		_, err = insertEvent(ctx, tx, t.ID, models.StatusChangedData{
			OldStatus: old,
			NewStatus: models.StatusInProgress,
			Reason:    "claimed by " + claimant,
		}, now)
		if err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var (
		t           models.Ticket
		contextJSON string
		sourceID    sql.NullString
		resolvedAt  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Objective, &t.SuccessCriteria, &contextJSON, &t.Status, &t.Priority,
		&t.SourceType, &sourceID, &t.CreatedAt, &t.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	doc, err := models.UnmarshalDocument(contextJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal ticket %d context: %w", t.ID, err)
	}
	t.Context = doc
	t.SourceID = sourceID.String
	if resolvedAt.Valid {
		ts := resolvedAt.Time
		t.ResolvedAt = &ts
	}
	return &t, nil
}

func queryTickets(ctx context.Context, q querier, query string, args ...any) ([]*models.Ticket, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
