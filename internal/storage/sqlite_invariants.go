package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

const invariantColumns = `id, name, description, query, condition, enabled, created_at, updated_at`

type sqliteInvariantRepo struct {
	db *sql.DB
}

func (r *sqliteInvariantRepo) Create(ctx context.Context, inv *models.Invariant) error {
	now := time.Now().UTC()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO invariants (name, description, query, condition, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.Name, inv.Description, inv.Query, inv.Condition, boolToInt(inv.Enabled),
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invariant %q: %w", inv.Name, ErrDuplicateName)
		}
		return fmt.Errorf("insert invariant: %w", err)
	}
	inv.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("invariant id: %w", err)
	}
	return nil
}

func (r *sqliteInvariantRepo) GetByID(ctx context.Context, id int64) (*models.Invariant, error) {
	return r.scanInvariant(r.db.QueryRowContext(ctx, `SELECT `+invariantColumns+` FROM invariants WHERE id = ?`, id))
}

func (r *sqliteInvariantRepo) GetByName(ctx context.Context, name string) (*models.Invariant, error) {
	return r.scanInvariant(r.db.QueryRowContext(ctx, `SELECT `+invariantColumns+` FROM invariants WHERE name = ?`, name))
}

func (r *sqliteInvariantRepo) Update(ctx context.Context, inv *models.Invariant) error {
	inv.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE invariants SET name = ?, description = ?, query = ?, condition = ?,
			enabled = ?, updated_at = ?
		WHERE id = ?`,
		inv.Name, inv.Description, inv.Query, inv.Condition, boolToInt(inv.Enabled),
		inv.UpdatedAt, inv.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invariant %q: %w", inv.Name, ErrDuplicateName)
		}
		return fmt.Errorf("update invariant: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("invariant %d: %w", inv.ID, ErrNotFound)
	}
	return nil
}

func (r *sqliteInvariantRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM invariants WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete invariant: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("invariant %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteInvariantRepo) List(ctx context.Context) ([]*models.Invariant, error) {
	return r.queryInvariants(ctx, `SELECT `+invariantColumns+` FROM invariants ORDER BY name`)
}

func (r *sqliteInvariantRepo) ListEnabled(ctx context.Context) ([]*models.Invariant, error) {
	return r.queryInvariants(ctx, `SELECT `+invariantColumns+` FROM invariants WHERE enabled = 1 ORDER BY name`)
}

func (r *sqliteInvariantRepo) queryInvariants(ctx context.Context, query string) ([]*models.Invariant, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query invariants: %w", err)
	}
	defer rows.Close()

	var invs []*models.Invariant
	for rows.Next() {
		inv, err := scanInvariantRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invariant: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

func (r *sqliteInvariantRepo) scanInvariant(row *sql.Row) (*models.Invariant, error) {
	inv, err := scanInvariantRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan invariant: %w", err)
	}
	return inv, nil
}

func scanInvariantRow(row rowScanner) (*models.Invariant, error) {
	var (
		inv     models.Invariant
		enabled int
	)
	err := row.Scan(&inv.ID, &inv.Name, &inv.Description, &inv.Query, &inv.Condition,
		&enabled, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Enabled = enabled == 1
	return &inv, nil
}
