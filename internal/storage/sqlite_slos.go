package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

const sloColumns = `id, name, description, target, window_days, metric_query,
	burn_rate_thresholds, enabled, created_at, updated_at`

type sqliteSLORepo struct {
	db *sql.DB
}

func (r *sqliteSLORepo) Create(ctx context.Context, slo *models.SLO) error {
	thresholds, err := marshalThresholds(slo.BurnRateThresholds)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if slo.CreatedAt.IsZero() {
		slo.CreatedAt = now
	}
	slo.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO slos (name, description, target, window_days, metric_query,
			burn_rate_thresholds, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slo.Name, slo.Description, slo.Target, slo.WindowDays, slo.MetricQuery,
		thresholds, boolToInt(slo.Enabled), slo.CreatedAt, slo.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("slo %q: %w", slo.Name, ErrDuplicateName)
		}
		return fmt.Errorf("insert slo: %w", err)
	}
	slo.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("slo id: %w", err)
	}
	return nil
}

func (r *sqliteSLORepo) GetByID(ctx context.Context, id int64) (*models.SLO, error) {
	return r.scanSLO(r.db.QueryRowContext(ctx, `SELECT `+sloColumns+` FROM slos WHERE id = ?`, id))
}

func (r *sqliteSLORepo) GetByName(ctx context.Context, name string) (*models.SLO, error) {
	return r.scanSLO(r.db.QueryRowContext(ctx, `SELECT `+sloColumns+` FROM slos WHERE name = ?`, name))
}

func (r *sqliteSLORepo) Update(ctx context.Context, slo *models.SLO) error {
	thresholds, err := marshalThresholds(slo.BurnRateThresholds)
	if err != nil {
		return err
	}
	slo.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE slos SET name = ?, description = ?, target = ?, window_days = ?,
			metric_query = ?, burn_rate_thresholds = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		slo.Name, slo.Description, slo.Target, slo.WindowDays, slo.MetricQuery,
		thresholds, boolToInt(slo.Enabled), slo.UpdatedAt, slo.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("slo %q: %w", slo.Name, ErrDuplicateName)
		}
		return fmt.Errorf("update slo: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("slo %d: %w", slo.ID, ErrNotFound)
	}
	return nil
}

func (r *sqliteSLORepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM slos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete slo: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("slo %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteSLORepo) List(ctx context.Context) ([]*models.SLO, error) {
	return r.querySLOs(ctx, `SELECT `+sloColumns+` FROM slos ORDER BY name`)
}

func (r *sqliteSLORepo) ListEnabled(ctx context.Context) ([]*models.SLO, error) {
	return r.querySLOs(ctx, `SELECT `+sloColumns+` FROM slos WHERE enabled = 1 ORDER BY name`)
}

func (r *sqliteSLORepo) querySLOs(ctx context.Context, query string) ([]*models.SLO, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query slos: %w", err)
	}
	defer rows.Close()

	var slos []*models.SLO
	for rows.Next() {
		slo, err := r.scanSLORow(rows)
		if err != nil {
			return nil, err
		}
		slos = append(slos, slo)
	}
	return slos, rows.Err()
}

func (r *sqliteSLORepo) scanSLO(row *sql.Row) (*models.SLO, error) {
	slo, err := r.scanSLORow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return slo, err
}

func (r *sqliteSLORepo) scanSLORow(row rowScanner) (*models.SLO, error) {
	var (
		slo        models.SLO
		thresholds string
		enabled    int
	)
	err := row.Scan(&slo.ID, &slo.Name, &slo.Description, &slo.Target, &slo.WindowDays,
		&slo.MetricQuery, &thresholds, &enabled, &slo.CreatedAt, &slo.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan slo: %w", err)
	}
	slo.Enabled = enabled == 1
	if thresholds != "" && thresholds != "{}" {
		if err := json.Unmarshal([]byte(thresholds), &slo.BurnRateThresholds); err != nil {
			return nil, fmt.Errorf("unmarshal slo %q thresholds: %w", slo.Name, err)
		}
	}
	return &slo, nil
}

func marshalThresholds(th map[string]models.BurnRateThreshold) (string, error) {
	if len(th) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(th)
	if err != nil {
		return "", fmt.Errorf("marshal burn rate thresholds: %w", err)
	}
	return string(data), nil
}
