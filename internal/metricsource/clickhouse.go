package metricsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// WindowPlaceholder is replaced with the window length in minutes in
// range-average queries.
const WindowPlaceholder = "{window_minutes}"

// ClickHouseConfig holds ClickHouse connection configuration.
type ClickHouseConfig struct {
	Addresses   []string      `yaml:"addresses"`
	Database    string        `yaml:"database"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Timeout     time.Duration `yaml:"timeout"`
	Compression bool          `yaml:"compression"`
}

// ClickHouseSource evaluates SQL queries that return a single numeric
// column, typically counts or ratios over a log table.
//
// Range averages require the query to reference WindowPlaceholder, e.g.
//
//	SELECT countIf(level = 'error') / count() FROM logs
//	WHERE timestamp > now() - INTERVAL {window_minutes} MINUTE
type ClickHouseSource struct {
	db      *sql.DB
	timeout time.Duration
}

// NewClickHouseSource opens a ClickHouse connection.
func NewClickHouseSource(cfg ClickHouseConfig) (*ClickHouseSource, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("clickhouse addresses are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	opts := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: 2,
		MaxIdleConns: 2,
	}
	if cfg.Compression {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}

	db := clickhouse.OpenDB(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return NewSQLSource(db, cfg.Timeout), nil
}

// NewSQLSource wraps an existing database handle.
func NewSQLSource(db *sql.DB, timeout time.Duration) *ClickHouseSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClickHouseSource{db: db, timeout: timeout}
}

// Close closes the connection.
func (c *ClickHouseSource) Close() error {
	return c.db.Close()
}

// Value implements Source.
func (c *ClickHouseSource) Value(ctx context.Context, query string) (float64, bool, error) {
	return c.scalar(ctx, query)
}

// RangeAverage implements Source.
func (c *ClickHouseSource) RangeAverage(ctx context.Context, query string, windowMinutes int) (float64, bool, error) {
	if !strings.Contains(query, WindowPlaceholder) {
		return 0, false, fmt.Errorf("range query must contain %s", WindowPlaceholder)
	}
	if windowMinutes < 1 {
		return 0, false, fmt.Errorf("window must be at least one minute, got %d", windowMinutes)
	}
	return c.scalar(ctx, strings.ReplaceAll(query, WindowPlaceholder, strconv.Itoa(windowMinutes)))
}

func (c *ClickHouseSource) scalar(ctx context.Context, query string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var v sql.NullFloat64
	err := c.db.QueryRowContext(ctx, query).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("clickhouse query: %w", err)
	}
	if !v.Valid || math.IsNaN(v.Float64) {
		return 0, false, nil
	}
	return v.Float64, true, nil
}
