package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// migrations holds all database migrations in order.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			-- Tickets table
			CREATE TABLE IF NOT EXISTS tickets (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				objective TEXT NOT NULL,
				success_criteria TEXT NOT NULL DEFAULT '',
				context TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'pending'
					CHECK (status IN ('pending', 'in_progress', 'completed', 'failed', 'blocked')),
				priority TEXT NOT NULL DEFAULT 'medium'
					CHECK (priority IN ('low', 'medium', 'high', 'critical')),
				source_type TEXT NOT NULL DEFAULT 'human',
				source_id TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				resolved_at DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
			CREATE INDEX IF NOT EXISTS idx_tickets_source ON tickets(source_type, source_id);

			-- Ticket events (append-only)
			CREATE TABLE IF NOT EXISTS ticket_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ticket_id INTEGER NOT NULL,
				event_type TEXT NOT NULL,
				data TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
			);
			CREATE INDEX IF NOT EXISTS idx_ticket_events_ticket ON ticket_events(ticket_id, id);

			-- Ticket dependency edges
			CREATE TABLE IF NOT EXISTS ticket_dependencies (
				ticket_id INTEGER NOT NULL,
				depends_on_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (ticket_id, depends_on_id),
				CHECK (ticket_id != depends_on_id),
				FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE,
				FOREIGN KEY (depends_on_id) REFERENCES tickets(id) ON DELETE CASCADE
			);
			CREATE INDEX IF NOT EXISTS idx_ticket_dependencies_target ON ticket_dependencies(depends_on_id);

			-- SLO definitions
			CREATE TABLE IF NOT EXISTS slos (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				target REAL NOT NULL,
				window_days INTEGER NOT NULL DEFAULT 30,
				metric_query TEXT NOT NULL,
				burn_rate_thresholds TEXT NOT NULL DEFAULT '{}',
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);

			-- Invariant definitions
			CREATE TABLE IF NOT EXISTS invariants (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				query TEXT NOT NULL,
				condition TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);
		`,
	},
	{
		Version: 2,
		Name:    "open_violation_dedup",
		Up: `
			-- At most one open ticket per violation source.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_open_source
				ON tickets(source_type, source_id)
				WHERE source_id IS NOT NULL
					AND source_type IN ('slo_violation', 'invariant_violation')
					AND status IN ('pending', 'in_progress');
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(db *sql.DB) error {
	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	// Apply pending migrations
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		// Run migration in transaction
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		_, err = tx.Exec(m.Up)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Name, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
