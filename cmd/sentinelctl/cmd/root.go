// Package cmd contains the CLI commands for sentinelctl.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/sentinel/internal/storage"
)

const defaultDBPath = "./data/sentinel.db"

// options holds the global flags shared by every command.
type options struct {
	dbPath  string
	output  string
	verbose bool
}

// NewRootCmd builds the sentinelctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "sentinelctl",
		Short: "Sentinel - evaluation and remediation engine",
		Long: `sentinelctl manages a Sentinel database directly.

It works on the same SQLite file as sentinel-server and can be used to
inspect and edit remediation tickets, manage SLO and invariant
definitions, and run a single monitoring pass by hand.

Examples:
  # List pending and in-progress tickets
  sentinelctl ticket list --status pending,in_progress

  # Show the ticket a worker would pick up next
  sentinelctl ticket ready --limit 1

  # Evaluate every enabled SLO and invariant once
  sentinelctl monitor run-once --prometheus-url http://localhost:9090`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.dbPath, "db", envOr("SENTINEL_DATABASE_PATH", defaultDBPath), "database path")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format (table, json)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newTicketCmd(opts),
		newSLOCmd(opts),
		newInvariantCmd(opts),
		newDefinitionsCmd(opts),
		newMonitorCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openStore opens and migrates the database named by --db.
func openStore(opts *options) (*storage.SQLiteStorage, error) {
	store := storage.NewSQLiteStorage(opts.dbPath)
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

func (o *options) jsonOutput() bool {
	return o.output == "json"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printVerbose(cmd *cobra.Command, opts *options, format string, args ...any) {
	if opts.verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}
