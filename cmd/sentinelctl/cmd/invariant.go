package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

func newInvariantCmd(opts *options) *cobra.Command {
	invCmd := &cobra.Command{
		Use:   "invariant",
		Short: "Manage invariants",
		Long: `Manage invariant definitions evaluated by the monitor.

Examples:
  sentinelctl invariant list
  sentinelctl invariant create --name queue-depth --query 'queue_depth' --condition '< 1000'`,
	}
	invCmd.AddCommand(newInvariantListCmd(opts), newInvariantCreateCmd(opts))
	return invCmd
}

func newInvariantListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				invs, err := store.Invariants().List(ctx)
				if err != nil {
					return fmt.Errorf("list invariants: %w", err)
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput() {
					return printJSON(out, invs)
				}
				if len(invs) == 0 {
					fmt.Fprintln(out, "No invariants found.")
					return nil
				}

				fmt.Fprintf(out, "%-5s %-25s %-12s %-8s %s\n", "ID", "NAME", "CONDITION", "ENABLED", "QUERY")
				fmt.Fprintln(out, strings.Repeat("-", 90))
				for _, inv := range invs {
					fmt.Fprintf(out, "%-5d %-25s %-12s %-8t %s\n",
						inv.ID, truncate(inv.Name, 25), truncate(inv.Condition, 12), inv.Enabled, truncate(inv.Query, 35))
				}
				fmt.Fprintf(out, "\nTotal: %d invariant(s)\n", len(invs))
				return nil
			})
		},
	}
}

func newInvariantCreateCmd(opts *options) *cobra.Command {
	var name, description, query, cond string
	var disabled bool

	c := &cobra.Command{
		Use:   "create",
		Short: "Create an invariant",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := models.NewInvariant(name, query, cond)
			inv.Description = description
			inv.Enabled = !disabled
			if err := inv.Validate(); err != nil {
				return err
			}
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				if err := store.Invariants().Create(ctx, inv); err != nil {
					return fmt.Errorf("create invariant: %w", err)
				}
				if opts.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), inv)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invariant %q created (ID: %d).\n", inv.Name, inv.ID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&name, "name", "", "unique invariant name (required)")
	c.Flags().StringVar(&description, "description", "", "description")
	c.Flags().StringVar(&query, "query", "", "metric query (required)")
	c.Flags().StringVar(&cond, "condition", "", "condition such as '< 1000' (required)")
	c.Flags().BoolVar(&disabled, "disabled", false, "create the invariant disabled")
	return c
}
