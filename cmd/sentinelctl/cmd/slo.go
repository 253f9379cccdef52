package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

func newSLOCmd(opts *options) *cobra.Command {
	sloCmd := &cobra.Command{
		Use:   "slo",
		Short: "Manage service level objectives",
		Long: `Manage SLO definitions evaluated by the monitor.

Examples:
  sentinelctl slo list
  sentinelctl slo create --name api-availability --target 0.999 \
    --query 'sum(rate(http_requests_total{code!~"5.."}[5m])) / sum(rate(http_requests_total[5m]))'`,
	}
	sloCmd.AddCommand(newSLOListCmd(opts), newSLOCreateCmd(opts))
	return sloCmd
}

func newSLOListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List SLOs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				slos, err := store.SLOs().List(ctx)
				if err != nil {
					return fmt.Errorf("list slos: %w", err)
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput() {
					return printJSON(out, slos)
				}
				if len(slos) == 0 {
					fmt.Fprintln(out, "No SLOs found.")
					return nil
				}

				fmt.Fprintf(out, "%-5s %-25s %-9s %-7s %-8s %s\n", "ID", "NAME", "TARGET", "WINDOW", "ENABLED", "QUERY")
				fmt.Fprintln(out, strings.Repeat("-", 90))
				for _, s := range slos {
					fmt.Fprintf(out, "%-5d %-25s %-9g %-7s %-8t %s\n",
						s.ID, truncate(s.Name, 25), s.Target, fmt.Sprintf("%dd", s.WindowDays), s.Enabled, truncate(s.MetricQuery, 35))
				}
				fmt.Fprintf(out, "\nTotal: %d SLO(s)\n", len(slos))
				return nil
			})
		},
	}
}

func newSLOCreateCmd(opts *options) *cobra.Command {
	var name, description, query string
	var target float64
	var windowDays int
	var disabled bool

	c := &cobra.Command{
		Use:   "create",
		Short: "Create an SLO",
		RunE: func(cmd *cobra.Command, args []string) error {
			slo := models.NewSLO(name, query, target)
			slo.Description = description
			slo.WindowDays = windowDays
			slo.Enabled = !disabled
			slo.Normalize()
			if err := slo.Validate(); err != nil {
				return err
			}
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				if err := store.SLOs().Create(ctx, slo); err != nil {
					return fmt.Errorf("create slo: %w", err)
				}
				if opts.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), slo)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "SLO %q created (ID: %d).\n", slo.Name, slo.ID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&name, "name", "", "unique SLO name (required)")
	c.Flags().StringVar(&description, "description", "", "description")
	c.Flags().StringVar(&query, "query", "", "metric query returning the success ratio (required)")
	c.Flags().Float64Var(&target, "target", 0.99, "target success ratio in (0, 1]")
	c.Flags().IntVar(&windowDays, "window-days", models.DefaultWindowDays, "compliance window in days")
	c.Flags().BoolVar(&disabled, "disabled", false, "create the SLO disabled")
	return c
}
