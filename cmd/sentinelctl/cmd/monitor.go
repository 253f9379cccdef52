package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/logging"
	"github.com/good-yellow-bee/sentinel/internal/metricsource"
	"github.com/good-yellow-bee/sentinel/internal/monitor"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

type sourceFlags struct {
	prometheusURL string
	token         string
	scrapeURL     string
	static        []string
	timeout       time.Duration
}

func newMonitorCmd(opts *options) *cobra.Command {
	monCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run monitoring checks by hand",
	}

	var sf sourceFlags
	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Evaluate every enabled SLO and invariant once",
		Long: `Evaluate every enabled SLO and invariant once and open tickets for
violations, exactly as one scheduler cycle in sentinel-server would.

The default metric source is Prometheus when --prometheus-url is set,
then the scrape source, then static values. Queries may pick a backend
explicitly with a prefix such as "scrape:" or "static:".

Examples:
  sentinelctl monitor run-once --prometheus-url http://localhost:9090
  sentinelctl monitor run-once --static error_ratio=0.002 --static queue_depth=120`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			logger := logging.New(logging.Config{Level: level}, "sentinelctl")
			defer logger.Sync()

			source, err := sf.build(logger)
			if err != nil {
				return err
			}

			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				sched := monitor.NewScheduler(monitor.DefaultConfig(), store,
					monitor.NewSLOEvaluator(source, store.Tickets(), logger),
					monitor.NewInvariantEvaluator(source, store.Tickets(), logger),
					logger)
				report := sched.RunOnce(ctx)
				return printReport(cmd, opts, report)
			})
		},
	}
	runOnce.Flags().StringVar(&sf.prometheusURL, "prometheus-url", envOr("SENTINEL_PROMETHEUS_URL", ""), "Prometheus API base URL")
	runOnce.Flags().StringVar(&sf.token, "prometheus-token", envOr("SENTINEL_PROMETHEUS_TOKEN", ""), "Prometheus bearer token")
	runOnce.Flags().StringVar(&sf.scrapeURL, "scrape-url", "", "service base URL to scrape /metrics from")
	runOnce.Flags().StringArrayVar(&sf.static, "static", nil, "static metric value as query=value (repeatable)")
	runOnce.Flags().DurationVar(&sf.timeout, "timeout", 10*time.Second, "per-query timeout")

	monCmd.AddCommand(runOnce)
	return monCmd
}

func (sf *sourceFlags) build(logger *zap.SugaredLogger) (*metricsource.Router, error) {
	static := metricsource.NewStaticSource()
	for _, kv := range sf.static {
		query, raw, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --static %q: want query=value", kv)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --static %q: %w", kv, err)
		}
		static.Set(strings.TrimSpace(query), v)
	}

	sources := map[string]metricsource.Source{"static": static}
	var def metricsource.Source = static

	if sf.scrapeURL != "" {
		scrape, err := metricsource.NewScrapeSource(metricsource.ScrapeConfig{BaseURL: sf.scrapeURL, Timeout: sf.timeout})
		if err != nil {
			return nil, fmt.Errorf("scrape source: %w", err)
		}
		sources["scrape"] = scrape
		def = scrape
	}
	if sf.prometheusURL != "" {
		prom, err := metricsource.NewPrometheusSource(metricsource.PrometheusConfig{
			URL:     sf.prometheusURL,
			Token:   sf.token,
			Timeout: sf.timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("prometheus source: %w", err)
		}
		sources["prom"] = prom
		def = prom
	}

	router := metricsource.NewRouter(def)
	for prefix, src := range sources {
		router.Register(prefix, src)
	}
	return router, nil
}

func printReport(cmd *cobra.Command, opts *options, report *monitor.CycleReport) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput() {
		return printJSON(out, report)
	}

	fmt.Fprintf(out, "%-10s %-25s %-10s %-8s %s\n", "KIND", "NAME", "STATE", "TICKET", "NOTE")
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, c := range report.Checks {
		state := "ok"
		if c.Violating {
			state = "VIOLATING"
		}
		ticket := "-"
		if c.TicketID != 0 {
			ticket = "#" + strconv.FormatInt(c.TicketID, 10)
		}
		note := c.Error
		if c.Suppressed {
			note = "open ticket exists"
		}
		fmt.Fprintf(out, "%-10s %-25s %-10s %-8s %s\n", c.Kind, truncate(c.Name, 25), state, ticket, note)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
	fmt.Fprintf(out, "\nChecked %d SLO(s) and %d invariant(s) in %s, %d ticket(s) opened.\n",
		len(report.SLOs), len(report.Invariants),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond), len(report.TicketsCreated()))
	return nil
}
