package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/sentinel/internal/api"
	"github.com/good-yellow-bee/sentinel/internal/api/health"
	"github.com/good-yellow-bee/sentinel/internal/definitions"
	"github.com/good-yellow-bee/sentinel/internal/logging"
	"github.com/good-yellow-bee/sentinel/internal/metrics"
	"github.com/good-yellow-bee/sentinel/internal/monitor"
	"github.com/good-yellow-bee/sentinel/internal/notifier"
	"github.com/good-yellow-bee/sentinel/internal/storage"
	"github.com/good-yellow-bee/sentinel/internal/worker"
	"github.com/good-yellow-bee/sentinel/pkg/config"
)

var (
	configFile string
	httpAddr   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sentinel-server",
	Short: "Sentinel Server - SLO and invariant monitoring with remediation tickets",
	Long: `Sentinel Server evaluates SLOs and invariants against metric backends,
opens deduplicated tickets for violations, and hands ready tickets to a
remediation worker.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.VersionString("sentinel-server"))
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and definitions file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Definitions.Path != "" {
			f, err := definitions.LoadFile(cfg.Definitions.Path)
			if err != nil {
				return err
			}
			fmt.Printf("definitions: %d slos, %d invariants\n", len(f.SLOs), len(f.Invariants))
		}
		fmt.Println("configuration OK")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVarP(&httpAddr, "address", "a", "", "HTTP API listen address (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if configFile != "" {
		cfg, err = LoadConfig(configFile)
	} else {
		cfg, err = DefaultConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Override with CLI flags
	if httpAddr != "" {
		cfg.Server.Address = httpAddr
	}
	if verbose {
		cfg.Server.Verbose = true
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log, "sentinel-server")
	defer logger.Sync()

	// Auto-create data directory
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store := storage.NewSQLiteStorage(cfg.Database.Path)
	if err := store.Open(); err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Infow("database initialized", "path", cfg.Database.Path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var syncer *definitions.Syncer
	if cfg.Definitions.Path != "" {
		syncer = definitions.NewSyncer(cfg.Definitions.Path, store, logger)
		if _, err := syncer.SyncOnce(ctx); err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
	}

	source, closers, err := buildSources(cfg.Sources, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	sloEval := monitor.NewSLOEvaluator(source, store.Tickets(), logger)
	invEval := monitor.NewInvariantEvaluator(source, store.Tickets(), logger)

	dispatcher, err := buildDispatcher(cfg.Notifications, logger)
	if err != nil {
		return err
	}
	if dispatcher != nil {
		defer dispatcher.Close()
		sloEval.OnTicketCreated(dispatcher.NotifyTicket)
		invEval.OnTicketCreated(dispatcher.NotifyTicket)
	}

	sched := monitor.NewScheduler(cfg.Monitor, store, sloEval, invEval, logger)

	apiServer, err := api.New(&cfg.Server, api.Deps{
		Storage:            store,
		SLOEvaluator:       sloEval,
		InvariantEvaluator: invEval,
		Monitor:            sched,
	}, logger)
	if err != nil {
		return fmt.Errorf("create API server: %w", err)
	}
	apiServer.RegisterHealthChecker(health.NewSchedulerChecker(func() bool {
		return sched.Status().Running
	}))

	logger.Infow("starting sentinel-server", "version", config.Version)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Address, logger)
		g.Go(func() error { return metricsServer.Run(ctx) })
	}

	if cfg.Worker.Enabled {
		remediator, err := buildRemediator(cfg.Worker)
		if err != nil {
			return err
		}
		w := worker.New(cfg.Worker.Config, store.Tickets(), remediator, logger)
		g.Go(func() error { return w.Run(ctx) })
	}

	if syncer != nil && cfg.Definitions.Watch {
		g.Go(func() error { return syncer.Watch(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func buildRemediator(cfg WorkerConfig) (worker.Remediator, error) {
	switch cfg.Remediator {
	case "webhook":
		r, err := worker.NewWebhookRemediator(cfg.Webhook)
		if err != nil {
			return nil, fmt.Errorf("create remediator: %w", err)
		}
		return r, nil
	default:
		return worker.NoopRemediator{}, nil
	}
}

// buildDispatcher returns nil when no channel is configured.
func buildDispatcher(cfg NotificationsConfig, logger *zap.SugaredLogger) (*notifier.Dispatcher, error) {
	if cfg.SlackWebhookURL == "" && cfg.TeamsWebhookURL == "" {
		return nil, nil
	}
	d, err := notifier.NewDispatcher(cfg.RateLimit, cfg.MinPriority, logger)
	if err != nil {
		return nil, err
	}
	if cfg.SlackWebhookURL != "" {
		n, err := notifier.NewSlackNotifier(notifier.SlackConfig{WebhookURL: cfg.SlackWebhookURL})
		if err != nil {
			return nil, err
		}
		d.Register(n)
	}
	if cfg.TeamsWebhookURL != "" {
		n, err := notifier.NewTeamsNotifier(notifier.TeamsConfig{WebhookURL: cfg.TeamsWebhookURL})
		if err != nil {
			return nil, err
		}
		d.Register(n)
	}
	logger.Infow("notifications enabled", "channels", d.Len(), "min_priority", cfg.MinPriority)
	return d, nil
}
