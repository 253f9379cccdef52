// Command ratelimiter serves named token buckets over HTTP. It is the
// reference service Sentinel monitors: it exposes /health and /metrics and
// can be told to fail its health check.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/sentinel/internal/api/middleware"
	"github.com/good-yellow-bee/sentinel/internal/logging"
	"github.com/good-yellow-bee/sentinel/internal/ratelimit"
	"github.com/good-yellow-bee/sentinel/pkg/config"
)

var (
	address    string
	capacity   float64
	refillRate float64
	idleTTL    time.Duration
	logLevel   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ratelimiter",
	Short: "Token bucket rate limiting service",
	RunE:  run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.VersionString("ratelimiter"))
	},
}

func init() {
	rootCmd.Flags().StringVarP(&address, "address", "a", ":8081", "HTTP listen address")
	rootCmd.Flags().Float64Var(&capacity, "capacity", 100, "default bucket capacity")
	rootCmd.Flags().Float64Var(&refillRate, "refill-rate", 10, "default refill rate in tokens per second")
	rootCmd.Flags().DurationVar(&idleTTL, "idle-ttl", 0, "evict buckets idle for this long (0 keeps them)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every request")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Level: logLevel}, "ratelimiter")
	defer logger.Sync()

	registry, err := ratelimit.NewRegistry(ratelimit.RegistryConfig{
		Default: ratelimit.BucketConfig{Capacity: capacity, RefillRate: refillRate},
		IdleTTL: idleTTL,
	})
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(logger, verbose))
	r.Use(middleware.Recoverer(logger))
	r.Mount("/", ratelimit.NewHandler(registry, logger).Routes())

	srv := &http.Server{
		Addr:         address,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		logger.Infow("ratelimiter listening", "addr", address,
			"capacity", capacity, "refill_rate", refillRate, "version", config.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
