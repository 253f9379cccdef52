package main

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/metricsource"
)

// buildSources creates every configured backend and a router over them.
// The returned closers release backend connections.
func buildSources(cfg SourcesConfig, logger *zap.SugaredLogger) (*metricsource.Router, []io.Closer, error) {
	sources := make(map[string]metricsource.Source)
	var closers []io.Closer

	static := metricsource.NewStaticSource()
	for query, value := range cfg.Static {
		static.Set(query, value)
	}
	sources["static"] = static

	if cfg.Prometheus.URL != "" {
		prom, err := metricsource.NewPrometheusSource(cfg.Prometheus, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("prometheus source: %w", err)
		}
		sources["prom"] = prom
		logger.Infow("prometheus source enabled", "url", cfg.Prometheus.URL)
	}

	if cfg.Scrape.BaseURL != "" {
		scrape, err := metricsource.NewScrapeSource(cfg.Scrape)
		if err != nil {
			return nil, nil, fmt.Errorf("scrape source: %w", err)
		}
		sources["scrape"] = scrape
		logger.Infow("scrape source enabled", "base_url", cfg.Scrape.BaseURL)
	}

	if len(cfg.ClickHouse.Addresses) > 0 {
		ch, err := metricsource.NewClickHouseSource(cfg.ClickHouse)
		if err != nil {
			return nil, nil, fmt.Errorf("clickhouse source: %w", err)
		}
		sources["ch"] = ch
		closers = append(closers, ch)
		logger.Infow("clickhouse source enabled", "addresses", cfg.ClickHouse.Addresses)
	}

	def, ok := sources[cfg.Default]
	if !ok {
		for _, c := range closers {
			c.Close()
		}
		return nil, nil, fmt.Errorf("default source %q is not configured", cfg.Default)
	}
	router := metricsource.NewRouter(def)
	for prefix, src := range sources {
		router.Register(prefix, src)
	}
	return router, closers, nil
}
