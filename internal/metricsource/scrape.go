package metricsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

const (
	defaultScrapeTimeout = 5 * time.Second
	defaultRetention     = 24 * time.Hour
	maxSamplesPerQuery   = 10000
)

// ScrapeConfig configures a ScrapeSource.
type ScrapeConfig struct {
	// BaseURL is the target service root, e.g. http://localhost:8081.
	BaseURL string `yaml:"base_url"`
	// MetricsPath defaults to /metrics.
	MetricsPath string        `yaml:"metrics_path"`
	Timeout     time.Duration `yaml:"timeout"`
	// Retention bounds the in-memory history used for range averages.
	Retention time.Duration `yaml:"retention"`
}

// ScrapeSource reads a service's Prometheus text exposition directly.
//
// Queries are a metric family name with an optional label selector
// (`http_requests_total{status="500"}`), summed across matching series.
// Two synthetic queries are supported: `up` (1 when the exposition can be
// fetched) and `http_status:<path>` (status code of GET path).
//
// Range averages are computed from values this source observed itself, so
// they only cover the time the source has been polled.
type ScrapeSource struct {
	baseURL     string
	metricsPath string
	retention   time.Duration
	client      *http.Client
	now         func() time.Time

	mu      sync.Mutex
	history map[string][]sample
}

type sample struct {
	at    time.Time
	value float64
}

// NewScrapeSource creates a ScrapeSource.
func NewScrapeSource(cfg ScrapeConfig) (*ScrapeSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("scrape base url is required")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultScrapeTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &ScrapeSource{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		metricsPath: cfg.MetricsPath,
		retention:   cfg.Retention,
		client:      &http.Client{Timeout: cfg.Timeout},
		now:         time.Now,
		history:     make(map[string][]sample),
	}, nil
}

// Value implements Source. Every successful lookup is recorded for
// RangeAverage.
func (s *ScrapeSource) Value(ctx context.Context, query string) (float64, bool, error) {
	v, ok, err := s.fetch(ctx, query)
	if err != nil || !ok {
		return v, ok, err
	}
	s.record(query, v)
	return v, true, nil
}

// RangeAverage implements Source. It takes a fresh reading, then averages
// the recorded readings inside the window.
func (s *ScrapeSource) RangeAverage(ctx context.Context, query string, windowMinutes int) (float64, bool, error) {
	if windowMinutes < 1 {
		return 0, false, fmt.Errorf("window must be at least one minute, got %d", windowMinutes)
	}
	if _, _, err := s.Value(ctx, query); err != nil {
		return 0, false, err
	}
	avg, ok := s.average(query, time.Duration(windowMinutes)*time.Minute)
	return avg, ok, nil
}

func (s *ScrapeSource) fetch(ctx context.Context, query string) (float64, bool, error) {
	switch {
	case query == "up":
		if _, err := s.families(ctx); err != nil {
			return 0, true, nil
		}
		return 1, true, nil
	case strings.HasPrefix(query, "http_status:"):
		code, err := s.status(ctx, strings.TrimPrefix(query, "http_status:"))
		if err != nil {
			return 0, false, err
		}
		return float64(code), true, nil
	}

	name, labels, err := parseSelector(query)
	if err != nil {
		return 0, false, err
	}
	mfs, err := s.families(ctx)
	if err != nil {
		return 0, false, err
	}
	mf, ok := mfs[name]
	if !ok {
		return 0, false, nil
	}
	return sumMatching(mf, labels)
}

func (s *ScrapeSource) status(ctx context.Context, path string) (int, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (s *ScrapeSource) families(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+s.metricsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape: unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a text exposition. A partial parse is accepted.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

var selectorPattern = regexp.MustCompile(`^\s*([a-zA-Z_:][a-zA-Z0-9_:]*)\s*(?:\{(.*)\})?\s*$`)
var matcherPattern = regexp.MustCompile(`^\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*"((?:[^"\\]|\\.)*)"\s*$`)

// parseSelector splits `name{a="b",c="d"}` into name and equality matchers.
func parseSelector(query string) (string, map[string]string, error) {
	m := selectorPattern.FindStringSubmatch(query)
	if m == nil {
		return "", nil, fmt.Errorf("invalid scrape query %q", query)
	}
	labels := make(map[string]string)
	if body := strings.TrimSpace(m[2]); body != "" {
		for _, part := range strings.Split(body, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			lm := matcherPattern.FindStringSubmatch(part)
			if lm == nil {
				return "", nil, fmt.Errorf("invalid label matcher %q in %q", part, query)
			}
			labels[lm[1]] = strings.ReplaceAll(lm[2], `\"`, `"`)
		}
	}
	return m[1], labels, nil
}

// sumMatching adds up counter, gauge and untyped values of series whose
// labels match. Histograms contribute their sample count.
func sumMatching(mf *dto.MetricFamily, labels map[string]string) (float64, bool, error) {
	var (
		total   float64
		matched bool
	)
	for _, m := range mf.GetMetric() {
		if !labelsMatch(m, labels) {
			continue
		}
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		case m.Histogram != nil:
			total += float64(m.Histogram.GetSampleCount())
		case m.Summary != nil:
			total += float64(m.Summary.GetSampleCount())
		default:
			continue
		}
		matched = true
	}
	return total, matched, nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		have[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (s *ScrapeSource) record(query string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	samples := append(s.history[query], sample{at: now, value: v})
	cutoff := now.Add(-s.retention)
	idx := 0
	for idx < len(samples) && samples[idx].at.Before(cutoff) {
		idx++
	}
	if over := len(samples) - idx - maxSamplesPerQuery; over > 0 {
		idx += over
	}
	if idx > 0 {
		samples = append(samples[:0], samples[idx:]...)
	}
	s.history[query] = samples
}

func (s *ScrapeSource) average(query string, window time.Duration) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	var (
		sum float64
		n   int
	)
	for _, smp := range s.history[query] {
		if smp.at.Before(cutoff) {
			continue
		}
		sum += smp.value
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
