package metricsource

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PrometheusConfig configures a PrometheusSource.
type PrometheusConfig struct {
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	// QPS caps outgoing queries. Zero disables the limit.
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

// PrometheusSource queries a Prometheus-compatible HTTP API.
type PrometheusSource struct {
	api     v1.API
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
	now     func() time.Time
}

type authRoundTripper struct {
	base     http.RoundTripper
	token    string
	username string
	password string
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch {
	case t.token != "":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.token)
	case t.username != "":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.username, t.password)
	}
	return t.base.RoundTrip(req)
}

// NewPrometheusSource creates a PrometheusSource.
func NewPrometheusSource(cfg PrometheusConfig, logger *zap.SugaredLogger) (*PrometheusSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("prometheus url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	client, err := api.NewClient(api.Config{
		Address: cfg.URL,
		RoundTripper: &authRoundTripper{
			base:     http.DefaultTransport,
			token:    cfg.Token,
			username: cfg.Username,
			password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}

	return &PrometheusSource{
		api:     v1.NewAPI(client),
		timeout: cfg.Timeout,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Value implements Source.
func (p *PrometheusSource) Value(ctx context.Context, query string) (float64, bool, error) {
	return p.query(ctx, query)
}

// RangeAverage implements Source using an avg_over_time subquery.
func (p *PrometheusSource) RangeAverage(ctx context.Context, query string, windowMinutes int) (float64, bool, error) {
	if windowMinutes < 1 {
		return 0, false, fmt.Errorf("window must be at least one minute, got %d", windowMinutes)
	}
	return p.query(ctx, RangeAverageQuery(query, windowMinutes))
}

// RangeAverageQuery wraps query in an avg_over_time subquery over the window.
func RangeAverageQuery(query string, windowMinutes int) string {
	return fmt.Sprintf("avg_over_time((%s)[%dm:])", query, windowMinutes)
}

func (p *PrometheusSource) query(ctx context.Context, query string) (float64, bool, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, false, fmt.Errorf("prometheus rate limit: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, warnings, err := p.api.Query(ctx, query, p.now())
	if err != nil {
		return 0, false, fmt.Errorf("prometheus query %q: %w", query, err)
	}
	if len(warnings) > 0 {
		p.logger.Debugw("prometheus query warnings", "query", query, "warnings", warnings)
	}
	return firstValue(result)
}

// firstValue extracts the first sample of an instant query result.
func firstValue(v model.Value) (float64, bool, error) {
	var f float64
	switch val := v.(type) {
	case model.Vector:
		if len(val) == 0 {
			return 0, false, nil
		}
		f = float64(val[0].Value)
	case *model.Scalar:
		f = float64(val.Value)
	case nil:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("unexpected result type %s", v.Type())
	}
	if math.IsNaN(f) {
		return 0, false, nil
	}
	return f, true, nil
}
