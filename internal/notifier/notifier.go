// Package notifier announces new violation tickets on chat channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/metrics"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/ratelimit"
)

// Notification describes a ticket opened by the monitor.
type Notification struct {
	TicketID  int64
	Source    models.SourceType
	Subject   string // SLO or invariant name
	Title     string
	Priority  models.Priority
	Facts     map[string]string
	Timestamp time.Time
}

// FromTicket builds a notification from a violation ticket and its context.
func FromTicket(t *models.Ticket) *Notification {
	n := &Notification{
		TicketID:  t.ID,
		Source:    t.SourceType,
		Title:     t.Objective,
		Priority:  t.Priority,
		Facts:     make(map[string]string),
		Timestamp: t.CreatedAt,
	}
	for _, key := range []string{"slo_name", "invariant_name"} {
		if v, ok := t.Context[key].(string); ok {
			n.Subject = v
		}
	}
	for _, key := range []string{"condition", "current_value", "threshold_value",
		"burn_rate", "error_budget_remaining", "violation_severity"} {
		v, ok := t.Context[key]
		if !ok || v == nil || v == "" {
			continue
		}
		n.Facts[key] = formatFact(v)
	}
	return n
}

// FactKeys returns fact names in a stable order.
func (n *Notification) FactKeys() []string {
	keys := make([]string, 0, len(n.Facts))
	for k := range n.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFact(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.4g", x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Notifier is the interface for all notification channels.
type Notifier interface {
	// Name returns the notifier name (e.g., "slack", "teams").
	Name() string
	// Send delivers one notification.
	Send(ctx context.Context, n *Notification) error
	// Close releases any resources.
	Close() error
}

// ErrRateLimited is returned when a notification is dropped due to rate limiting.
var ErrRateLimited = errors.New("notification rate limited")

// RateLimitConfig holds dispatcher rate limit configuration.
type RateLimitConfig struct {
	MaxPerWindow int           `yaml:"max_per_window"` // burst size (default: 10)
	Window       time.Duration `yaml:"window"`         // time to refill a full burst (default: 1 minute)
	Enabled      bool          `yaml:"enabled"`
}

// DefaultRateLimitConfig returns default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxPerWindow: 10,
		Window:       time.Minute,
		Enabled:      true,
	}
}

// Dispatcher fans notifications out to every registered channel. Sends are
// throttled by a token bucket holding MaxPerWindow tokens refilled over
// Window.
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	bucket    *ratelimit.TokenBucket
	minimum   models.Priority
	logger    *zap.SugaredLogger
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher. Notifications below minimum priority
// are skipped; an empty minimum sends everything.
func NewDispatcher(cfg RateLimitConfig, minimum models.Priority, logger *zap.SugaredLogger) (*Dispatcher, error) {
	return NewDispatcherWithClock(cfg, minimum, logger, ratelimit.SystemClock)
}

// NewDispatcherWithClock creates a dispatcher whose rate limit is driven by clock.
func NewDispatcherWithClock(cfg RateLimitConfig, minimum models.Priority, logger *zap.SugaredLogger, clock ratelimit.Clock) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if minimum != "" && !minimum.IsValid() {
		return nil, fmt.Errorf("invalid minimum priority %q", minimum)
	}
	d := &Dispatcher{
		notifiers: make(map[string]Notifier),
		minimum:   minimum,
		logger:    logger,
	}
	if cfg.Enabled {
		if cfg.MaxPerWindow <= 0 {
			cfg.MaxPerWindow = 10
		}
		if cfg.Window <= 0 {
			cfg.Window = time.Minute
		}
		bucket, err := ratelimit.NewTokenBucketWithClock(ratelimit.BucketConfig{
			Capacity:   float64(cfg.MaxPerWindow),
			RefillRate: float64(cfg.MaxPerWindow) / cfg.Window.Seconds(),
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("notification rate limit: %w", err)
		}
		d.bucket = bucket
	}
	return d, nil
}

// Register adds a notifier to the dispatcher.
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers[n.Name()] = n
}

// Len returns the number of registered notifiers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.notifiers)
}

// Dispatch sends n to all registered notifiers. The rate limit token is
// refunded when every channel fails. Returns ErrRateLimited if the
// notification is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) error {
	if d.minimum != "" && n.Priority.Rank() > d.minimum.Rank() {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.notifiers) == 0 {
		return nil
	}

	if d.bucket != nil && !d.bucket.Acquire(1) {
		d.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues("all", "rate_limited").Inc()
		return ErrRateLimited
	}

	var errs []error
	for name, notifier := range d.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(name, "sent").Inc()
	}

	if len(errs) == len(d.notifiers) && d.bucket != nil {
		d.bucket.Refund(1)
	}
	return errors.Join(errs...)
}

// NotifyTicket dispatches a notification for a newly created ticket. Its
// signature matches the monitor's ticket hook.
func (d *Dispatcher) NotifyTicket(ctx context.Context, t *models.Ticket) error {
	err := d.Dispatch(ctx, FromTicket(t))
	if errors.Is(err, ErrRateLimited) {
		d.logger.Warnw("notification dropped by rate limit", "ticket_id", t.ID)
		return nil
	}
	return err
}

// Stats returns the bucket level and dropped count.
func (d *Dispatcher) Stats() (tokens float64, dropped int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.bucket != nil {
		tokens = d.bucket.Tokens()
	}
	return tokens, d.dropped.Load()
}

// Close closes all registered notifiers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for name, n := range d.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	d.notifiers = make(map[string]Notifier)
	return errors.Join(errs...)
}
