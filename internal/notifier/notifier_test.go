package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

// dispatcherMockNotifier is a test notifier that can be configured to fail.
type dispatcherMockNotifier struct {
	name      string
	shouldErr bool
	sendCount int
	last      *Notification
}

func (m *dispatcherMockNotifier) Name() string {
	return m.name
}

func (m *dispatcherMockNotifier) Send(ctx context.Context, n *Notification) error {
	m.sendCount++
	m.last = n
	if m.shouldErr {
		return errors.New("mock send error")
	}
	return nil
}

func (m *dispatcherMockNotifier) Close() error {
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(t *testing.T, max int, minimum models.Priority) (*Dispatcher, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	d, err := NewDispatcherWithClock(RateLimitConfig{MaxPerWindow: max, Window: time.Minute, Enabled: true}, minimum, nil, clock)
	if err != nil {
		t.Fatalf("NewDispatcherWithClock: %v", err)
	}
	return d, clock
}

func testNotification(p models.Priority) *Notification {
	return &Notification{TicketID: 1, Priority: p, Title: "Fix invariant violation: health", Timestamp: time.Now()}
}

func TestDispatcherRefundsTokenOnAllFailures(t *testing.T) {
	d, _ := newTestDispatcher(t, 2, "")
	d.Register(&dispatcherMockNotifier{name: "failing", shouldErr: true})

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(context.Background(), testNotification(models.PriorityHigh)); err == nil || errors.Is(err, ErrRateLimited) {
			t.Fatalf("dispatch %d: err = %v, want send error", i, err)
		}
	}
	if tokens, dropped := d.Stats(); tokens != 2 || dropped != 0 {
		t.Errorf("tokens = %v dropped = %d, want full bucket", tokens, dropped)
	}
}

func TestDispatcherKeepsTokenOnPartialSuccess(t *testing.T) {
	d, _ := newTestDispatcher(t, 2, "")
	ok := &dispatcherMockNotifier{name: "ok"}
	d.Register(ok)
	d.Register(&dispatcherMockNotifier{name: "failing", shouldErr: true})

	if err := d.Dispatch(context.Background(), testNotification(models.PriorityHigh)); err == nil {
		t.Error("expected partial error")
	}
	if ok.sendCount != 1 {
		t.Errorf("ok sendCount = %d", ok.sendCount)
	}
	if tokens, _ := d.Stats(); tokens != 1 {
		t.Errorf("tokens = %v, want 1", tokens)
	}
}

func TestDispatcherRateLimitsAndRefills(t *testing.T) {
	d, clock := newTestDispatcher(t, 2, "")
	m := &dispatcherMockNotifier{name: "ok"}
	d.Register(m)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := d.Dispatch(ctx, testNotification(models.PriorityHigh)); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if err := d.Dispatch(ctx, testNotification(models.PriorityHigh)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third dispatch err = %v, want ErrRateLimited", err)
	}
	if _, dropped := d.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	// Two tokens per minute refill one token every 30s.
	clock.Advance(30 * time.Second)
	if err := d.Dispatch(ctx, testNotification(models.PriorityHigh)); err != nil {
		t.Errorf("dispatch after refill: %v", err)
	}
	if m.sendCount != 3 {
		t.Errorf("sendCount = %d, want 3", m.sendCount)
	}
}

func TestDispatcherMinimumPriority(t *testing.T) {
	d, _ := newTestDispatcher(t, 5, models.PriorityHigh)
	m := &dispatcherMockNotifier{name: "ok"}
	d.Register(m)

	ctx := context.Background()
	d.Dispatch(ctx, testNotification(models.PriorityMedium))
	d.Dispatch(ctx, testNotification(models.PriorityHigh))
	d.Dispatch(ctx, testNotification(models.PriorityCritical))
	if m.sendCount != 2 {
		t.Errorf("sendCount = %d, want 2", m.sendCount)
	}

	if _, err := NewDispatcher(DefaultRateLimitConfig(), "urgent", nil); err == nil {
		t.Error("expected error for invalid minimum priority")
	}
}

func TestDispatcherWithoutNotifiersKeepsTokens(t *testing.T) {
	d, _ := newTestDispatcher(t, 1, "")
	if err := d.Dispatch(context.Background(), testNotification(models.PriorityHigh)); err != nil {
		t.Fatal(err)
	}
	if tokens, _ := d.Stats(); tokens != 1 {
		t.Errorf("tokens = %v, want 1", tokens)
	}
}

func TestNotifyTicketSwallowsRateLimit(t *testing.T) {
	d, _ := newTestDispatcher(t, 1, "")
	m := &dispatcherMockNotifier{name: "ok"}
	d.Register(m)

	ticket := models.NewTicket("Investigate SLO violation: checkout", models.PriorityCritical, models.SourceSLOViolation)
	ticket.ID = 7
	ticket.Context = models.Document{
		"slo_name":           "checkout",
		"burn_rate":          16.25,
		"violation_severity": "fast",
		"current_value":      nil,
	}

	ctx := context.Background()
	if err := d.NotifyTicket(ctx, ticket); err != nil {
		t.Fatal(err)
	}
	if err := d.NotifyTicket(ctx, ticket); err != nil {
		t.Errorf("rate limited notify returned %v", err)
	}
	if m.sendCount != 1 {
		t.Errorf("sendCount = %d, want 1", m.sendCount)
	}

	n := m.last
	if n.TicketID != 7 || n.Subject != "checkout" || n.Source != models.SourceSLOViolation {
		t.Errorf("notification = %+v", n)
	}
	if n.Facts["burn_rate"] != "16.25" || n.Facts["violation_severity"] != "fast" {
		t.Errorf("facts = %v", n.Facts)
	}
	if _, ok := n.Facts["current_value"]; ok {
		t.Error("nil context value should be omitted")
	}
}

func TestDispatcherRateLimitDisabled(t *testing.T) {
	d, err := NewDispatcher(RateLimitConfig{Enabled: false}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	m := &dispatcherMockNotifier{name: "ok"}
	d.Register(m)
	for i := 0; i < 50; i++ {
		if err := d.Dispatch(context.Background(), testNotification(models.PriorityLow)); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if err := d.Close(); err != nil || d.Len() != 0 {
		t.Errorf("Close err = %v len = %d", err, d.Len())
	}
}
