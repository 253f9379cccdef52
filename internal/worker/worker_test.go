package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/metricsource"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/monitor"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

func setupStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "worker.db"))
	if err := store.Open(); err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTicket(t *testing.T, store storage.Storage, objective string, priority models.Priority) *models.Ticket {
	t.Helper()
	ticket := models.NewTicket(objective, priority, models.SourceHuman)
	if err := store.Tickets().Create(context.Background(), ticket, "test"); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}

// fakeRemediator returns a fixed outcome and records what it saw.
type fakeRemediator struct {
	mu      sync.Mutex
	outcome Outcome
	err     error
	panics  bool
	seen    []int64
}

func (f *fakeRemediator) Name() string { return "fake" }

func (f *fakeRemediator) Remediate(ctx context.Context, ticket *models.Ticket) (Outcome, error) {
	f.mu.Lock()
	f.seen = append(f.seen, ticket.ID)
	f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	return f.outcome, f.err
}

func (f *fakeRemediator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// blockingRemediator waits until its context ends.
type blockingRemediator struct {
	started chan struct{}
}

func (b *blockingRemediator) Name() string { return "blocking" }

func (b *blockingRemediator) Remediate(ctx context.Context, ticket *models.Ticket) (Outcome, error) {
	close(b.started)
	<-ctx.Done()
	return Outcome{}, ctx.Err()
}

func eventTypes(t *testing.T, store storage.Storage, id int64) []models.EventType {
	t.Helper()
	events, err := store.Tickets().ListEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]models.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestProcessOne_NothingReady(t *testing.T) {
	store := setupStore(t)
	w := New(Config{Name: "w1"}, store.Tickets(), &fakeRemediator{}, nil)

	processed, err := w.ProcessOne(context.Background())
	if err != nil || processed {
		t.Errorf("ProcessOne = %v, %v; want false, nil", processed, err)
	}
}

func TestProcessOne_CompletesInWorkOrder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	low := createTicket(t, store, "tidy dashboards", models.PriorityLow)
	crit := createTicket(t, store, "restore checkout", models.PriorityCritical)

	rem := &fakeRemediator{outcome: Outcome{Status: models.StatusCompleted, Note: "restarted pods"}}
	w := New(Config{Name: "w1"}, store.Tickets(), rem, nil)

	for i := 0; i < 2; i++ {
		if processed, err := w.ProcessOne(ctx); err != nil || !processed {
			t.Fatalf("ProcessOne %d = %v, %v", i, processed, err)
		}
	}
	if len(rem.seen) != 2 || rem.seen[0] != crit.ID || rem.seen[1] != low.ID {
		t.Errorf("order = %v, want [%d %d]", rem.seen, crit.ID, low.ID)
	}

	got, _ := store.Tickets().GetByID(ctx, crit.ID)
	if got.Status != models.StatusCompleted || got.ResolvedAt == nil {
		t.Errorf("ticket = %+v", got)
	}

	want := []models.EventType{
		models.EventCreated,
		models.EventStatusChanged,
		models.EventAgentAction,
		models.EventStatusChanged,
		models.EventNoteAdded,
	}
	types := eventTypes(t, store, crit.ID)
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}

	events, _ := store.Tickets().ListEvents(ctx, crit.ID)
	claim := events[1].Data.(models.StatusChangedData)
	if claim.NewStatus != models.StatusInProgress || claim.Reason != "claimed by w1" {
		t.Errorf("claim event = %+v", claim)
	}
}

func TestProcessOne_ErrorMarksFailed(t *testing.T) {
	tests := []struct {
		name     string
		rem      *fakeRemediator
		wantNote string
	}{
		{"error", &fakeRemediator{err: errors.New("connection refused")}, "remediation failed: connection refused"},
		{"panic", &fakeRemediator{panics: true}, "remediator panicked: boom"},
		{"bad status", &fakeRemediator{outcome: Outcome{Status: models.StatusInProgress}}, "unusable status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			ctx := context.Background()
			ticket := createTicket(t, store, "fix it", models.PriorityHigh)

			w := New(Config{Name: "w1"}, store.Tickets(), tt.rem, nil)
			if _, err := w.ProcessOne(ctx); err != nil {
				t.Fatal(err)
			}

			got, _ := store.Tickets().GetByID(ctx, ticket.ID)
			if got.Status != models.StatusFailed {
				t.Errorf("status = %s, want failed", got.Status)
			}
			events, _ := store.Tickets().ListEvents(ctx, ticket.ID)
			last := events[len(events)-1].Data.(models.NoteAddedData)
			if !strings.Contains(last.Note, tt.wantNote) {
				t.Errorf("note = %q, want %q", last.Note, tt.wantNote)
			}
		})
	}
}

func TestProcessOne_BlockedDependentWaits(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := createTicket(t, store, "first", models.PriorityLow)
	second := createTicket(t, store, "second", models.PriorityCritical)
	if _, err := store.Tickets().AddDependency(ctx, second.ID, first.ID); err != nil {
		t.Fatal(err)
	}

	rem := &fakeRemediator{outcome: Outcome{Status: models.StatusCompleted}}
	w := New(Config{Name: "w1"}, store.Tickets(), rem, nil)
	for i := 0; i < 3; i++ {
		w.ProcessOne(ctx)
	}
	if len(rem.seen) != 2 || rem.seen[0] != first.ID || rem.seen[1] != second.ID {
		t.Errorf("order = %v, want dependency first", rem.seen)
	}
}

func TestRun_DrainsAndStops(t *testing.T) {
	store := setupStore(t)
	for i := 0; i < 4; i++ {
		createTicket(t, store, "batch", models.PriorityMedium)
	}
	rem := &fakeRemediator{outcome: Outcome{Status: models.StatusCompleted}}
	w := New(Config{Name: "w1", Interval: 10 * time.Millisecond, Concurrency: 2}, store.Tickets(), rem, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ready, _ := store.Tickets().ListReady(context.Background(), 10)
		open, _, _ := store.Tickets().List(context.Background(), models.TicketFilter{Statuses: models.OpenStatuses})
		if len(ready) == 0 && len(open) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker did not drain tickets")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	rem.mu.Lock()
	defer rem.mu.Unlock()
	seen := map[int64]int{}
	for _, id := range rem.seen {
		seen[id]++
	}
	if len(seen) != 4 {
		t.Errorf("remediated %d distinct tickets, want 4", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("ticket %d remediated %d times", id, n)
		}
	}
}

func TestWebhookRemediator(t *testing.T) {
	var received models.Ticket
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]string{"status": "completed", "note": "rolled back"})
	}))
	defer server.Close()

	rem, err := NewWebhookRemediator(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer s3cret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ticket := models.NewTicket("roll back deploy", models.PriorityHigh, models.SourceHuman)
	ticket.ID = 9

	out, err := rem.Remediate(context.Background(), ticket)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != models.StatusCompleted || out.Note != "rolled back" {
		t.Errorf("outcome = %+v", out)
	}
	if received.ID != 9 || received.Objective != "roll back deploy" {
		t.Errorf("received = %+v", received)
	}
}

func TestWebhookRemediatorErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbage" {
			w.Write([]byte("not json"))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	ticket := models.NewTicket("x", models.PriorityLow, models.SourceHuman)

	rem, _ := NewWebhookRemediator(WebhookConfig{URL: server.URL})
	if _, err := rem.Remediate(context.Background(), ticket); err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Errorf("err = %v, want status 502", err)
	}

	rem, _ = NewWebhookRemediator(WebhookConfig{URL: server.URL + "/garbage"})
	if _, err := rem.Remediate(context.Background(), ticket); err == nil || !strings.Contains(err.Error(), "decode outcome") {
		t.Errorf("err = %v, want decode error", err)
	}

	for _, bad := range []string{"", "ftp://example.com"} {
		if _, err := NewWebhookRemediator(WebhookConfig{URL: bad}); err == nil {
			t.Errorf("expected validation error for %q", bad)
		}
	}
}

func TestProcessOne_ShutdownReleasesTicket(t *testing.T) {
	store := setupStore(t)
	repo := store.Tickets()
	ticket := models.NewTicket("Fix invariant violation: health", models.PriorityHigh, models.SourceInvariantViolation)
	ticket.SourceID = "3"
	if err := repo.Create(context.Background(), ticket, ""); err != nil {
		t.Fatal(err)
	}

	rem := &blockingRemediator{started: make(chan struct{})}
	w := New(Config{Name: "w1"}, repo, rem, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		processed bool
		err       error
	}
	done := make(chan result, 1)
	go func() {
		processed, err := w.ProcessOne(ctx)
		done <- result{processed, err}
	}()

	select {
	case <-rem.started:
	case <-time.After(5 * time.Second):
		t.Fatal("remediator never started")
	}
	cancel()
	res := <-done
	if !res.processed || res.err != nil {
		t.Fatalf("ProcessOne = %v, %v; want true, nil", res.processed, res.err)
	}

	bg := context.Background()
	got, _ := repo.GetByID(bg, ticket.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status after shutdown = %s, want pending", got.Status)
	}
	events, _ := repo.ListEvents(bg, ticket.ID)
	var release models.StatusChangedData
	for _, e := range events {
		if sc, ok := e.Data.(models.StatusChangedData); ok {
			release = sc
		}
	}
	if release.NewStatus != models.StatusPending || release.Reason != "released by w1: worker stopped" {
		t.Errorf("release event = %+v", release)
	}
	ready, _ := repo.ListReady(bg, 0)
	if len(ready) != 1 || ready[0].ID != ticket.ID {
		t.Fatalf("ready = %v, want released ticket", ready)
	}

	// A later worker finishes it and the source can open a new ticket again.
	next := New(Config{Name: "w2"}, repo, &fakeRemediator{outcome: Outcome{Status: models.StatusCompleted}}, nil)
	if _, err := next.ProcessOne(bg); err != nil {
		t.Fatal(err)
	}
	again := models.NewTicket("Fix invariant violation: health", models.PriorityHigh, models.SourceInvariantViolation)
	again.SourceID = "3"
	created, err := repo.CreateIfNoOpen(bg, again, "")
	if err != nil || !created {
		t.Errorf("CreateIfNoOpen = %v, %v; want true, nil", created, err)
	}
}

func TestRun_PendingOutcomeWaitsForInterval(t *testing.T) {
	store := setupStore(t)
	createTicket(t, store, "retry later", models.PriorityMedium)
	rem := &fakeRemediator{outcome: Outcome{Status: models.StatusPending, Note: "not yet"}}
	w := New(Config{Name: "w1", Interval: time.Hour}, store.Tickets(), rem, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for rem.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("remediator never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if n := rem.calls(); n != 1 {
		t.Errorf("remediate calls = %d, want 1 within one interval", n)
	}
}

func TestNoopRemediatorBlocks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	ticket := createTicket(t, store, "manual", models.PriorityMedium)
	violation := models.NewTicket("Fix invariant", models.PriorityCritical, models.SourceInvariantViolation)
	violation.SourceID = "1"
	if err := store.Tickets().Create(ctx, violation, ""); err != nil {
		t.Fatal(err)
	}

	w := New(Config{}, store.Tickets(), NoopRemediator{}, nil)
	if !strings.HasPrefix(w.Name(), "worker-") {
		t.Errorf("generated name = %q", w.Name())
	}
	if processed, _ := w.ProcessOne(ctx); !processed {
		t.Fatal("expected the human ticket to be claimed")
	}
	if processed, _ := w.ProcessOne(ctx); processed {
		t.Error("violation ticket should not be claimed")
	}

	got, _ := store.Tickets().GetByID(ctx, ticket.ID)
	if got.Status != models.StatusBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
	got, _ = store.Tickets().GetByID(ctx, violation.ID)
	if got.Status != models.StatusPending {
		t.Errorf("violation status = %s, want pending", got.Status)
	}
}

func TestNoopRemediatorKeepsPersistentViolationDeduplicated(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	src := metricsource.NewStaticSource()
	src.Set("http_status:/health", 503)
	if err := store.Invariants().Create(ctx, models.NewInvariant("health", "http_status:/health", "== 200")); err != nil {
		t.Fatal(err)
	}
	sched := monitor.NewScheduler(monitor.DefaultConfig(), store,
		monitor.NewSLOEvaluator(src, store.Tickets(), nil),
		monitor.NewInvariantEvaluator(src, store.Tickets(), nil), nil)
	w := New(Config{Name: "w1"}, store.Tickets(), NoopRemediator{}, nil)

	for i := 0; i < 5; i++ {
		sched.RunOnce(ctx)
		if _, err := w.ProcessOne(ctx); err != nil {
			t.Fatal(err)
		}
	}

	all, total, err := store.Tickets().List(ctx, models.TicketFilter{SourceType: models.SourceInvariantViolation})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("violation tickets after 5 cycles = %d, want 1", total)
	}
	if all[0].Status != models.StatusPending {
		t.Errorf("status = %s, want pending", all[0].Status)
	}
}
