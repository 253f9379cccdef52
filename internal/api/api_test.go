package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/good-yellow-bee/sentinel/internal/metricsource"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/monitor"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

type testEnv struct {
	srv    *Server
	store  *storage.SQLiteStorage
	source *metricsource.StaticSource
}

// testServer creates a server over a temporary SQLite store and an
// in-memory metric source.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "api.db"))
	if err := store.Open(); err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		t.Fatalf("migrate storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	src := metricsource.NewStaticSource()
	sloEval := monitor.NewSLOEvaluator(src, store.Tickets(), nil)
	invEval := monitor.NewInvariantEvaluator(src, store.Tickets(), nil)
	sched := monitor.NewScheduler(monitor.DefaultConfig(), store, sloEval, invEval, nil)

	srv, err := New(&Config{Address: ":0"}, Deps{
		Storage:            store,
		SLOEvaluator:       sloEval,
		InvariantEvaluator: invEval,
		Monitor:            sched,
	}, nil)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return &testEnv{srv: srv, store: store, source: src}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return rr.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode data: %v (%s)", err, raw)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := testServer(t)
	code, resp := env.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	body := decode[map[string]any](t, resp.Data)
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}

func TestNotFoundRoute(t *testing.T) {
	env := testServer(t)
	code, resp := env.do(t, http.MethodGet, "/api/v1/nope", nil)
	if code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("unknown route = %d %+v", code, resp.Error)
	}
}

func TestTicketWorkflow(t *testing.T) {
	env := testServer(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/tickets", map[string]any{
		"objective": "Rotate credentials",
		"priority":  "low",
	})
	if code != http.StatusCreated {
		t.Fatalf("create status = %d (%+v)", code, resp.Error)
	}
	base := decode[map[string]any](t, resp.Data)
	baseID := int64(base["id"].(float64))

	code, resp = env.do(t, http.MethodPost, "/api/v1/tickets", map[string]any{
		"objective":  "Deploy fix",
		"priority":   "critical",
		"depends_on": []int64{baseID},
		"context":    map[string]any{"service": "api"},
	})
	if code != http.StatusCreated {
		t.Fatalf("create dependent status = %d (%+v)", code, resp.Error)
	}
	dependent := decode[map[string]any](t, resp.Data)
	depID := int64(dependent["id"].(float64))
	if dependent["is_ready"] != false {
		t.Errorf("dependent should not be ready: %v", dependent["is_ready"])
	}

	// Only the base ticket is ready.
	code, resp = env.do(t, http.MethodGet, "/api/v1/tickets/ready", nil)
	if code != http.StatusOK {
		t.Fatalf("ready status = %d", code)
	}
	ready := decode[struct {
		Items []models.Ticket `json:"items"`
	}](t, resp.Data)
	if len(ready.Items) != 1 || ready.Items[0].ID != baseID {
		t.Fatalf("ready = %+v", ready.Items)
	}

	code, _ = env.do(t, http.MethodPatch, "/api/v1/tickets/"+itoa(baseID), map[string]any{
		"status": "completed",
		"reason": "done by hand",
	})
	if code != http.StatusOK {
		t.Fatalf("patch status = %d", code)
	}

	code, resp = env.do(t, http.MethodGet, "/api/v1/tickets?status=ready", nil)
	ready = decode[struct {
		Items []models.Ticket `json:"items"`
	}](t, resp.Data)
	if code != http.StatusOK || len(ready.Items) != 1 || ready.Items[0].ID != depID {
		t.Fatalf("ready after completion = %+v", ready.Items)
	}

	code, _ = env.do(t, http.MethodPost, "/api/v1/tickets/"+itoa(depID)+"/events", map[string]any{
		"event_type": "note_added",
		"author":     "oncall",
		"note":       "looking into it",
	})
	if code != http.StatusCreated {
		t.Fatalf("add note status = %d", code)
	}

	code, resp = env.do(t, http.MethodGet, "/api/v1/tickets/"+itoa(depID)+"/events", nil)
	events := decode[[]struct {
		EventType string `json:"event_type"`
	}](t, resp.Data)
	want := []string{"created", "dependency_added", "note_added"}
	if code != http.StatusOK || len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, w := range want {
		if events[i].EventType != w {
			t.Errorf("event %d = %s, want %s", i, events[i].EventType, w)
		}
	}

	code, _ = env.do(t, http.MethodDelete, "/api/v1/tickets/"+itoa(depID)+"/dependencies/"+itoa(baseID), nil)
	if code != http.StatusNoContent {
		t.Errorf("remove dependency status = %d", code)
	}
	code, _ = env.do(t, http.MethodDelete, "/api/v1/tickets/"+itoa(depID)+"/dependencies/"+itoa(baseID), nil)
	if code != http.StatusNotFound {
		t.Errorf("second remove status = %d", code)
	}
}

func TestInvariantEvaluateCreatesTicket(t *testing.T) {
	env := testServer(t)
	env.source.Set("http_status:/health", 503)

	code, resp := env.do(t, http.MethodPost, "/api/v1/invariants", map[string]any{
		"name":      "health",
		"query":     "http_status:/health",
		"condition": "is 200",
	})
	if code != http.StatusBadRequest || resp.Error.Code != "VALIDATION_FAILED" {
		t.Fatalf("bad condition = %d %+v", code, resp.Error)
	}

	code, resp = env.do(t, http.MethodPost, "/api/v1/invariants", map[string]any{
		"name":      "health",
		"query":     "http_status:/health",
		"condition": "== 200",
	})
	if code != http.StatusCreated {
		t.Fatalf("create invariant = %d %+v", code, resp.Error)
	}
	inv := decode[models.Invariant](t, resp.Data)

	code, _ = env.do(t, http.MethodPost, "/api/v1/invariants", map[string]any{
		"name":      "health",
		"query":     "up",
		"condition": "== 1",
	})
	if code != http.StatusConflict {
		t.Errorf("duplicate name status = %d", code)
	}

	code, resp = env.do(t, http.MethodPost, "/api/v1/invariants/"+itoa(inv.ID)+"/evaluate?create_ticket=true", nil)
	if code != http.StatusOK {
		t.Fatalf("evaluate status = %d", code)
	}
	result := decode[struct {
		Evaluation models.InvariantEvaluation `json:"evaluation"`
		Ticket     *models.Ticket             `json:"ticket"`
	}](t, resp.Data)
	if result.Evaluation.IsPassing || result.Ticket == nil {
		t.Fatalf("evaluate result = %+v", result)
	}
	if result.Ticket.Priority != models.PriorityHigh || result.Ticket.SourceType != models.SourceInvariantViolation {
		t.Errorf("ticket = %+v", result.Ticket)
	}

	// Deduplicated while open.
	_, resp = env.do(t, http.MethodPost, "/api/v1/invariants/"+itoa(inv.ID)+"/evaluate?create_ticket=true", nil)
	result = decode[struct {
		Evaluation models.InvariantEvaluation `json:"evaluation"`
		Ticket     *models.Ticket             `json:"ticket"`
	}](t, resp.Data)
	if result.Ticket != nil {
		t.Errorf("duplicate ticket created: %+v", result.Ticket)
	}
}

func TestMonitorRunAndStatus(t *testing.T) {
	env := testServer(t)
	env.source.Set("availability", 0.5)

	code, resp := env.do(t, http.MethodPost, "/api/v1/slos", map[string]any{
		"name":         "checkout",
		"target":       0.99,
		"metric_query": "availability",
	})
	if code != http.StatusCreated {
		t.Fatalf("create slo = %d %+v", code, resp.Error)
	}

	code, resp = env.do(t, http.MethodPost, "/api/v1/monitor/run", nil)
	if code != http.StatusOK {
		t.Fatalf("run status = %d", code)
	}
	report := decode[monitor.CycleReport](t, resp.Data)
	if len(report.SLOs) != 1 || !report.SLOs[0].IsViolating {
		t.Fatalf("report slos = %+v", report.SLOs)
	}
	if len(report.TicketsCreated()) != 1 {
		t.Errorf("tickets created = %v", report.TicketsCreated())
	}

	code, resp = env.do(t, http.MethodGet, "/api/v1/monitor/status", nil)
	status := decode[monitor.Status](t, resp.Data)
	if code != http.StatusOK || status.LastReport == nil {
		t.Errorf("status = %d %+v", code, status)
	}

	tickets, _, err := env.store.Tickets().List(context.Background(), models.TicketFilter{SourceType: models.SourceSLOViolation})
	if err != nil || len(tickets) != 1 || tickets[0].Priority != models.PriorityCritical {
		t.Errorf("slo tickets = %+v (%v)", tickets, err)
	}
}

func TestRateLimitedAPI(t *testing.T) {
	env := testServer(t)
	srv, err := New(&Config{RateLimitPerSecond: 0.001, RateLimitBurst: 1}, Deps{Storage: env.store}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.srv = srv

	if code, _ := env.do(t, http.MethodGet, "/api/v1/tickets", nil); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/v1/tickets", nil); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
	// Health is outside the limited group.
	if code, _ := env.do(t, http.MethodGet, "/health", nil); code != http.StatusOK {
		t.Errorf("health = %d", code)
	}
	// Without a scheduler the monitor endpoints answer 503.
	env.srv, _ = New(&Config{}, Deps{Storage: env.store}, nil)
	if code, _ := env.do(t, http.MethodGet, "/api/v1/monitor/status", nil); code != http.StatusServiceUnavailable {
		t.Errorf("monitor without scheduler = %d", code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
