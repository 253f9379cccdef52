package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--db", dbPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func openTestStore(t *testing.T, dbPath string) *storage.SQLiteStorage {
	t.Helper()
	store := storage.NewSQLiteStorage(dbPath)
	if err := store.Open(); err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTicketLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	if _, err := run(t, dbPath, "ticket", "create", "--objective", "Restore backups", "--priority", "low"); err != nil {
		t.Fatalf("create first: %v", err)
	}
	out, err := run(t, dbPath, "ticket", "create", "--objective", "Rotate certs", "--priority", "critical", "--depends-on", "1")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if !strings.Contains(out, "Ticket #2 created.") {
		t.Errorf("create output = %q", out)
	}

	out, err = run(t, dbPath, "ticket", "ready", "-o", "json")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	var ready struct {
		Tickets []*models.Ticket `json:"tickets"`
	}
	if err := json.Unmarshal([]byte(out), &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if len(ready.Tickets) != 1 || ready.Tickets[0].ID != 1 {
		t.Fatalf("ready tickets = %+v, want only #1", ready.Tickets)
	}

	if _, err := run(t, dbPath, "ticket", "set-status", "1", "completed", "--reason", "restored"); err != nil {
		t.Fatalf("set-status: %v", err)
	}
	if _, err := run(t, dbPath, "ticket", "note", "2", "waiting on vendor", "--author", "ops"); err != nil {
		t.Fatalf("note: %v", err)
	}

	out, err = run(t, dbPath, "ticket", "show", "2")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"Rotate certs", "Ready:     true", "depends on #1", "ops: waiting on vendor"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, dbPath, "ticket", "undepend", "2", "1"); err != nil {
		t.Fatalf("undepend: %v", err)
	}
	if _, err := run(t, dbPath, "ticket", "undepend", "2", "1"); err == nil {
		t.Error("second undepend should fail")
	}
}

func TestTicketCommandValidation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	tests := []struct {
		name string
		args []string
	}{
		{"missing objective", []string{"ticket", "create"}},
		{"bad priority", []string{"ticket", "create", "--objective", "x", "--priority", "urgent"}},
		{"bad id", []string{"ticket", "show", "abc"}},
		{"unknown ticket", []string{"ticket", "show", "99"}},
		{"bad status", []string{"ticket", "set-status", "1", "done"}},
		{"bad list filter", []string{"ticket", "list", "--status", "open"}},
		{"self dependency", []string{"ticket", "depend", "1", "1"}},
		{"missing dependency", []string{"ticket", "create", "--objective", "x", "--depends-on", "42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, dbPath, tt.args...); err == nil {
				t.Errorf("%v: expected error", tt.args)
			}
		})
	}

	// The failed create with a missing dependency left nothing behind.
	if _, err := run(t, dbPath, "ticket", "show", "1"); err == nil {
		t.Error("ticket 1 should not exist")
	}
}

func TestSLOAndInvariantCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	if _, err := run(t, dbPath, "slo", "create", "--name", "api", "--query", "ratio", "--target", "0.999"); err != nil {
		t.Fatalf("slo create: %v", err)
	}
	if _, err := run(t, dbPath, "slo", "create", "--name", "bad", "--query", "ratio", "--target", "1.5"); err == nil {
		t.Error("target above 1 should be rejected")
	}
	if _, err := run(t, dbPath, "invariant", "create", "--name", "depth", "--query", "queue_depth", "--condition", "< 100"); err != nil {
		t.Fatalf("invariant create: %v", err)
	}
	if _, err := run(t, dbPath, "invariant", "create", "--name", "broken", "--query", "q", "--condition", "about 5"); err == nil {
		t.Error("malformed condition should be rejected")
	}

	out, err := run(t, dbPath, "slo", "list")
	if err != nil {
		t.Fatalf("slo list: %v", err)
	}
	if !strings.Contains(out, "api") || !strings.Contains(out, "Total: 1 SLO(s)") {
		t.Errorf("slo list = %q", out)
	}

	out, err = run(t, dbPath, "invariant", "list")
	if err != nil {
		t.Fatalf("invariant list: %v", err)
	}
	if !strings.Contains(out, "depth") || !strings.Contains(out, "< 100") {
		t.Errorf("invariant list = %q", out)
	}
}

func TestMonitorRunOnceOpensTicket(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	if _, err := run(t, dbPath, "invariant", "create", "--name", "depth", "--query", "queue_depth", "--condition", "< 100"); err != nil {
		t.Fatalf("invariant create: %v", err)
	}

	out, err := run(t, dbPath, "monitor", "run-once", "--static", "queue_depth=250")
	if err != nil {
		t.Fatalf("run-once: %v", err)
	}
	if !strings.Contains(out, "VIOLATING") || !strings.Contains(out, "1 ticket(s) opened") {
		t.Errorf("run-once output = %q", out)
	}

	// A second pass finds the open ticket and does not duplicate it.
	out, err = run(t, dbPath, "monitor", "run-once", "--static", "queue_depth=250")
	if err != nil {
		t.Fatalf("second run-once: %v", err)
	}
	if !strings.Contains(out, "open ticket exists") {
		t.Errorf("second run-once output = %q", out)
	}

	store := openTestStore(t, dbPath)
	tickets, total, err := store.Tickets().List(context.Background(), models.TicketFilter{
		SourceType: models.SourceInvariantViolation,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || tickets[0].SourceID == "" {
		t.Errorf("violation tickets = %d, want 1 with a source id", total)
	}

	if _, err := run(t, dbPath, "monitor", "run-once", "--static", "queue_depth"); err == nil {
		t.Error("static flag without a value should be rejected")
	}
}

func TestDefinitionsSync(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	defPath := filepath.Join(dir, "definitions.yaml")
	content := `slos:
  - name: checkout
    target: 0.995
    metric_query: checkout_success_ratio
invariants:
  - name: workers-up
    query: up
    condition: "== 1"
`
	if err := os.WriteFile(defPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write definitions: %v", err)
	}

	out, err := run(t, dbPath, "definitions", "check", defPath)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "1 SLO(s), 1 invariant(s) OK") {
		t.Errorf("check output = %q", out)
	}

	out, err = run(t, dbPath, "definitions", "sync", defPath)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !strings.Contains(out, "created   slo/checkout") || !strings.Contains(out, "created   invariant/workers-up") {
		t.Errorf("sync output = %q", out)
	}

	out, err = run(t, dbPath, "definitions", "sync", defPath)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("second sync output = %q", out)
	}
}

func TestVersionJSON(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "test.db"), "version", "-o", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info["program"] != "sentinelctl" {
		t.Errorf("program = %q", info["program"])
	}
}
