package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseTicketStatus(t *testing.T) {
	tests := []struct {
		input   string
		want    TicketStatus
		wantErr bool
	}{
		{"pending", StatusPending, false},
		{"in_progress", StatusInProgress, false},
		{"completed", StatusCompleted, false},
		{"failed", StatusFailed, false},
		{"blocked", StatusBlocked, false},
		{"done", "", true},
		{"PENDING", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTicketStatus(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTicketStatus(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTicketStatus(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTicketStatusClasses(t *testing.T) {
	for _, s := range []TicketStatus{StatusPending, StatusInProgress} {
		if !s.IsOpen() || s.IsTerminal() {
			t.Errorf("%s: open=%v terminal=%v", s, s.IsOpen(), s.IsTerminal())
		}
	}
	for _, s := range []TicketStatus{StatusCompleted, StatusFailed} {
		if s.IsOpen() || !s.IsTerminal() {
			t.Errorf("%s: open=%v terminal=%v", s, s.IsOpen(), s.IsTerminal())
		}
	}
	// Blocked is neither open work nor resolved.
	if StatusBlocked.IsOpen() || StatusBlocked.IsTerminal() {
		t.Error("blocked should be neither open nor terminal")
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank before %s", order[i-1], order[i])
		}
	}
	if Priority("urgent").Rank() <= PriorityLow.Rank() {
		t.Error("unknown priorities should rank last")
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("ParsePriority accepted an unknown priority")
	}
}

func TestDocumentMarshal(t *testing.T) {
	var nilDoc Document
	s, err := nilDoc.Marshal()
	if err != nil || s != "{}" {
		t.Errorf("nil document = %q, %v; want {}", s, err)
	}

	doc := Document{"slo_name": "api", "burn_rate": 15.5}
	s, err = doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := UnmarshalDocument(s)
	if err != nil {
		t.Fatalf("UnmarshalDocument: %v", err)
	}
	if back["slo_name"] != "api" || back["burn_rate"] != 15.5 {
		t.Errorf("round trip = %v", back)
	}

	empty, err := UnmarshalDocument("")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("empty document = %v, %v", empty, err)
	}

	clone := doc.Clone()
	clone["slo_name"] = "other"
	if doc["slo_name"] != "api" {
		t.Error("Clone shares the underlying map")
	}
}

func TestTicketEventJSON(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []EventData{
		CreatedData{Source: SourceSLOViolation, SourceID: "3", InitialStatus: StatusPending, Priority: PriorityCritical},
		StatusChangedData{OldStatus: StatusPending, NewStatus: StatusInProgress, Reason: "claimed by w1"},
		NoteAddedData{Author: "ops", Note: "paged vendor"},
		DependencyAddedData{DependsOnID: 7},
		ContextUpdatedData{Keys: []string{"runbook"}},
	}

	for _, data := range tests {
		t.Run(string(data.EventType()), func(t *testing.T) {
			e := NewTicketEvent(42, data)
			e.CreatedAt = created
			if e.Type != data.EventType() {
				t.Fatalf("type = %s, want %s", e.Type, data.EventType())
			}

			raw, err := json.Marshal(e)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var back TicketEvent
			if err := json.Unmarshal(raw, &back); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if back.TicketID != 42 || back.Type != e.Type || !back.CreatedAt.Equal(created) {
				t.Errorf("header = %+v", back)
			}
			if got, _ := json.Marshal(back.Data); string(got) != mustJSON(t, data) {
				t.Errorf("data = %s, want %s", got, mustJSON(t, data))
			}
		})
	}
}

func TestDecodeEventDataUnknownType(t *testing.T) {
	if _, err := DecodeEventData("exploded", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown event type")
	}
	var e TicketEvent
	if err := json.Unmarshal([]byte(`{"event_type":"note_added","data":{"note":5}}`), &e); err == nil {
		t.Error("expected error for mistyped payload")
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestSLOValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *SLO)
		wantErr bool
	}{
		{"valid", func(s *SLO) {}, false},
		{"target of one", func(s *SLO) { s.Target = 1 }, false},
		{"zero target", func(s *SLO) { s.Target = 0 }, true},
		{"target above one", func(s *SLO) { s.Target = 1.01 }, true},
		{"missing name", func(s *SLO) { s.Name = "" }, true},
		{"missing query", func(s *SLO) { s.MetricQuery = "" }, true},
		{"zero window", func(s *SLO) { s.WindowDays = 0 }, true},
		{"bad threshold", func(s *SLO) {
			s.BurnRateThresholds = map[string]BurnRateThreshold{"fast": {BurnRate: 0, WindowMinutes: 60}}
		}, true},
		{"bad threshold priority", func(s *SLO) {
			s.BurnRateThresholds = map[string]BurnRateThreshold{"fast": {BurnRate: 2, WindowMinutes: 60, Priority: "urgent"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSLO("api", "ratio", 0.999)
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("error %v does not wrap ErrInvalidDefinition", err)
			}
		})
	}
}

func TestSLOThresholdsAndPriority(t *testing.T) {
	s := NewSLO("api", "ratio", 0.999)
	if got := s.ErrorBudget(); got < 0.000999 || got > 0.001001 {
		t.Errorf("ErrorBudget = %v, want 0.001", got)
	}
	if names := s.SeverityNames(); len(names) != 2 || names[0] != "fast" || names[1] != "slow" {
		t.Errorf("SeverityNames = %v", names)
	}
	if p := s.PriorityFor("fast"); p != PriorityCritical {
		t.Errorf("fast priority = %s", p)
	}
	if p := s.PriorityFor("slow"); p != PriorityHigh {
		t.Errorf("slow priority = %s", p)
	}
	if p := s.PriorityFor("nonexistent"); p != PriorityMedium {
		t.Errorf("unknown severity priority = %s", p)
	}

	s.WindowDays = 0
	s.Normalize()
	if s.WindowDays != DefaultWindowDays {
		t.Errorf("Normalize window = %d", s.WindowDays)
	}
}

func TestInvariantValidate(t *testing.T) {
	if err := NewInvariant("depth", "queue_depth", "< 100").Validate(); err != nil {
		t.Errorf("valid invariant rejected: %v", err)
	}
	for _, cond := range []string{"", "about 5", "<", "=> 3"} {
		err := NewInvariant("depth", "queue_depth", cond).Validate()
		if !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("condition %q: error = %v, want ErrInvalidDefinition", cond, err)
		}
	}
	if err := NewInvariant("depth", "", "< 1").Validate(); err == nil {
		t.Error("missing query accepted")
	}
}
