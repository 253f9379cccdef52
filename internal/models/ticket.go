package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	StatusPending    TicketStatus = "pending"
	StatusInProgress TicketStatus = "in_progress"
	StatusCompleted  TicketStatus = "completed"
	StatusFailed     TicketStatus = "failed"
	StatusBlocked    TicketStatus = "blocked"
)

// IsValid reports whether s is a known status.
func (s TicketStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// IsTerminal reports whether the status resolves a ticket.
func (s TicketStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsOpen reports whether the status counts as open work for deduplication.
func (s TicketStatus) IsOpen() bool {
	return s == StatusPending || s == StatusInProgress
}

// OpenStatuses are the statuses considered by violation deduplication.
var OpenStatuses = []TicketStatus{StatusPending, StatusInProgress}

// ParseTicketStatus converts a string to TicketStatus.
func ParseTicketStatus(s string) (TicketStatus, error) {
	st := TicketStatus(s)
	if !st.IsValid() {
		return "", fmt.Errorf("invalid ticket status %q", s)
	}
	return st, nil
}

// Priority is the urgency of a ticket.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities for work selection. Lower ranks are picked first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority converts a string to Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority %q", s)
	}
	return p, nil
}

// SourceType records what created a ticket.
type SourceType string

const (
	SourceHuman              SourceType = "human"
	SourceSLOViolation       SourceType = "slo_violation"
	SourceInvariantViolation SourceType = "invariant_violation"
	SourceAnomaly            SourceType = "anomaly"
	SourceScheduled          SourceType = "scheduled"
	SourceWebhook            SourceType = "webhook"
)

// IsValid reports whether t is a known source type.
func (t SourceType) IsValid() bool {
	switch t {
	case SourceHuman, SourceSLOViolation, SourceInvariantViolation,
		SourceAnomaly, SourceScheduled, SourceWebhook:
		return true
	}
	return false
}

// Document is an opaque JSON object attached to a ticket.
type Document map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Marshal encodes the document, treating nil as an empty object.
func (d Document) Marshal() (string, error) {
	if d == nil {
		return "{}", nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalDocument decodes a stored document.
func UnmarshalDocument(s string) (Document, error) {
	if s == "" {
		return Document{}, nil
	}
	var d Document
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, err
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}

// Ticket is a unit of remediation work.
type Ticket struct {
	ID              int64        `json:"id"`
	Objective       string       `json:"objective"`
	SuccessCriteria string       `json:"success_criteria,omitempty"`
	Context         Document     `json:"context"`
	Status          TicketStatus `json:"status"`
	Priority        Priority     `json:"priority"`
	SourceType      SourceType   `json:"source_type"`
	SourceID        string       `json:"source_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
}

// NewTicket creates a pending ticket with initialized timestamps.
func NewTicket(objective string, priority Priority, source SourceType) *Ticket {
	now := time.Now().UTC()
	return &Ticket{
		Objective:  objective,
		Context:    Document{},
		Status:     StatusPending,
		Priority:   priority,
		SourceType: source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TicketDependency is a directed edge: TicketID waits for DependsOnID.
type TicketDependency struct {
	TicketID    int64     `json:"ticket_id"`
	DependsOnID int64     `json:"depends_on_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// TicketFilter narrows ticket listings.
type TicketFilter struct {
	Statuses   []TicketStatus
	Priorities []Priority
	SourceType SourceType
	SourceID   string
	Limit      int
	Offset     int
}
