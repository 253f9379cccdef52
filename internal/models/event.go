package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a ticket lifecycle event.
type EventType string

const (
	EventCreated           EventType = "created"
	EventStatusChanged     EventType = "status_changed"
	EventPriorityChanged   EventType = "priority_changed"
	EventNoteAdded         EventType = "note_added"
	EventAgentAction       EventType = "agent_action"
	EventDependencyAdded   EventType = "dependency_added"
	EventDependencyRemoved EventType = "dependency_removed"
	EventContextUpdated    EventType = "context_updated"
)

// EventData is the payload of a ticket event. Each EventType has exactly
// one concrete payload type.
type EventData interface {
	EventType() EventType
}

// CreatedData records ticket creation.
type CreatedData struct {
	Source        SourceType   `json:"source"`
	SourceID      string       `json:"source_id,omitempty"`
	InitialStatus TicketStatus `json:"initial_status"`
	Priority      Priority     `json:"priority"`
	Detail        string       `json:"detail,omitempty"`
}

// StatusChangedData records a status transition.
type StatusChangedData struct {
	OldStatus TicketStatus `json:"old_status"`
	NewStatus TicketStatus `json:"new_status"`
	Reason    string       `json:"reason,omitempty"`
}

// PriorityChangedData records a priority change.
type PriorityChangedData struct {
	OldPriority Priority `json:"old_priority"`
	NewPriority Priority `json:"new_priority"`
}

// NoteAddedData is a free-form note.
type NoteAddedData struct {
	Author string `json:"author,omitempty"`
	Note   string `json:"note"`
}

// AgentActionData records something a remediation worker did.
type AgentActionData struct {
	Action  string `json:"action"`
	Detail  string `json:"detail,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// DependencyAddedData records a new dependency edge.
type DependencyAddedData struct {
	DependsOnID        int64  `json:"depends_on_id"`
	DependsOnObjective string `json:"depends_on_objective,omitempty"`
}

// DependencyRemovedData records a removed dependency edge.
type DependencyRemovedData struct {
	DependsOnID int64 `json:"depends_on_id"`
}

// ContextUpdatedData lists the context keys that changed.
type ContextUpdatedData struct {
	Keys []string `json:"keys"`
}

func (CreatedData) EventType() EventType           { return EventCreated }
func (StatusChangedData) EventType() EventType     { return EventStatusChanged }
func (PriorityChangedData) EventType() EventType   { return EventPriorityChanged }
func (NoteAddedData) EventType() EventType         { return EventNoteAdded }
func (AgentActionData) EventType() EventType       { return EventAgentAction }
func (DependencyAddedData) EventType() EventType   { return EventDependencyAdded }
func (DependencyRemovedData) EventType() EventType { return EventDependencyRemoved }
func (ContextUpdatedData) EventType() EventType    { return EventContextUpdated }

// TicketEvent is an immutable entry in a ticket's history.
type TicketEvent struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticket_id"`
	Type      EventType `json:"event_type"`
	Data      EventData `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTicketEvent builds an event whose type is taken from the payload.
func NewTicketEvent(ticketID int64, data EventData) *TicketEvent {
	return &TicketEvent{
		TicketID:  ticketID,
		Type:      data.EventType(),
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// DecodeEventData decodes a stored payload into its concrete value type.
func DecodeEventData(t EventType, raw []byte) (EventData, error) {
	switch t {
	case EventCreated:
		return decodeEvent[CreatedData](t, raw)
	case EventStatusChanged:
		return decodeEvent[StatusChangedData](t, raw)
	case EventPriorityChanged:
		return decodeEvent[PriorityChangedData](t, raw)
	case EventNoteAdded:
		return decodeEvent[NoteAddedData](t, raw)
	case EventAgentAction:
		return decodeEvent[AgentActionData](t, raw)
	case EventDependencyAdded:
		return decodeEvent[DependencyAddedData](t, raw)
	case EventDependencyRemoved:
		return decodeEvent[DependencyRemovedData](t, raw)
	case EventContextUpdated:
		return decodeEvent[ContextUpdatedData](t, raw)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func decodeEvent[T EventData](t EventType, raw []byte) (EventData, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", t, err)
		}
	}
	return v, nil
}

// UnmarshalJSON decodes the payload into the concrete type named by
// event_type.
func (e *TicketEvent) UnmarshalJSON(b []byte) error {
	var wire struct {
		ID        int64           `json:"id"`
		TicketID  int64           `json:"ticket_id"`
		Type      EventType       `json:"event_type"`
		Data      json.RawMessage `json:"data"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	data, err := DecodeEventData(wire.Type, wire.Data)
	if err != nil {
		return err
	}
	*e = TicketEvent{
		ID:        wire.ID,
		TicketID:  wire.TicketID,
		Type:      wire.Type,
		Data:      data,
		CreatedAt: wire.CreatedAt,
	}
	return nil
}
