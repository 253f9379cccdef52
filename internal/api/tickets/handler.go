// Package tickets serves the remediation ticket endpoints.
package tickets

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/api/respond"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
	"github.com/good-yellow-bee/sentinel/internal/ticketgraph"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler handles ticket endpoints.
type Handler struct {
	tickets storage.TicketRepository
	logger  *zap.SugaredLogger
}

// NewHandler creates a ticket handler.
func NewHandler(tickets storage.TicketRepository, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{tickets: tickets, logger: logger}
}

// Routes mounts the ticket endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/ready", h.Ready)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
		r.Delete("/", h.Delete)
		r.Get("/events", h.ListEvents)
		r.Post("/events", h.AddEvent)
		r.Get("/dependencies", h.ListDependencies)
		r.Post("/dependencies", h.AddDependency)
		r.Delete("/dependencies/{dependsOnID}", h.RemoveDependency)
	})
}

// CreateRequest is the body of POST /tickets.
type CreateRequest struct {
	Objective       string          `json:"objective" validate:"required,max=2000"`
	SuccessCriteria string          `json:"success_criteria" validate:"max=4000"`
	Context         models.Document `json:"context"`
	Priority        string          `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	SourceType      string          `json:"source_type" validate:"omitempty,oneof=human slo_violation invariant_violation anomaly scheduled webhook"`
	SourceID        string          `json:"source_id" validate:"max=255"`
	DependsOn       []int64         `json:"depends_on" validate:"dive,gt=0"`
}

// UpdateRequest is the body of PATCH /tickets/{id}. Omitted fields are kept.
type UpdateRequest struct {
	Objective       *string         `json:"objective" validate:"omitempty,min=1,max=2000"`
	SuccessCriteria *string         `json:"success_criteria" validate:"omitempty,max=4000"`
	Context         models.Document `json:"context"`
	Status          *string         `json:"status" validate:"omitempty,oneof=pending in_progress completed failed blocked"`
	Priority        *string         `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	Reason          string          `json:"reason" validate:"max=1000"`
}

// EventRequest is the body of POST /tickets/{id}/events.
type EventRequest struct {
	EventType string `json:"event_type" validate:"required,oneof=note_added agent_action"`
	Author    string `json:"author" validate:"max=255"`
	Note      string `json:"note" validate:"required_if=EventType note_added"`
	Action    string `json:"action" validate:"required_if=EventType agent_action"`
	Detail    string `json:"detail"`
	Outcome   string `json:"outcome"`
}

// DependencyRequest is the body of POST /tickets/{id}/dependencies.
type DependencyRequest struct {
	DependsOnID int64 `json:"depends_on_id" validate:"required,gt=0"`
}

// TicketDetail is a ticket with its history and readiness.
type TicketDetail struct {
	*models.Ticket
	IsReady      bool                       `json:"is_ready"`
	BlockedBy    []int64                    `json:"blocked_by,omitempty"`
	Dependencies []*models.TicketDependency `json:"dependencies"`
	Events       []*models.TicketEvent      `json:"events"`
}

// List returns tickets filtered by status, priority and source. The status
// value "ready" returns ready tickets in work order.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	if q.Get("status") == "ready" {
		h.listReady(w, r, limit)
		return
	}

	filter := models.TicketFilter{
		SourceID: q.Get("source_id"),
		Limit:    limit,
		Offset:   offset,
	}
	for _, raw := range q["status"] {
		st, err := models.ParseTicketStatus(raw)
		if err != nil {
			respond.JSONError(w, respond.NewValidationError(err.Error()))
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, raw := range q["priority"] {
		p, err := models.ParsePriority(raw)
		if err != nil {
			respond.JSONError(w, respond.NewValidationError(err.Error()))
			return
		}
		filter.Priorities = append(filter.Priorities, p)
	}
	if raw := q.Get("source_type"); raw != "" {
		st := models.SourceType(raw)
		if !st.IsValid() {
			respond.JSONError(w, respond.NewValidationError("invalid source_type"))
			return
		}
		filter.SourceType = st
	}

	tickets, total, err := h.tickets.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list tickets", err)
		return
	}
	respond.OK(w, respond.PaginatedResponse{
		Items:  nonNil(tickets),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Ready returns tickets that can be worked on now, in work order.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := pagination(w, r)
	if !ok {
		return
	}
	h.listReady(w, r, limit)
}

func (h *Handler) listReady(w http.ResponseWriter, r *http.Request, limit int) {
	tickets, err := h.tickets.ListReady(r.Context(), limit)
	if err != nil {
		h.fail(w, "list ready tickets", err)
		return
	}
	respond.OK(w, respond.PaginatedResponse{
		Items: nonNil(tickets),
		Total: int64(len(tickets)),
		Limit: limit,
	})
}

// Create opens a ticket, optionally with dependencies.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	priority := models.PriorityMedium
	if req.Priority != "" {
		priority = models.Priority(req.Priority)
	}
	source := models.SourceHuman
	if req.SourceType != "" {
		source = models.SourceType(req.SourceType)
	}

	ctx := r.Context()
	dependsOn := uniqueIDs(req.DependsOn)
	for _, depID := range dependsOn {
		dep, err := h.tickets.GetByID(ctx, depID)
		if err != nil {
			h.fail(w, "check dependency", err)
			return
		}
		if dep == nil {
			respond.JSONError(w, respond.NewValidationError("dependency ticket "+strconv.FormatInt(depID, 10)+" not found"))
			return
		}
	}

	ticket := models.NewTicket(req.Objective, priority, source)
	ticket.SuccessCriteria = req.SuccessCriteria
	ticket.SourceID = req.SourceID
	if req.Context != nil {
		ticket.Context = req.Context
	}

	if err := h.tickets.CreateWithDependencies(ctx, ticket, "api", dependsOn); err != nil {
		h.fail(w, "create ticket", err)
		return
	}

	h.logger.Infow("ticket created", "ticket_id", ticket.ID, "priority", ticket.Priority, "source_type", ticket.SourceType)
	detail, err := h.detail(r, ticket)
	if err != nil {
		h.fail(w, "load ticket", err)
		return
	}
	respond.Created(w, detail)
}

// Get returns a ticket with events, dependencies and readiness.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ticket, ok := h.load(w, r)
	if !ok {
		return
	}
	detail, err := h.detail(r, ticket)
	if err != nil {
		h.fail(w, "load ticket", err)
		return
	}
	respond.OK(w, detail)
}

// Update changes fields of a ticket. Each change records its event.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	update := storage.TicketUpdate{
		Objective:       req.Objective,
		SuccessCriteria: req.SuccessCriteria,
		Context:         req.Context,
		Reason:          req.Reason,
	}
	if req.Status != nil {
		st := models.TicketStatus(*req.Status)
		update.Status = &st
	}
	if req.Priority != nil {
		p := models.Priority(*req.Priority)
		update.Priority = &p
	}

	ticket, err := h.tickets.Update(r.Context(), id, update)
	if err != nil {
		h.fail(w, "update ticket", err)
		return
	}
	respond.OK(w, ticket)
}

// Delete removes a ticket with its events and dependency edges.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.tickets.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete ticket", err)
		return
	}
	h.logger.Infow("ticket deleted", "ticket_id", id)
	respond.NoContent(w)
}

// ListEvents returns the ticket history, oldest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ticket, ok := h.load(w, r)
	if !ok {
		return
	}
	events, err := h.tickets.ListEvents(r.Context(), ticket.ID)
	if err != nil {
		h.fail(w, "list events", err)
		return
	}
	respond.OK(w, nonNil(events))
}

// AddEvent records a note or an agent action.
func (h *Handler) AddEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req EventRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	var data models.EventData
	if models.EventType(req.EventType) == models.EventNoteAdded {
		data = models.NoteAddedData{Author: req.Author, Note: req.Note}
	} else {
		data = models.AgentActionData{Action: req.Action, Detail: req.Detail, Outcome: req.Outcome}
	}

	event, err := h.tickets.AddEvent(r.Context(), id, data)
	if err != nil {
		h.fail(w, "add event", err)
		return
	}
	respond.Created(w, event)
}

// ListDependencies returns the edges from a ticket.
func (h *Handler) ListDependencies(w http.ResponseWriter, r *http.Request) {
	ticket, ok := h.load(w, r)
	if !ok {
		return
	}
	deps, err := h.tickets.ListDependencies(r.Context(), ticket.ID)
	if err != nil {
		h.fail(w, "list dependencies", err)
		return
	}
	respond.OK(w, nonNil(deps))
}

// AddDependency makes the ticket wait for another one. Cycles are allowed
// but logged.
func (h *Handler) AddDependency(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req DependencyRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if graph, err := h.tickets.DependencyGraph(ctx); err == nil {
		if ticketgraph.WouldCycle(graph, id, req.DependsOnID) {
			h.logger.Warnw("dependency closes a cycle; tickets in it will never become ready",
				"ticket_id", id, "depends_on_id", req.DependsOnID)
		}
	} else {
		h.logger.Warnw("load dependency graph failed", "error", err)
	}

	dep, err := h.tickets.AddDependency(ctx, id, req.DependsOnID)
	if err != nil {
		h.fail(w, "add dependency", err)
		return
	}
	respond.Created(w, dep)
}

// RemoveDependency deletes an edge.
func (h *Handler) RemoveDependency(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	depID, ok := idParam(w, r, "dependsOnID")
	if !ok {
		return
	}
	if err := h.tickets.RemoveDependency(r.Context(), id, depID); err != nil {
		h.fail(w, "remove dependency", err)
		return
	}
	respond.NoContent(w)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*models.Ticket, bool) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return nil, false
	}
	ticket, err := h.tickets.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, "get ticket", err)
		return nil, false
	}
	if ticket == nil {
		respond.JSONError(w, respond.NewNotFound("ticket not found"))
		return nil, false
	}
	return ticket, true
}

func (h *Handler) detail(r *http.Request, ticket *models.Ticket) (*TicketDetail, error) {
	ctx := r.Context()
	events, err := h.tickets.ListEvents(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	deps, err := h.tickets.ListDependencies(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	statuses, err := h.tickets.DependencyStatuses(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	return &TicketDetail{
		Ticket:       ticket,
		IsReady:      ticketgraph.Ready(ticket, statuses),
		BlockedBy:    ticketgraph.Blockers(statuses),
		Dependencies: nonNil(deps),
		Events:       nonNil(events),
	}, nil
}

// fail logs unexpected errors and writes the mapped response.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	apiErr := respond.FromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		h.logger.Errorw(op+" failed", "error", err)
	}
	respond.JSONError(w, apiErr)
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := respond.IDParam(chi.URLParam(r, name))
	if err != nil {
		respond.JSONError(w, respond.NewBadRequest(err.Error()))
		return 0, false
	}
	return id, true
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	limit = defaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respond.JSONError(w, respond.NewBadRequest("limit must be a positive integer"))
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respond.JSONError(w, respond.NewBadRequest("offset must be a non-negative integer"))
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// uniqueIDs drops repeated ids, keeping first occurrence order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
