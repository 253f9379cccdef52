// Package invariants serves the invariant definition endpoints.
package invariants

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/api/respond"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

// Evaluator checks one invariant and opens a ticket when it fails.
type Evaluator interface {
	Evaluate(ctx context.Context, inv *models.Invariant) models.InvariantEvaluation
	CreateViolationTicket(ctx context.Context, eval models.InvariantEvaluation) (*models.Ticket, error)
}

// Handler handles invariant endpoints.
type Handler struct {
	invariants storage.InvariantRepository
	evaluator  Evaluator
	logger     *zap.SugaredLogger
}

// NewHandler creates an invariant handler.
func NewHandler(invariants storage.InvariantRepository, evaluator Evaluator, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{invariants: invariants, evaluator: evaluator, logger: logger}
}

// Routes mounts the invariant endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
		r.Post("/evaluate", h.Evaluate)
	})
}

// CreateRequest is the body of POST /invariants.
type CreateRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description"`
	Query       string `json:"query" validate:"required"`
	Condition   string `json:"condition" validate:"required"`
	Enabled     *bool  `json:"enabled"`
}

// UpdateRequest is the body of PUT /invariants/{id}. Omitted fields are kept.
type UpdateRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description"`
	Query       *string `json:"query" validate:"omitempty,min=1"`
	Condition   *string `json:"condition" validate:"omitempty,min=1"`
	Enabled     *bool   `json:"enabled"`
}

// EvaluateResponse is returned by POST /invariants/{id}/evaluate.
type EvaluateResponse struct {
	Evaluation models.InvariantEvaluation `json:"evaluation"`
	Ticket     *models.Ticket             `json:"ticket,omitempty"`
}

// List returns all invariants.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	invs, err := h.invariants.List(r.Context())
	if err != nil {
		h.fail(w, "list invariants", err)
		return
	}
	if invs == nil {
		invs = []*models.Invariant{}
	}
	respond.OK(w, invs)
}

// Create adds an invariant. The condition must parse.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	inv := models.NewInvariant(req.Name, req.Query, req.Condition)
	inv.Description = req.Description
	if req.Enabled != nil {
		inv.Enabled = *req.Enabled
	}
	if err := inv.Validate(); err != nil {
		respond.JSONError(w, respond.FromError(err))
		return
	}

	if err := h.invariants.Create(r.Context(), inv); err != nil {
		h.fail(w, "create invariant", err)
		return
	}
	h.logger.Infow("invariant created", "invariant_id", inv.ID, "name", inv.Name)
	respond.Created(w, inv)
}

// Get returns one invariant.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	respond.OK(w, inv)
}

// Update changes an invariant.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	if req.Name != nil {
		inv.Name = *req.Name
	}
	if req.Description != nil {
		inv.Description = *req.Description
	}
	if req.Query != nil {
		inv.Query = *req.Query
	}
	if req.Condition != nil {
		inv.Condition = *req.Condition
	}
	if req.Enabled != nil {
		inv.Enabled = *req.Enabled
	}
	inv.UpdatedAt = time.Now().UTC()
	if err := inv.Validate(); err != nil {
		respond.JSONError(w, respond.FromError(err))
		return
	}

	if err := h.invariants.Update(r.Context(), inv); err != nil {
		h.fail(w, "update invariant", err)
		return
	}
	respond.OK(w, inv)
}

// Delete removes an invariant.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(chi.URLParam(r, "id"))
	if err != nil {
		respond.JSONError(w, respond.NewBadRequest(err.Error()))
		return
	}
	if err := h.invariants.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete invariant", err)
		return
	}
	respond.NoContent(w)
}

// Evaluate checks the invariant now. With ?create_ticket=true a failure
// opens a deduplicated ticket.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	if h.evaluator == nil {
		respond.JSONError(w, &respond.Error{
			Code:    respond.ErrCodeUnavailable,
			Message: "no metric source configured",
			Status:  http.StatusServiceUnavailable,
		})
		return
	}
	inv, ok := h.load(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	resp := EvaluateResponse{Evaluation: h.evaluator.Evaluate(ctx, inv)}
	if r.URL.Query().Get("create_ticket") == "true" && !resp.Evaluation.IsPassing {
		ticket, err := h.evaluator.CreateViolationTicket(ctx, resp.Evaluation)
		if err != nil {
			h.fail(w, "create violation ticket", err)
			return
		}
		resp.Ticket = ticket
	}
	respond.OK(w, resp)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*models.Invariant, bool) {
	id, err := respond.IDParam(chi.URLParam(r, "id"))
	if err != nil {
		respond.JSONError(w, respond.NewBadRequest(err.Error()))
		return nil, false
	}
	inv, err := h.invariants.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, "get invariant", err)
		return nil, false
	}
	if inv == nil {
		respond.JSONError(w, respond.NewNotFound("invariant not found"))
		return nil, false
	}
	return inv, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	apiErr := respond.FromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		h.logger.Errorw(op+" failed", "error", err)
	}
	respond.JSONError(w, apiErr)
}
