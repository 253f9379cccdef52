// Package slos serves the SLO definition endpoints.
package slos

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

// Evaluator checks one SLO and opens a ticket for a violation.
type Evaluator interface {
	Evaluate(ctx context.Context, slo *models.SLO) models.SLOEvaluation
	CreateViolationTicket(ctx context.Context, eval models.SLOEvaluation) (*models.Ticket, error)
}

// Handler handles SLO endpoints.
type Handler struct {
	slos      storage.SLORepository
	evaluator Evaluator
	logger    *zap.SugaredLogger
}

// NewHandler creates an SLO handler. evaluator may be nil, which disables
// the evaluate endpoint.
func NewHandler(slos storage.SLORepository, evaluator Evaluator, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{slos: slos, evaluator: evaluator, logger: logger}
}

// Routes mounts the SLO endpoints.
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

// CreateRequest is the body of POST /slos.
type CreateRequest struct {
	Name               string                              `json:"name" validate:"required,max=255"`
	Description        string                              `json:"description"`
	Target             float64                             `json:"target" validate:"gt=0,lte=1"`
	WindowDays         int                                 `json:"window_days" validate:"gte=0"`
	MetricQuery        string                              `json:"metric_query" validate:"required"`
	BurnRateThresholds map[string]models.BurnRateThreshold `json:"burn_rate_thresholds"`
	Enabled            *bool                               `json:"enabled"`
}

// UpdateRequest is the body of PUT /slos/{id}. Omitted fields are kept.
type UpdateRequest struct {
	Name               *string                             `json:"name" validate:"omitempty,min=1,max=255"`
	Description        *string                             `json:"description"`
	Target             *float64                            `json:"target" validate:"omitempty,gt=0,lte=1"`
	WindowDays         *int                                `json:"window_days" validate:"omitempty,gte=1"`
	MetricQuery        *string                             `json:"metric_query" validate:"omitempty,min=1"`
	BurnRateThresholds map[string]models.BurnRateThreshold `json:"burn_rate_thresholds"`
	Enabled            *bool                               `json:"enabled"`
}

// EvaluateResponse is returned by POST /slos/{id}/evaluate.
type EvaluateResponse struct {
	Evaluation models.SLOEvaluation `json:"evaluation"`
	Ticket     *models.Ticket       `json:"ticket,omitempty"`
}

// List returns all SLOs.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	slos, err := h.slos.List(r.Context())
	if err != nil {
		h.fail(w, "list slos", err)
		return
	}
	if slos == nil {
		slos = []*models.SLO{}
	}
	respond.OK(w, slos)
}

// Create adds an SLO.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	slo := models.NewSLO(req.Name, req.MetricQuery, req.Target)
	slo.Description = req.Description
	slo.WindowDays = req.WindowDays
	slo.BurnRateThresholds = req.BurnRateThresholds
	if req.Enabled != nil {
		slo.Enabled = *req.Enabled
	}
	slo.Normalize()
	if err := slo.Validate(); err != nil {
		respond.JSONError(w, respond.FromError(err))
		return
	}

	if err := h.slos.Create(r.Context(), slo); err != nil {
		h.fail(w, "create slo", err)
		return
	}
	h.logger.Infow("slo created", "slo_id", slo.ID, "name", slo.Name)
	respond.Created(w, slo)
}

// Get returns one SLO.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	slo, ok := h.load(w, r)
	if !ok {
		return
	}
	respond.OK(w, slo)
}

// Update changes an SLO.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	slo, ok := h.load(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if !respond.Decode(w, r, &req) {
		return
	}

	if req.Name != nil {
		slo.Name = *req.Name
	}
	if req.Description != nil {
		slo.Description = *req.Description
	}
	if req.Target != nil {
		slo.Target = *req.Target
	}
	if req.WindowDays != nil {
		slo.WindowDays = *req.WindowDays
	}
	if req.MetricQuery != nil {
		slo.MetricQuery = *req.MetricQuery
	}
	if req.BurnRateThresholds != nil {
		slo.BurnRateThresholds = req.BurnRateThresholds
	}
	if req.Enabled != nil {
		slo.Enabled = *req.Enabled
	}
	slo.UpdatedAt = time.Now().UTC()
	if err := slo.Validate(); err != nil {
		respond.JSONError(w, respond.FromError(err))
		return
	}

	if err := h.slos.Update(r.Context(), slo); err != nil {
		h.fail(w, "update slo", err)
		return
	}
	respond.OK(w, slo)
}

// Delete removes an SLO.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(chi.URLParam(r, "id"))
	if err != nil {
		respond.JSONError(w, respond.NewBadRequest(err.Error()))
		return
	}
	if err := h.slos.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete slo", err)
		return
	}
	respond.NoContent(w)
}

// Evaluate checks the SLO now. With ?create_ticket=true a violation opens
// a deduplicated ticket.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	if h.evaluator == nil {
		respond.JSONError(w, &respond.Error{
			Code:    respond.ErrCodeUnavailable,
			Message: "no metric source configured",
			Status:  http.StatusServiceUnavailable,
		})
		return
	}
	slo, ok := h.load(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	resp := EvaluateResponse{Evaluation: h.evaluator.Evaluate(ctx, slo)}
	if r.URL.Query().Get("create_ticket") == "true" && resp.Evaluation.IsViolating {
		ticket, err := h.evaluator.CreateViolationTicket(ctx, resp.Evaluation)
		if err != nil {
			h.fail(w, "create violation ticket", err)
			return
		}
		resp.Ticket = ticket
	}
	respond.OK(w, resp)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*models.SLO, bool) {
	id, err := respond.IDParam(chi.URLParam(r, "id"))
	if err != nil {
		respond.JSONError(w, respond.NewBadRequest(err.Error()))
		return nil, false
	}
	slo, err := h.slos.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, "get slo", err)
		return nil, false
	}
	if slo == nil {
		respond.JSONError(w, respond.NewNotFound("slo not found"))
		return nil, false
	}
	return slo, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	apiErr := respond.FromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		h.logger.Errorw(op+" failed", "error", err)
	}
	respond.JSONError(w, apiErr)
}
