package ratelimit

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/metrics"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

const (
	errCodeBadRequest = "BAD_REQUEST"
	errCodeNotFound   = "NOT_FOUND"
	errCodeRateLimit  = "RATE_LIMITED"
	errCodeInternal   = "INTERNAL_ERROR"
)

// Handler exposes a Registry over HTTP. It doubles as a supervised service:
// the health endpoint can be switched to failing at runtime.
type Handler struct {
	registry *Registry
	logger   *zap.SugaredLogger
	dead     atomic.Bool
}

// NewHandler creates a Handler.
func NewHandler(registry *Registry, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{registry: registry, logger: logger}
}

// Routes returns the service router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Post("/admin/play-dead", h.PlayDead)
	r.Post("/acquire/{bucket}", h.Acquire)
	r.Post("/check/{bucket}", h.Check)
	r.Post("/reset/{bucket}", h.Reset)
	r.Get("/buckets", h.List)
	r.Route("/buckets/{bucket}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Configure)
		r.Delete("/", h.Delete)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// DecisionResponse is returned by acquire and check.
type DecisionResponse struct {
	Bucket          string  `json:"bucket"`
	Allowed         bool    `json:"allowed"`
	TokensRemaining float64 `json:"tokens_remaining"`
	WaitSeconds     float64 `json:"wait_seconds"`
}

// BucketResponse describes one bucket.
type BucketResponse struct {
	Name string `json:"name"`
	BucketStats
}

// Health returns 200 unless the service was told to play dead.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.dead.Load() {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Data: map[string]string{"status": "unhealthy"}})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{
		"status":  "ok",
		"buckets": h.registry.Len(),
	}})
}

type playDeadRequest struct {
	Dead *bool `json:"dead"`
}

// PlayDead sets the health state. An empty body toggles it.
func (h *Handler) PlayDead(w http.ResponseWriter, r *http.Request) {
	var req playDeadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
			return
		}
	}

	dead := !h.dead.Load()
	if req.Dead != nil {
		dead = *req.Dead
	}
	h.dead.Store(dead)
	h.logger.Warnw("health state changed", "dead", dead)
	writeJSON(w, http.StatusOK, envelope{Data: map[string]bool{"dead": dead}})
}

// Acquire takes tokens from the bucket, creating it from defaults when
// missing. A denial answers 429 with a Retry-After hint.
func (h *Handler) Acquire(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	cost, ok := parseCost(w, r)
	if !ok {
		return
	}

	b, err := h.registry.GetOrCreate(name)
	if err != nil {
		h.logger.Errorw("create bucket failed", "bucket", name, "error", err)
		jsonError(w, http.StatusInternalServerError, errCodeInternal, "internal server error")
		return
	}

	d, err := b.TryAcquire(cost)
	if err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	observe(name, b, d)

	resp := decisionResponse(name, d)
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(envelope{
			Data:  resp,
			Error: &errorBody{Code: errCodeRateLimit, Message: "rate limit exceeded"},
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: resp})
}

// Check reports whether an acquire would succeed without consuming tokens.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	cost, ok := parseCost(w, r)
	if !ok {
		return
	}
	b, ok := h.bucket(w, name)
	if !ok {
		return
	}
	d, err := b.Check(cost)
	if err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: decisionResponse(name, d)})
}

type resetRequest struct {
	Tokens *float64 `json:"tokens"`
}

// Reset refills the bucket to capacity or to the requested level.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	var req resetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
			return
		}
	}
	b, ok := h.bucket(w, name)
	if !ok {
		return
	}
	var tokens []float64
	if req.Tokens != nil {
		tokens = append(tokens, *req.Tokens)
	}
	if err := b.Reset(tokens...); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	metrics.RateLimitTokens.WithLabelValues(name).Set(b.Tokens())
	writeJSON(w, http.StatusOK, envelope{Data: BucketResponse{Name: name, BucketStats: b.Stats()}})
}

// List returns all buckets sorted by name.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	resp := make([]BucketResponse, 0, len(snap))
	for _, name := range h.registry.Names() {
		if st, ok := snap[name]; ok {
			resp = append(resp, BucketResponse{Name: name, BucketStats: st})
		}
	}
	writeJSON(w, http.StatusOK, envelope{Data: resp})
}

// Get returns one bucket.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	b, ok := h.bucket(w, name)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: BucketResponse{Name: name, BucketStats: b.Stats()}})
}

// Configure creates or replaces a bucket.
func (h *Handler) Configure(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	var cfg BucketConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}
	b, err := h.registry.Configure(name, cfg)
	if err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	metrics.RateLimitCapacity.WithLabelValues(name).Set(b.Capacity())
	metrics.RateLimitRefillRate.WithLabelValues(name).Set(b.RefillRate())
	metrics.RateLimitTokens.WithLabelValues(name).Set(b.Tokens())
	h.logger.Infow("bucket configured", "bucket", name, "capacity", cfg.Capacity, "refill_rate", cfg.RefillRate)
	writeJSON(w, http.StatusOK, envelope{Data: BucketResponse{Name: name, BucketStats: b.Stats()}})
}

// Delete removes a bucket.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	if err := h.registry.Delete(name); err != nil {
		if errors.Is(err, ErrBucketNotFound) {
			jsonError(w, http.StatusNotFound, errCodeNotFound, "bucket not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, errCodeInternal, "internal server error")
		return
	}
	metrics.RateLimitTokens.DeleteLabelValues(name)
	metrics.RateLimitCapacity.DeleteLabelValues(name)
	metrics.RateLimitRefillRate.DeleteLabelValues(name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) bucket(w http.ResponseWriter, name string) (*TokenBucket, bool) {
	b, err := h.registry.Get(name)
	if err != nil {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "bucket not found")
		return nil, false
	}
	return b, true
}

// parseCost reads the optional cost query parameter; it defaults to 1.
func parseCost(w http.ResponseWriter, r *http.Request) (float64, bool) {
	raw := r.URL.Query().Get("cost")
	if raw == "" {
		return 1, true
	}
	cost, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(cost > 0) || math.IsInf(cost, 0) {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "cost must be a positive number")
		return 0, false
	}
	return cost, true
}

func observe(name string, b *TokenBucket, d Decision) {
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	metrics.RateLimitRequestsTotal.WithLabelValues(name, result).Inc()
	metrics.RateLimitTokens.WithLabelValues(name).Set(d.TokensRemaining)
	metrics.RateLimitCapacity.WithLabelValues(name).Set(b.Capacity())
	metrics.RateLimitRefillRate.WithLabelValues(name).Set(b.RefillRate())
}

func decisionResponse(name string, d Decision) DecisionResponse {
	return DecisionResponse{
		Bucket:          name,
		Allowed:         d.Allowed,
		TokensRemaining: d.TokensRemaining,
		WaitSeconds:     d.Wait.Seconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: message}})
}
