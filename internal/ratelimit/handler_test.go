package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type testResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *errorBody      `json:"error"`
}

func newTestHandler(t *testing.T) (*Handler, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	reg := newTestRegistry(t, RegistryConfig{
		Default: BucketConfig{Capacity: 2, RefillRate: 1},
		Clock:   clock,
	})
	return NewHandler(reg, nil), clock
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp testResponse
	if rr.Body.Len() > 0 && strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
		}
	}
	return rr, resp
}

func TestHandler_AcquireUntilDenied(t *testing.T) {
	h, clock := newTestHandler(t)
	routes := h.Routes()

	for i := 0; i < 2; i++ {
		rr, _ := do(t, routes, http.MethodPost, "/acquire/api", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("acquire %d: status %d", i, rr.Code)
		}
	}

	rr, resp := do(t, routes, http.MethodPost, "/acquire/api", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rr.Header().Get("Retry-After"))
	}
	var d DecisionResponse
	json.Unmarshal(resp.Data, &d)
	if d.Allowed || d.WaitSeconds != 1 {
		t.Errorf("decision = %+v", d)
	}

	clock.Advance(time.Second)
	if rr, _ := do(t, routes, http.MethodPost, "/acquire/api", ""); rr.Code != http.StatusOK {
		t.Errorf("after refill status = %d", rr.Code)
	}
}

func TestHandler_AcquireCost(t *testing.T) {
	h, _ := newTestHandler(t)
	routes := h.Routes()

	if rr, _ := do(t, routes, http.MethodPost, "/acquire/api?cost=0", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("zero cost status = %d", rr.Code)
	}
	if rr, _ := do(t, routes, http.MethodPost, "/acquire/api?cost=abc", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad cost status = %d", rr.Code)
	}
	if rr, _ := do(t, routes, http.MethodPost, "/acquire/api?cost=3", ""); rr.Code != http.StatusTooManyRequests {
		t.Errorf("cost above capacity status = %d", rr.Code)
	}
}

func TestHandler_CheckDoesNotConsume(t *testing.T) {
	h, _ := newTestHandler(t)
	routes := h.Routes()

	if rr, _ := do(t, routes, http.MethodPost, "/check/api", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("check on missing bucket = %d", rr.Code)
	}
	do(t, routes, http.MethodPost, "/acquire/api", "")

	for i := 0; i < 3; i++ {
		rr, resp := do(t, routes, http.MethodPost, "/check/api", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("check status = %d", rr.Code)
		}
		var d DecisionResponse
		json.Unmarshal(resp.Data, &d)
		if !d.Allowed || d.TokensRemaining != 1 {
			t.Errorf("check decision = %+v", d)
		}
	}
}

func TestHandler_ConfigureGetDelete(t *testing.T) {
	h, _ := newTestHandler(t)
	routes := h.Routes()

	rr, _ := do(t, routes, http.MethodPut, "/buckets/jobs", `{"capacity":0,"refill_rate":1}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid config status = %d", rr.Code)
	}

	rr, resp := do(t, routes, http.MethodPut, "/buckets/jobs", `{"capacity":10,"refill_rate":0.5,"initial_tokens":4}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("configure status = %d", rr.Code)
	}
	var b BucketResponse
	json.Unmarshal(resp.Data, &b)
	if b.Name != "jobs" || b.Capacity != 10 || b.Tokens != 4 {
		t.Errorf("bucket = %+v", b)
	}

	rr, _ = do(t, routes, http.MethodGet, "/buckets/jobs", "")
	if rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}

	rr, resp = do(t, routes, http.MethodGet, "/buckets", "")
	var list []BucketResponse
	json.Unmarshal(resp.Data, &list)
	if rr.Code != http.StatusOK || len(list) != 1 {
		t.Errorf("list = %d %+v", rr.Code, list)
	}

	if rr, _ := do(t, routes, http.MethodDelete, "/buckets/jobs", ""); rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rr.Code)
	}
	if rr, _ := do(t, routes, http.MethodDelete, "/buckets/jobs", ""); rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rr.Code)
	}
	if rr, _ := do(t, routes, http.MethodGet, "/buckets/jobs", ""); rr.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rr.Code)
	}
}

func TestHandler_Reset(t *testing.T) {
	h, _ := newTestHandler(t)
	routes := h.Routes()

	do(t, routes, http.MethodPost, "/acquire/api?cost=2", "")
	rr, resp := do(t, routes, http.MethodPost, "/reset/api", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rr.Code)
	}
	var b BucketResponse
	json.Unmarshal(resp.Data, &b)
	if b.Tokens != 2 {
		t.Errorf("tokens after reset = %v, want 2", b.Tokens)
	}

	rr, resp = do(t, routes, http.MethodPost, "/reset/api", `{"tokens":0.5}`)
	json.Unmarshal(resp.Data, &b)
	if rr.Code != http.StatusOK || b.Tokens != 0.5 {
		t.Errorf("partial reset = %d %v", rr.Code, b.Tokens)
	}

	if rr, _ := do(t, routes, http.MethodPost, "/reset/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("reset missing status = %d", rr.Code)
	}
}

func TestHandler_PlayDead(t *testing.T) {
	h, _ := newTestHandler(t)
	routes := h.Routes()

	if rr, _ := do(t, routes, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health = %d", rr.Code)
	}

	do(t, routes, http.MethodPost, "/admin/play-dead", "")
	if rr, _ := do(t, routes, http.MethodGet, "/health", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("health after toggle = %d, want 503", rr.Code)
	}

	do(t, routes, http.MethodPost, "/admin/play-dead", `{"dead":false}`)
	if rr, _ := do(t, routes, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Errorf("health after revive = %d", rr.Code)
	}

	// Other endpoints keep working while dead.
	do(t, routes, http.MethodPost, "/admin/play-dead", `{"dead":true}`)
	if rr, _ := do(t, routes, http.MethodPost, "/acquire/api", ""); rr.Code != http.StatusOK {
		t.Errorf("acquire while dead = %d", rr.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	h, _ := newTestHandler(t)
	routes := h.Routes()
	do(t, routes, http.MethodPost, "/acquire/metered", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `sentinel_ratelimit_requests_total{bucket="metered",result="allowed"}`) {
		t.Error("metrics output missing acquisition counter")
	}
}
