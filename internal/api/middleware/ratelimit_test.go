package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/good-yellow-bee/sentinel/internal/ratelimit"
)

func TestRateLimitByIP(t *testing.T) {
	registry, err := ratelimit.NewRegistry(ratelimit.RegistryConfig{
		Default: ratelimit.BucketConfig{Capacity: 2, RefillRate: 0},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	handler := RateLimitByIP(registry)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("10.0.0.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := send("10.0.0.1:5678")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RATE_LIMITED") {
		t.Errorf("body = %s, want RATE_LIMITED code", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") != "86400" {
		t.Errorf("Retry-After = %q, want 86400 for a non-refilling bucket", rec.Header().Get("Retry-After"))
	}

	if rec := send("10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("other client limited: %d", rec.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:4000", "192.0.2.1"},
		{"forwarded", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "192.0.2.1:4000", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "192.0.2.1:4000", "198.51.100.7"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "192.0.2.1:4000", "203.0.113.5"},
		{"forwarded with port", map[string]string{"X-Forwarded-For": "203.0.113.5:999"}, "192.0.2.1:4000", "203.0.113.5"},
		{"bare remote", nil, "192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
