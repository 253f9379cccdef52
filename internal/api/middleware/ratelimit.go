package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/good-yellow-bee/sentinel/internal/api/respond"
	"github.com/good-yellow-bee/sentinel/internal/ratelimit"
)

// RateLimitByIP takes one token per request from a per-client bucket
// created from the registry defaults. Denied requests get 429 with a
// Retry-After rounded up to whole seconds.
func RateLimitByIP(registry *ratelimit.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucket, err := registry.GetOrCreate("ip:" + clientIP(r))
			if err != nil {
				// A misconfigured limiter must not take the API down.
				next.ServeHTTP(w, r)
				return
			}
			if d, err := bucket.TryAcquire(1); err == nil && !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Wait.Seconds()))))
				respond.JSONError(w, &respond.Error{
					Code:    respond.ErrCodeRateLimited,
					Message: "too many requests",
					Status:  http.StatusTooManyRequests,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the left-most X-Forwarded-For entry, then X-Real-IP,
// then the connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return stripPort(strings.TrimSpace(first))
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
