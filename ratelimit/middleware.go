package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/corebook/trading-engine/logging"
)

// Middleware applies per-client rate limiting to HTTP handlers. When the
// limiter itself fails the request is allowed through; shedding legitimate
// traffic on a limiter outage is worse than briefly not limiting.
type Middleware struct {
	limiter   *TokenBucketLimiter
	skipPaths map[string]bool
}

func NewMiddleware(limiter *TokenBucketLimiter, skipPaths ...string) *Middleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &Middleware{limiter: limiter, skipPaths: skip}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		clientKey := extractClientKey(r)
		result, err := m.limiter.Allow(r.Context(), clientKey)
		if err != nil {
			logging.LogWithFields(logrus.WarnLevel, "rate limiter unavailable, allowing request", logrus.Fields{
				"event":      "rate_limit_error",
				"client_key": clientKey,
				"error":      err.Error(),
			})
			next.ServeHTTP(w, r)
			return
		}

		if !result.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", result.RetryAfter.Seconds()))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractClientKey prefers the API key header, then the forwarded client
// address, then the direct peer address.
func extractClientKey(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return "api:" + apiKey
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return "ip:" + strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
