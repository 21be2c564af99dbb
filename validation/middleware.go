// Package validation bounds what the order intake accepts before anything
// reaches the matching engine.
package validation

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const MaxRequestBodySize = 1 << 20 // 1 MiB

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  string    `json:"code"`
	Time  time.Time `json:"timestamp"`
}

// Middleware applies request-level guards: content type and body size
type Middleware struct {
	maxBodySize int64
}

func NewMiddleware(maxBodySize int64) *Middleware {
	if maxBodySize <= 0 {
		maxBodySize = MaxRequestBodySize
	}
	return &Middleware{maxBodySize: maxBodySize}
}

// Handler enforces application/json on mutating requests and caps the body
// size for every request.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				sendError(w, "expected application/json", "INVALID_CONTENT_TYPE",
					http.StatusUnsupportedMediaType)
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxBodySize)
		next.ServeHTTP(w, r)
	})
}

func sendError(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
		Time:  time.Now().UTC(),
	})
}
