package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
)

type errorLogger interface {
	Error(message string, fields map[string]any)
}

// Middleware applies the auth policy to the given credential routes and the
// API policy to every other path under /api/. Anything else passes through.
type Middleware struct {
	limiter    *Limiter
	auth       Policy
	api        Policy
	authRoutes map[string]struct{}
	logger     errorLogger
}

func NewMiddleware(limiter *Limiter, auth, api Policy, authRoutes []string, logger errorLogger) *Middleware {
	routes := make(map[string]struct{}, len(authRoutes))
	for _, route := range authRoutes {
		routes[route] = struct{}{}
	}
	return &Middleware{
		limiter:    limiter,
		auth:       auth,
		api:        api,
		authRoutes: routes,
		logger:     logger,
	}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy, ok := m.policyFor(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := m.limiter.Allow(r.Context(), policy, ClientIP(r))
		if err != nil {
			if m.logger != nil {
				m.logger.Error("rate_limit_store_failed", map[string]any{
					"scope": policy.Scope,
					"path":  r.URL.Path,
					"error": err.Error(),
				})
			}
			writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Capacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) policyFor(r *http.Request) (Policy, bool) {
	if _, ok := m.authRoutes[r.URL.Path]; ok && r.Method == http.MethodPost {
		return m.auth, true
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return m.api, true
	}
	return Policy{}, false
}

func retryAfterSeconds(d Decision) int {
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
