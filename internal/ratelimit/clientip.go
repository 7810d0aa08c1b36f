package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP prefers the first X-Forwarded-For entry, then X-Real-IP, then the
// connection address. The order only makes sense behind a trusted proxy that
// overwrites these headers.
func ClientIP(r *http.Request) string {
	if xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xForwardedFor != "" {
		first, _, _ := strings.Cut(xForwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}
