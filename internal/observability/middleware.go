package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"

	"portfolio-api/internal/ratelimit"
)

// statusRecorder remembers what the handler sent so the access log and the
// panic handler can see it.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	bytes       int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.statusCode = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func recorderFor(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// RequestLoggingMiddleware writes one http_request line per request. Server
// errors log at error level and throttled requests at warn.
func RequestLoggingMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := recorderFor(w)
		next.ServeHTTP(recorder, r)

		fields := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      recorder.statusCode,
			"bytes":       recorder.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          ratelimit.ClientIP(r),
		}
		if remaining := recorder.Header().Get("X-RateLimit-Remaining"); remaining != "" {
			fields["rate_limit_remaining"] = remaining
		}

		switch {
		case recorder.statusCode >= http.StatusInternalServerError:
			logger.Error("http_request", fields)
		case recorder.statusCode == http.StatusTooManyRequests:
			logger.Warn("http_request", fields)
		default:
			logger.Info("http_request", fields)
		}
	})
}

// RecoverMiddleware turns a panic into a 500. If the handler already started
// the response, the status cannot change and only the report is sent.
func RecoverMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := recorderFor(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("path", r.URL.Path)
				scope.SetExtra("panic", rec)
				scope.SetExtra("stack", string(debug.Stack()))
				sentry.CaptureMessage("panic in request")
			})

			logger.Error("panic_recovered", map[string]any{
				"path":   r.URL.Path,
				"method": r.Method,
				"panic":  fmt.Sprint(rec),
			})

			if recorder.wroteHeader {
				return
			}
			recorder.Header().Set("Content-Type", "application/json")
			recorder.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(recorder).Encode(map[string]string{"error": "internal server error"})
		}()

		next.ServeHTTP(recorder, r)
	})
}

// CaptureError reports an unexpected failure to Sentry and the log. Callers pass
// only operation context in fields, never credentials.
func CaptureError(logger *Logger, event string, err error, fields map[string]any) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)

	if logger == nil {
		return
	}
	payload := map[string]any{"error": err.Error()}
	for k, v := range fields {
		payload[k] = v
	}
	logger.Error(event, payload)
}
