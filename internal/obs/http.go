package obs

import (
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
)

// RequestContextMiddleware assigns each request a connection id (honoring a
// caller-supplied X-Request-Id) and injects it into the request context so
// every log line of the request carries it.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if connID == "" {
			connID = NewConnID()
		}
		w.Header().Set("X-Request-Id", connID)

		ctx := WithConnID(r.Context(), connID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLogMiddleware emits one structured access event per request.
func AccessLogMiddleware(pkg string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		reqBytes := int64(0)
		if r.ContentLength > 0 {
			reqBytes = r.ContentLength
		}

		durMS := float64(m.Duration.Microseconds()) / 1000.0
		From(r.Context()).
			With("pkg", pkg).
			Debug(
				"http_access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", m.Code,
				"dur_ms", durMS,
				"req_bytes", reqBytes,
				"resp_bytes", m.Written,
			)
	})
}
