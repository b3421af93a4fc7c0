package logging

import (
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	requestIDHeader = "X-Request-ID"
	sessionIDHeader = "Mcp-Session-Id"
)

// HTTPMiddleware logs each HTTP exchange once it finishes. The request id is
// taken from X-Request-ID or minted as a ULID, echoed back, and stored in the
// request context. 5xx responses log at error, 4xx at warn.
func HTTPMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(requestIDHeader)
			if requestID == "" {
				requestID = ulid.Make().String()
			}
			w.Header().Set(requestIDHeader, requestID)
			r = r.WithContext(ContextWithRequestID(r.Context(), requestID))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			sessionID := rec.Header().Get(sessionIDHeader)
			if sessionID == "" {
				sessionID = r.Header.Get(sessionIDHeader)
			}
			l := logger.WithFields(
				String("request_id", requestID),
				String("http_method", r.Method),
				String("path", r.URL.Path),
				String("remote_addr", r.RemoteAddr),
				String("session_id", sessionID),
				Int("status", rec.status),
				Int("bytes", rec.written),
				Duration("duration", time.Since(start)),
			)

			switch {
			case rec.status >= 500:
				l.Error("http exchange failed")
			case rec.status >= 400:
				l.Warn("http exchange rejected")
			case isEventStream(r):
				l.Info("event stream closed")
			default:
				l.Debug("http exchange completed")
			}
		})
	}
}

func isEventStream(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// statusRecorder captures the status and body size. It keeps Flush working
// so event streams pass through.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(p)
	rec.written += n
	return n, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}
