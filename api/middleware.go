package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/youssefsiam38/aiopg/metrics"
)

// RunIDHeader correlates a request with its event trail. Clients may
// preset it; the server echoes it on every response.
const RunIDHeader = "X-Run-Id"

type contextKey string

const runIDKey contextKey = "run_id"

// RunIDFromContext returns the run id attached by the middleware, or
// empty when outside a request.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// withRunID derives the run id from the inbound header when it parses as
// a UUID, otherwise generates a fresh one, and echoes it back.
func (s *Server) withRunID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID := r.Header.Get(RunIDHeader)
		if _, err := uuid.Parse(runID); err != nil {
			runID = uuid.New().String()
		}

		w.Header().Set(RunIDHeader, runID)
		ctx := context.WithValue(r.Context(), runIDKey, runID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the written status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withLogging emits one-line JSON request_start/request_end records and
// feeds the HTTP metrics.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		runID := RunIDFromContext(r.Context())

		s.logger.Info("request_start",
			"event", "request_start",
			"method", r.Method,
			"path", r.URL.Path,
			"run_id", runID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		took := time.Since(start)
		metrics.HTTPRequest(r.URL.Path, rec.status, took)

		event := "request_end"
		if rec.status >= http.StatusInternalServerError {
			event = "request_error"
		}
		s.logger.Info(event,
			"event", event,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took_ms", took.Milliseconds(),
			"run_id", runID)
	})
}
