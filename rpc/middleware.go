package rpc

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"vaultd/observability"
)

const requestIDHeader = "X-Request-Id"

// requestID tags every request with a correlation id, honouring one supplied
// by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// moduleObserver records request counts and latency per module into the
// process metrics registry.
func moduleObserver(module string) func(http.Handler) http.Handler {
	metrics := observability.ModuleMetrics()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			metrics.Observe(module, r.Method+" "+r.URL.Path, recorder.status, time.Since(started))
		})
	}
}
