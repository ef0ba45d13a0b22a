package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/autoclip/autoclip-worker/errors"
	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/metrics"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

// LogRequest assigns each request an id, logs its outcome and records the
// latency metric. Panics in handlers become a 500 instead of killing the
// connection.
func LogRequest() func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			r.Header.Set("X-Request-Id", requestID)

			defer func() {
				if rec := recover(); rec != nil {
					errors.WriteHTTPInternalServerError(wrapped, "Internal Server Error", nil)
					log.Log(requestID, "panic in request handler", "err", rec, "trace", string(debug.Stack()))
				}
				duration := time.Since(start)
				metrics.Metrics.HTTPRequestDurationSec.
					WithLabelValues(r.Method, strconv.Itoa(wrapped.status)).
					Observe(duration.Seconds())
				log.Log(requestID, "http request",
					"remote", r.RemoteAddr,
					"method", r.Method,
					"uri", log.RedactURL(r.URL.RequestURI()),
					"duration", duration,
					"status", wrapped.status,
				)
			}()

			next(wrapped, r, ps)
		}
	}
}

// RequestID returns the id assigned by LogRequest.
func RequestID(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}
