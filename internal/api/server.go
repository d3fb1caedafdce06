// Package api is the HTTP control surface of the replay engine. Streams
// are delivered as server-sent events; every other route is plain JSON.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/banshee-data/sensor.replay/internal/config"
	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/httputil"
	"github.com/banshee-data/sensor.replay/internal/monitoring"
	"github.com/banshee-data/sensor.replay/internal/stream"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

var logf = monitoring.Component("api")

// Server routes HTTP requests to the stream manager.
type Server struct {
	manager   *stream.Manager
	important fetch.ImportanceStore
	cfg       *config.StreamConfig
}

// NewServer returns a Server. important may be nil, in which case the
// importance toggle answers 501.
func NewServer(m *stream.Manager, important fetch.ImportanceStore, cfg *config.StreamConfig) *Server {
	return &Server{manager: m, important: important, cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen
	case statusCode >= 300 && statusCode < 400:
		return colorCyan
	case statusCode >= 400 && statusCode < 500:
		return colorYellow
	default:
		return colorBoldRed
	}
}

// LoggingMiddleware logs method, path, status and duration of every
// request. Streams are logged when they end.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"%s%d%s %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), lrw.statusCode, colorReset, r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stream", s.openStream)
	mux.HandleFunc("GET /api/stream/snapshot", s.snapshot)
	mux.HandleFunc("POST /api/stream/limit", s.setLimit)
	mux.HandleFunc("POST /api/stream/{id}/pause", s.pause)
	mux.HandleFunc("POST /api/stream/{id}/resume", s.resume)
	mux.HandleFunc("POST /api/stream/{id}/stop", s.stop)
	mux.HandleFunc("POST /api/stream/{id}/rewind", s.rewind)
	mux.HandleFunc("POST /api/stream/{id}/speed", s.speed)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/events/timestamps/{id}/important", s.setImportant)
	mux.HandleFunc("GET /api/config", s.showConfig)
	return mux
}

// writeError maps engine errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stream.ErrInvalidParameter), errors.Is(err, fetch.ErrInvalidLimit):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, stream.ErrSessionNotFound),
		errors.Is(err, fetch.ErrNotFound),
		errors.Is(err, fetch.ErrNoData):
		httputil.NotFound(w, err.Error())
	default:
		logf("internal error: %v", err)
		httputil.InternalServerError(w, err.Error())
	}
}
