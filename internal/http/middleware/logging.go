package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nofearsk/rtspserver/internal/observability"
)

// accessRecorder captures the status code and body size written by the
// downstream handler.
type accessRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func (rec *accessRecorder) WriteHeader(code int) {
	if rec.wrote {
		return
	}
	rec.status = code
	rec.wrote = true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *accessRecorder) Write(b []byte) (int, error) {
	if !rec.wrote {
		rec.WriteHeader(http.StatusOK)
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer so http.ResponseController and
// the compression middleware keep working.
func (rec *accessRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// RequestLogger logs one line per request. Successful requests are
// skipped entirely while the enable_request_logging setting is off.
//
// Media requests log at trace: a playing viewer fetches a segment every
// couple of seconds, which would drown the access log even at debug.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &accessRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 400 && !observability.IsRequestLoggingEnabled() {
				return
			}

			logger.Log(r.Context(), requestLevel(rec.status, r.URL.Path), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int("bytes", rec.bytes),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", GetRequestID(r.Context())),
			)
		})
	}
}

func requestLevel(status int, path string) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case strings.HasPrefix(path, "/hls/"):
		return observability.LevelTrace
	default:
		return slog.LevelInfo
	}
}
