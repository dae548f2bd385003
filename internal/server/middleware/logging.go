package middleware

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/binarysim/internal/domain"
)

// requestLogKey carries the per-request *requestLog that Auth fills in, since
// Logging wraps Auth and never sees the inner request's context.
type requestLogKey struct{}

type requestLog struct {
	actor    domain.Actor
	hasActor bool
}

// noteActor records a on the request log slot in ctx, if there is one.
func noteActor(ctx context.Context, a domain.Actor) {
	if rl, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		rl.actor, rl.hasActor = a, true
	}
}

// Logging returns middleware that writes one structured line per request:
// method, path, status, bytes written, duration, client IP and, once Auth has
// run, the caller's user id and role. 5xx responses log at error level and
// 4xx at warn; health checks drop to debug.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rl := &requestLog{}
			r = r.WithContext(context.WithValue(r.Context(), requestLogKey{}, rl))

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("bytes", rw.written),
				slog.Duration("duration", time.Since(start)),
				slog.String("client_ip", extractClientIP(r)),
			}
			if rl.hasActor {
				attrs = append(attrs,
					slog.String("user_id", rl.actor.ID),
					slog.String("role", string(rl.actor.Role)),
				)
			}
			logger.LogAttrs(r.Context(), requestLevel(r, rw.statusCode), "http request", attrs...)
		})
	}
}

func requestLevel(r *http.Request, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case r.URL.Path == "/api/health":
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack lets the /ws upgrade pass through.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("middleware: response writer does not support hijacking")
	}
	return h.Hijack()
}
