package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	apierrors "peoplecore/internal/errors"
)

type apiClientKey struct{}

// APIKeyAuth guards maintenance endpoints (cache invalidation, sync
// history) with a static key set. The admin panel credential embedded
// in license tokens is unrelated to these keys.
func APIKeyAuth(logger *slog.Logger, validKeys map[string]string) func(next http.Handler) http.Handler {
	reject := func(w http.ResponseWriter, r *http.Request, reason, msg string) {
		logger.WarnContext(r.Context(), reason,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		apierrors.WriteError(w, apierrors.New(http.StatusUnauthorized, "UNAUTHORIZED", msg))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				reject(w, r, "missing API key", "API key required")
				return
			}

			client, ok := validKeys[key]
			if !ok {
				reject(w, r, "invalid API key", "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), apiClientKey{}, client)
			logger.DebugContext(ctx, "maintenance client authenticated",
				"client", client,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIClientFromContext returns the authenticated maintenance client name
func APIClientFromContext(ctx context.Context) string {
	client, _ := ctx.Value(apiClientKey{}).(string)
	return client
}

// AuditLog records an audit trail for sensitive license operations
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			client := APIClientFromContext(ctx)
			start := time.Now()

			logger.InfoContext(ctx, "audit log",
				"event_type", "api_access",
				"client", client,
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.Query().Encode(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)

			ww := &auditResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "audit log complete",
				"event_type", "api_response",
				"client", client,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start).String(),
			)
		})
	}
}

// auditResponseWriter captures the status code before the first write
type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
