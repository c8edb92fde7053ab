package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"peoplecore/internal/infrastructure"
)

// Metrics records HTTP request metrics on the meter instruments.
// Placed after RequestID so exemplars carry trace IDs in logs.
func Metrics(metrics *infrastructure.LicenseMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			if metrics.HTTPActiveRequests != nil {
				metrics.HTTPActiveRequests.Add(ctx, 1)
				defer metrics.HTTPActiveRequests.Add(ctx, -1)
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			attrs := metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", routePattern(r)),
				attribute.Int("http.status_code", ww.Status()),
			)
			if metrics.HTTPRequestsTotal != nil {
				metrics.HTTPRequestsTotal.Add(ctx, 1, attrs)
			}
			if metrics.HTTPRequestDuration != nil {
				metrics.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
		})
	}
}

// routePattern prefers the chi route pattern over the raw path so
// metrics cardinality stays bounded
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
