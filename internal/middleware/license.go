package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"peoplecore/internal/config"
	apperrors "peoplecore/internal/errors"
	"peoplecore/internal/infrastructure"
	"peoplecore/internal/license"
)

type licenseContextKey string

const verdictContextKey licenseContextKey = "license_verdict"

// Enforcer gates protected routes on the license verdict. It holds a
// short-lived cached verdict so request latency never depends on the
// admin panel, and collapses concurrent refreshes into a single
// validation pass.
type Enforcer struct {
	service LicenseService
	logger  *slog.Logger
	metrics *infrastructure.LicenseMetrics

	ttl            time.Duration
	exemptPaths    map[string]struct{}
	exemptPrefixes []string

	group singleflight.Group

	mu         sync.RWMutex
	verdict    *license.ValidationVerdict
	verdictErr error
	checkedAt  time.Time
}

type verdictResult struct {
	verdict *license.ValidationVerdict
	err     error
}

// NewEnforcer builds the enforcement middleware from configuration.
// Exempt entries ending in "/" match as prefixes, everything else
// matches exactly.
func NewEnforcer(service LicenseService, cfg config.LicenseConfig, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Enforcer{
		service:     service,
		logger:      logger.With(slog.String("component", "license_enforcer")),
		ttl:         cfg.VerdictCacheTTL,
		exemptPaths: make(map[string]struct{}),
	}
	if e.ttl <= 0 {
		e.ttl = config.VerdictCacheTTL
	}

	for _, path := range cfg.ExemptPaths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if strings.HasSuffix(path, "/") && path != "/" {
			e.exemptPrefixes = append(e.exemptPrefixes, path)
			e.exemptPaths[strings.TrimSuffix(path, "/")] = struct{}{}
		} else {
			e.exemptPaths[path] = struct{}{}
		}
	}
	return e
}

// SetMetrics attaches OpenTelemetry instruments
func (e *Enforcer) SetMetrics(metrics *infrastructure.LicenseMetrics) {
	e.metrics = metrics
}

// Invalidate drops the cached verdict. The license manager calls this
// after activations and background revalidations.
func (e *Enforcer) Invalidate() {
	e.mu.Lock()
	e.verdict = nil
	e.verdictErr = nil
	e.checkedAt = time.Time{}
	e.mu.Unlock()
}

// Handler enforces the license on every non-exempt request
func (e *Enforcer) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		verdict, err := e.currentVerdict(ctx)
		if err != nil || verdict == nil || !verdict.Valid {
			e.deny(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withVerdict(ctx, verdict)))
	})
}

func (e *Enforcer) isExempt(path string) bool {
	if _, ok := e.exemptPaths[path]; ok {
		return true
	}
	for _, prefix := range e.exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// currentVerdict serves the cached verdict when fresh. A stale verdict
// is served as-is while a background refresh runs, so a slow admin
// panel never adds latency to requests. Only a completely cold cache
// validates synchronously.
func (e *Enforcer) currentVerdict(ctx context.Context) (*license.ValidationVerdict, error) {
	e.mu.RLock()
	verdict, err, checkedAt := e.verdict, e.verdictErr, e.checkedAt
	e.mu.RUnlock()

	if checkedAt.IsZero() {
		e.recordCache(ctx, false)
		return e.refresh(ctx)
	}

	if time.Since(checkedAt) > e.ttl {
		e.recordCache(ctx, false)
		go e.refresh(context.WithoutCancel(ctx))
		return verdict, err
	}

	e.recordCache(ctx, true)
	return verdict, err
}

// refresh collapses concurrent callers into one validation pass. The
// pass runs detached from the triggering request: a client that
// disconnects mid-validation must not leave its cancellation error
// cached as the verdict for everyone behind it.
func (e *Enforcer) refresh(ctx context.Context) (*license.ValidationVerdict, error) {
	res, _, _ := e.group.Do("verdict", func() (interface{}, error) {
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()

		verdict, err := e.service.ValidateWithContext(vctx)

		e.mu.Lock()
		e.verdict = verdict
		e.verdictErr = err
		e.checkedAt = time.Now()
		e.mu.Unlock()

		if err != nil {
			e.logger.WarnContext(ctx, "license validation failed",
				slog.String("error", err.Error()))
		}
		return verdictResult{verdict, err}, nil
	})

	result := res.(verdictResult)
	return result.verdict, result.err
}

// deny sends the uniform rejection. The specific failure reason is for
// logs and the status endpoint, never for arbitrary request payloads.
func (e *Enforcer) deny(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		e.logger.InfoContext(r.Context(), "request blocked by license enforcement",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	apperrors.WriteError(w, apperrors.ErrLicenseBlocked)
}

func (e *Enforcer) recordCache(ctx context.Context, hit bool) {
	if e.metrics == nil {
		return
	}
	if hit {
		if e.metrics.VerdictCacheHits != nil {
			e.metrics.VerdictCacheHits.Add(ctx, 1)
		}
	} else if e.metrics.VerdictCacheMisses != nil {
		e.metrics.VerdictCacheMisses.Add(ctx, 1)
	}
}

func withVerdict(ctx context.Context, verdict *license.ValidationVerdict) context.Context {
	return context.WithValue(ctx, verdictContextKey, verdict)
}

// VerdictFromContext returns the verdict attached by the enforcer
func VerdictFromContext(ctx context.Context) *license.ValidationVerdict {
	verdict, _ := ctx.Value(verdictContextKey).(*license.ValidationVerdict)
	return verdict
}

// TierFromContext returns the licensed tier for the current request
func TierFromContext(ctx context.Context) string {
	if verdict := VerdictFromContext(ctx); verdict != nil {
		return verdict.Tier
	}
	return ""
}

// FeatureEnabled reports whether the named feature is licensed for the
// current request
func FeatureEnabled(ctx context.Context, name string) bool {
	verdict := VerdictFromContext(ctx)
	if verdict == nil {
		return false
	}
	for _, f := range verdict.Features {
		if f == name {
			return true
		}
	}
	return false
}

// RequireFeature gates a route group on a licensed feature flag. The
// rejection is the same uniform response as a missing license.
func RequireFeature(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !FeatureEnabled(r.Context(), name) {
				apperrors.WriteError(w, apperrors.ErrLicenseBlocked)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
