package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "peoplecore/internal/errors"
	"peoplecore/internal/infrastructure"
	"peoplecore/internal/middleware"
	"peoplecore/internal/services"
)

// LicenseHandler exposes the license lifecycle endpoints
type LicenseHandler struct {
	service services.LicenseService
	query   *middleware.QueryParamValidator
	logger  *slog.Logger
}

// NewLicenseHandler builds a handler backed by the given service
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	errorHandler := apperrors.NewErrorHandler(logger, false)
	return &LicenseHandler{
		service: service,
		query:   middleware.NewQueryParamValidator(logger, errorHandler),
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ActivationRequest is the license activation payload
type ActivationRequest struct {
	LicenseToken string `json:"license_token"`
}

// Bind implements render.Binder
func (a *ActivationRequest) Bind(r *http.Request) error {
	a.LicenseToken = strings.TrimSpace(a.LicenseToken)
	if a.LicenseToken == "" {
		return errors.New("license_token is required")
	}
	if strings.Count(a.LicenseToken, ".") != 2 {
		return errors.New("license_token must be a signed token in header.payload.signature form")
	}
	return nil
}

// CacheInvalidationRequest is the cache invalidation payload
type CacheInvalidationRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Bind implements render.Binder
func (c *CacheInvalidationRequest) Bind(r *http.Request) error {
	return nil
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Get("/detailed", h.GetDetailedStatus)
	r.Get("/sync-history", h.GetSyncHistory)
	r.Post("/activate", h.Activate)
	r.Post("/invalidate-cache", h.InvalidateCache)

	return r
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response, err := h.service.GetStatus(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, response)
}

// GetDetailedStatus handles GET /api/license/detailed, the diagnostics
// view with fingerprint digest and sync history.
func (h *LicenseHandler) GetDetailedStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	response, err := h.service.GetDetailedStatus(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, response)
}

// GetSyncHistory handles GET /api/license/sync-history
func (h *LicenseHandler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.query.ValidateInt(w, r, "limit", 1, 500, 50)
	if !ok {
		return
	}

	entries, err := h.service.GetSyncHistory(r.Context(), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// Activate handles POST /api/license/activate. A successful activation
// returns 201 with the verdict summary.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	req := &ActivationRequest{}
	if err := render.Bind(r, req); err != nil {
		apperrors.WriteError(w, apperrors.InvalidRequestWithError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	response, err := h.service.Activate(ctx, req.LicenseToken)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "activation request succeeded",
		slog.String("trace_id", response.TraceID),
		slog.String("tier", response.Tier),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response)
}

// InvalidateCache handles POST /api/license/invalidate-cache. The body
// is optional; a reason is recorded when supplied.
func (h *LicenseHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	req := &CacheInvalidationRequest{}
	if r.ContentLength > 0 {
		if err := render.Bind(r, req); err != nil {
			apperrors.WriteError(w, apperrors.InvalidRequestWithError(err))
			return
		}
	}

	if err := h.service.InvalidateCache(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "cache invalidation requested",
		slog.String("reason", req.Reason),
		slog.String("client", middleware.APIClientFromContext(r.Context())),
	)

	render.JSON(w, r, map[string]interface{}{
		"invalidated": true,
		"timestamp":   time.Now().UTC(),
	})
}

func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = middleware.GetReqID(ctx)
	}

	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
	)

	var problem render.Renderer
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		problem = apperrors.NewProblemDetails(
			http.StatusGatewayTimeout,
			"/errors/timeout",
			"Request Timeout",
			"The request took too long to complete. Please retry.",
			r.URL.Path,
		).WithExtension("trace_id", traceID)
	case errors.Is(err, context.Canceled):
		problem = apperrors.NewProblemDetails(
			http.StatusRequestTimeout,
			"/errors/request-canceled",
			"Request Canceled",
			"The client closed the request before it completed.",
			r.URL.Path,
		).WithExtension("trace_id", traceID)
	default:
		problem = apperrors.MapLicenseError(err, traceID)
	}

	if renderErr := render.Render(w, r, problem); renderErr != nil {
		http.Error(w, "failed to render error response", http.StatusInternalServerError)
	}
}
