package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/go-chi/render"

	"peoplecore/internal/infrastructure"
)

// RFC 7807 problem type URIs
const (
	TypeValidation   = "/errors/validation"
	TypeNotFound     = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeForbidden    = "/errors/forbidden"
	TypeRateLimit    = "/errors/rate-limit"
	TypeInternal     = "/errors/internal"
	TypeServiceDown  = "/errors/service-unavailable"
	TypeTimeout      = "/errors/timeout"
	TypeConflict     = "/errors/conflict"

	TypeLicenseExpired      = "/errors/license-expired"
	TypeLicenseRevoked      = "/errors/license-revoked"
	TypeLicenseNotActivated = "/errors/license-not-activated"
	TypeHardwareMismatch    = "/errors/hardware-mismatch"
	TypeRemoteUnreachable   = "/errors/remote-unreachable"
)

// ErrorHandler is the single place errors become HTTP responses. One
// instance per handler keeps the stack-trace switch in one spot:
// includeStack is for development builds only, stacks must never reach
// a customer-facing response.
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError logs err and responds with its RFC 7807 form. A nil err
// is a no-op so call sites can pass through without checking.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	ctx := r.Context()
	tid := infrastructure.GetTraceID(ctx)

	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("trace_id", tid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	problem := h.ErrorToProblem(err, r).WithExtension("trace_id", tid)
	if h.includeStack {
		problem.WithExtension("stack", captureStack())
	}

	render.Render(w, r, problem)
}

// sentinelProblem is the static part of a sentinel's problem mapping
type sentinelProblem struct {
	status int
	typ    string
	title  string
	detail string
}

var sentinelProblems = []struct {
	errs []error
	p    sentinelProblem
}{
	{[]error{ErrLicenseExpired}, sentinelProblem{http.StatusForbidden, TypeLicenseExpired,
		"License Expired", "Your license has expired. Please renew to continue."}},
	{[]error{ErrLicenseRevoked}, sentinelProblem{http.StatusForbidden, TypeLicenseRevoked,
		"License Revoked", "This license has been revoked."}},
	{[]error{ErrLicenseNotActivated}, sentinelProblem{http.StatusPreconditionRequired, TypeLicenseNotActivated,
		"License Not Activated", "No license has been activated on this installation."}},
	{[]error{ErrHardwareMismatch, ErrInstallationMismatch}, sentinelProblem{http.StatusForbidden, TypeHardwareMismatch,
		"License Binding Mismatch", "This license is bound to a different host or installation."}},
	{[]error{ErrRemoteUnreachable}, sentinelProblem{http.StatusServiceUnavailable, TypeRemoteUnreachable,
		"License Server Unreachable", "Unable to reach the license server. Please try again later."}},
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout,
			"Request Timeout", "The request took too long to process and was cancelled", r.URL.Path)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return h.apiErrorToProblem(apiErr, r)
	}

	for _, entry := range sentinelProblems {
		for _, sentinel := range entry.errs {
			if errors.Is(err, sentinel) {
				return NewProblemDetails(entry.p.status, entry.p.typ, entry.p.title, entry.p.detail, r.URL.Path)
			}
		}
	}

	if errors.Is(err, ErrStateNotFound) {
		return NewProblemDetails(http.StatusNotFound, TypeNotFound,
			"Resource Not Found", err.Error(), r.URL.Path)
	}

	return NewProblemDetails(http.StatusInternalServerError, TypeInternal,
		"Internal Server Error", "An unexpected error occurred while processing your request", r.URL.Path)
}

var errorCodeTypes = map[string]string{
	"VALIDATION_FAILED":   TypeValidation,
	"NOT_FOUND":           TypeNotFound,
	"LICENSE_NOT_FOUND":   TypeNotFound,
	"UNAUTHORIZED":        TypeUnauthorized,
	"FORBIDDEN":           TypeForbidden,
	"LICENSE_INVALID":     TypeForbidden,
	"CONFLICT":            TypeConflict,
	"RATE_LIMIT_EXCEEDED": TypeRateLimit,
	"SERVICE_UNAVAILABLE": TypeServiceDown,
}

func (h *ErrorHandler) apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType, ok := errorCodeTypes[apiErr.ErrorCode]
	if !ok {
		problemType = TypeInternal
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}

// HandlePanic responds to a recovered panic with a 500 problem
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	ctx := r.Context()
	tid := infrastructure.GetTraceID(ctx)

	h.logger.ErrorContext(ctx, "panic recovered",
		slog.Any("panic", recovered),
		slog.String("trace_id", tid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", tid)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", captureStack())
	}

	render.Render(w, r, problem)
}

// NotFound returns a standard 404 problem
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context())))
}

// MethodNotAllowed returns a standard 405 problem
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeInternal,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context())))
}

// JSON responds with an arbitrary payload at the given status
func (h *ErrorHandler) JSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func captureStack() string {
	buf := make([]byte, 8<<10)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
