package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError is the JSON error body shared by every non-problem response.
// The shape is part of the API contract: clients key off error_code,
// never off message text.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates an APIError
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates an APIError carrying extra machine-readable
// detail
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	e := New(statusCode, errorCode, message)
	e.Details = details
	return e
}

// ErrLicenseBlocked is the uniform enforcement rejection. Every gated
// route returns exactly this body no matter why the license check
// failed, so probing the API reveals nothing about the license state.
var ErrLicenseBlocked = New(http.StatusForbidden, "LICENSE_INVALID", "A valid license is required to access this resource")

// InvalidRequestWithError wraps a decode or read failure as a 400
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// ValidationError names one failed field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors groups per-field failures in one response
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// ErrValidation creates a single-field validation failure
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// NewValidationErrors creates a multi-field validation failure
func NewValidationErrors(errors []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed",
		ValidationErrors{Errors: errors})
}

// StorageError wraps a state store failure. The operation name goes in
// the message; the driver error only in details so it never leaks into
// client-facing summaries.
func StorageError(operation string, err error) *APIError {
	return NewWithDetails(http.StatusInternalServerError, "STORAGE_ERROR",
		fmt.Sprintf("State store error during %s", operation), err.Error())
}

// ErrorResponse is the envelope around APIError
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewErrorResponse wraps an APIError in the response envelope
func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{Success: false, Error: err}
}

// Render implements render.Renderer
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}

// WriteError writes the enveloped error without going through render,
// for middleware that runs before render is configured
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(NewErrorResponse(err))
}
