package errors

import "fmt"

// ErrorType tags an AppError with the subsystem it came from
type ErrorType string

const (
	ErrTypeLicense ErrorType = "LICENSE"
	ErrTypeStorage ErrorType = "STORAGE"
	ErrTypeRemote  ErrorType = "REMOTE"
	ErrTypeConfig  ErrorType = "CONFIG"
)

// AppError carries a subsystem tag and structured context alongside the
// wrapped cause. Log sinks get the context map; errors.Is still sees
// the sentinel underneath.
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair for structured logging
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a tagged application error
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewLicenseError tags a license subsystem error
func NewLicenseError(message string, cause error) *AppError {
	return NewAppError(ErrTypeLicense, message, cause)
}
