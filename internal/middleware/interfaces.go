package middleware

import (
	"context"

	"peoplecore/internal/license"
)

// LicenseService is the slice of the license manager the enforcement
// middleware depends on
type LicenseService interface {
	ValidateWithContext(ctx context.Context) (*license.ValidationVerdict, error)
	Activated() bool
}
