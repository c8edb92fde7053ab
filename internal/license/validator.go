package license

import (
	"fmt"
	"log/slog"
	"time"

	apperrors "peoplecore/internal/errors"
)

// LicenseInfo is the successful outcome of a local validation pass
type LicenseInfo struct {
	LicenseID    string
	Company      string
	Tier         string
	MaxEmployees int
	Features     []string
	ExpiresAt    time.Time
	Claims       *Claims
}

// LocalValidator performs offline validation of a license token. It
// never touches the network: a fully offline deployment must be able
// to validate with the Admin Panel permanently unreachable.
type LocalValidator struct {
	codec          TokenCodec
	fingerprinter  *Fingerprinter
	installationID string

	clock  func() time.Time
	logger *slog.Logger
}

// NewLocalValidator creates a local validator
func NewLocalValidator(codec TokenCodec, fp *Fingerprinter, installationID string, logger *slog.Logger) *LocalValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalValidator{
		codec:          codec,
		fingerprinter:  fp,
		installationID: installationID,
		clock:          time.Now,
		logger:         logger.With(slog.String("component", "local_validator")),
	}
}

// WithClock overrides the clock source. Used by tests to make expiry
// checks deterministic.
func (v *LocalValidator) WithClock(clock func() time.Time) *LocalValidator {
	v.clock = clock
	return v
}

// Validate runs the local check sequence in a fixed order, stopping at
// the first failure: signature, expiry, hardware, installation.
func (v *LocalValidator) Validate(token string) (*LicenseInfo, error) {
	claims, err := v.codec.Verify(token)
	if err != nil {
		return nil, err
	}

	now := v.clock()
	expiresAt := claims.ExpiresAtTime()
	if expiresAt.IsZero() {
		return nil, fmt.Errorf("%w: token has no expiry", apperrors.ErrTokenMalformed)
	}
	if !now.Before(expiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", apperrors.ErrLicenseExpired, expiresAt.Format(time.RFC3339))
	}

	// The signed claim alone decides whether the hardware check runs.
	// Nothing on the deployment side can switch it off.
	if claims.EnforceHardware {
		match, fpErr := v.fingerprinter.Verify(claims.HardwareID)
		if fpErr != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrHardwareMismatch, fpErr)
		}
		if !match {
			v.logger.Warn("hardware fingerprint mismatch",
				slog.String("license_id", MaskLicenseKey(claims.LicenseID)))
			return nil, apperrors.ErrHardwareMismatch
		}
	}

	if claims.EnforceInstallation {
		if v.installationID == "" || claims.InstallationID != v.installationID {
			return nil, apperrors.ErrInstallationMismatch
		}
	}

	return &LicenseInfo{
		LicenseID:    claims.LicenseID,
		Company:      claims.CompanyName,
		Tier:         claims.LicenseType,
		MaxEmployees: claims.MaxEmployees,
		Features:     claims.Features,
		ExpiresAt:    expiresAt,
		Claims:       claims,
	}, nil
}
