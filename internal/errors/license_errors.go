package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// License validation sentinel errors. Local checks run in a fixed order
// (signature, expiry, hardware, installation) and stop at the first
// failure, so callers see exactly one of these per attempt.
var (
	ErrTokenMalformed       = errors.New("license token malformed")
	ErrSignatureInvalid     = errors.New("license signature invalid")
	ErrLicenseExpired       = errors.New("license expired")
	ErrHardwareMismatch     = errors.New("hardware fingerprint mismatch")
	ErrInstallationMismatch = errors.New("installation id mismatch")

	ErrLicenseNotActivated = errors.New("license not activated")
	ErrLicenseRevoked      = errors.New("license revoked")
	ErrGraceExpired        = errors.New("offline grace period expired")
	ErrConfigMissing       = errors.New("license configuration missing")

	// Remote admin panel outcomes. Unreachable covers transport
	// failures after retries; rejected covers authoritative denials.
	ErrRemoteUnreachable = errors.New("admin panel unreachable")
	ErrRemoteRejected    = errors.New("license rejected by admin panel")

	ErrStateNotFound = errors.New("license state not found")
)

// IsTerminal reports whether err is an authoritative rejection that no
// amount of retrying or grace can recover from.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrLicenseRevoked) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrRemoteRejected)
}

// IsTransient reports whether err may resolve on its own, making the
// verdict eligible for grace-period handling.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRemoteUnreachable)
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
// Extensions are flattened into the top-level JSON object.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"type":   pd.Type,
		"title":  pd.Title,
		"status": pd.Status,
	}
	if pd.Detail != "" {
		out["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		out["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		out[k] = v
	}
	return json.Marshal(out)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

type licenseProblem struct {
	status int
	slug   string
	title  string
	code   string
	detail string
}

// Ordered so that wrapped errors resolve to the most specific sentinel.
var licenseProblems = []struct {
	err error
	p   licenseProblem
}{
	{ErrLicenseNotActivated, licenseProblem{http.StatusPreconditionRequired, "license-not-activated", "License Not Activated", "LICENSE_NOT_ACTIVATED",
		"No license has been activated. Please activate a license to continue."}},
	{ErrTokenMalformed, licenseProblem{http.StatusBadRequest, "token-malformed", "Malformed License Token", "TOKEN_MALFORMED",
		"The license token could not be parsed."}},
	{ErrSignatureInvalid, licenseProblem{http.StatusForbidden, "signature-invalid", "Invalid License Signature", "SIGNATURE_INVALID",
		"The license token signature could not be verified."}},
	{ErrLicenseExpired, licenseProblem{http.StatusForbidden, "license-expired", "License Expired", "LICENSE_EXPIRED",
		"Your license has expired. Please renew to continue."}},
	{ErrLicenseRevoked, licenseProblem{http.StatusForbidden, "license-revoked", "License Revoked", "LICENSE_REVOKED",
		"This license has been revoked. Please contact support."}},
	{ErrHardwareMismatch, licenseProblem{http.StatusForbidden, "hardware-mismatch", "Hardware Mismatch", "HARDWARE_MISMATCH",
		"This license is bound to a different host."}},
	{ErrInstallationMismatch, licenseProblem{http.StatusForbidden, "installation-mismatch", "Installation Mismatch", "INSTALLATION_MISMATCH",
		"This license was issued to a different installation."}},
	{ErrGraceExpired, licenseProblem{http.StatusForbidden, "grace-expired", "Offline Grace Period Expired", "GRACE_EXPIRED",
		"The license could not be re-verified within the offline grace period."}},
	{ErrRemoteRejected, licenseProblem{http.StatusForbidden, "remote-rejected", "License Rejected", "REMOTE_REJECTED",
		"The license server rejected this license."}},
	{ErrRemoteUnreachable, licenseProblem{http.StatusServiceUnavailable, "remote-unreachable", "License Server Unreachable", "REMOTE_UNREACHABLE",
		"Unable to reach the license server. Please check your connection."}},
	{ErrConfigMissing, licenseProblem{http.StatusInternalServerError, "config-missing", "License Configuration Missing", "CONFIG_MISSING",
		"The license subsystem is not fully configured."}},
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	p := licenseProblem{http.StatusInternalServerError, "internal-error", "Internal Server Error", "INTERNAL_ERROR",
		"An unexpected error occurred while processing your request."}
	for _, entry := range licenseProblems {
		if errors.Is(err, entry.err) {
			p = entry.p
			break
		}
	}

	return NewProblemDetails(p.status, "/errors/"+p.slug, p.title, p.detail, instance).
		WithExtension("trace_id", traceID).
		WithExtension("error_code", p.code)
}
