package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapLicenseError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "not activated",
			err:        ErrLicenseNotActivated,
			wantStatus: http.StatusPreconditionRequired,
			wantCode:   "LICENSE_NOT_ACTIVATED",
		},
		{
			name:       "malformed token",
			err:        ErrTokenMalformed,
			wantStatus: http.StatusBadRequest,
			wantCode:   "TOKEN_MALFORMED",
		},
		{
			name:       "invalid signature",
			err:        ErrSignatureInvalid,
			wantStatus: http.StatusForbidden,
			wantCode:   "SIGNATURE_INVALID",
		},
		{
			name:       "expired",
			err:        ErrLicenseExpired,
			wantStatus: http.StatusForbidden,
			wantCode:   "LICENSE_EXPIRED",
		},
		{
			name:       "revoked",
			err:        ErrLicenseRevoked,
			wantStatus: http.StatusForbidden,
			wantCode:   "LICENSE_REVOKED",
		},
		{
			name:       "hardware mismatch",
			err:        ErrHardwareMismatch,
			wantStatus: http.StatusForbidden,
			wantCode:   "HARDWARE_MISMATCH",
		},
		{
			name:       "installation mismatch",
			err:        ErrInstallationMismatch,
			wantStatus: http.StatusForbidden,
			wantCode:   "INSTALLATION_MISMATCH",
		},
		{
			name:       "grace expired",
			err:        ErrGraceExpired,
			wantStatus: http.StatusForbidden,
			wantCode:   "GRACE_EXPIRED",
		},
		{
			name:       "remote rejected",
			err:        ErrRemoteRejected,
			wantStatus: http.StatusForbidden,
			wantCode:   "REMOTE_REJECTED",
		},
		{
			name:       "remote unreachable",
			err:        ErrRemoteUnreachable,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "REMOTE_UNREACHABLE",
		},
		{
			name:       "config missing",
			err:        ErrConfigMissing,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "CONFIG_MISSING",
		},
		{
			name:       "wrapped error resolves through errors.Is",
			err:        fmt.Errorf("local validation: %w", ErrLicenseExpired),
			wantStatus: http.StatusForbidden,
			wantCode:   "LICENSE_EXPIRED",
		},
		{
			name:       "unknown error maps to internal",
			err:        errors.New("something odd"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renderer := MapLicenseError(tt.err, "trace-123")

			problem, ok := renderer.(*ProblemDetails)
			require.True(t, ok)

			assert.Equal(t, tt.wantStatus, problem.Status)
			assert.Equal(t, tt.wantCode, problem.Extensions["error_code"])
			assert.Equal(t, "trace-123", problem.Extensions["trace_id"])
			assert.Contains(t, problem.Instance, "trace-123")
		})
	}
}

func TestProblemDetailsMarshalJSON(t *testing.T) {
	problem := NewProblemDetails(
		http.StatusForbidden,
		"/errors/license-expired",
		"License Expired",
		"Your license has expired.",
		"/api/license#trace-abc",
	).WithExtension("error_code", "LICENSE_EXPIRED").
		WithExtension("trace_id", "abc")

	data, err := json.Marshal(problem)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "/errors/license-expired", decoded["type"])
	assert.Equal(t, "License Expired", decoded["title"])
	assert.Equal(t, float64(http.StatusForbidden), decoded["status"])
	assert.Equal(t, "LICENSE_EXPIRED", decoded["error_code"])
	assert.Equal(t, "abc", decoded["trace_id"])
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(ErrLicenseRevoked))
	assert.True(t, IsTerminal(ErrSignatureInvalid))
	assert.True(t, IsTerminal(ErrTokenMalformed))
	assert.True(t, IsTerminal(ErrRemoteRejected))
	assert.True(t, IsTerminal(fmt.Errorf("sync: %w", ErrLicenseRevoked)))

	assert.False(t, IsTerminal(ErrRemoteUnreachable))
	assert.False(t, IsTerminal(ErrLicenseExpired))
	assert.False(t, IsTerminal(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrRemoteUnreachable))
	assert.True(t, IsTransient(fmt.Errorf("heartbeat: %w", ErrRemoteUnreachable)))

	assert.False(t, IsTransient(ErrLicenseRevoked))
	assert.False(t, IsTransient(nil))
}
