package license

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "peoplecore/internal/errors"
)

func newTestCodec(t *testing.T) TokenCodec {
	t.Helper()
	codec, err := NewCodec("HS256", nil, nil, []byte("validator-test-secret"))
	require.NoError(t, err)
	return codec
}

func signClaims(t *testing.T, codec TokenCodec, claims *Claims) string {
	t.Helper()
	token, err := codec.Sign(claims)
	require.NoError(t, err)
	return token
}

func TestLocalValidatorHappyPath(t *testing.T) {
	codec := newTestCodec(t)
	v := NewLocalValidator(codec, NewFingerprinter(), "", nil)

	token := signClaims(t, codec, testClaims(t))
	info, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "LIC-2024-ACME-0042", info.LicenseID)
	assert.Equal(t, "pro", info.Tier)
	assert.Equal(t, 250, info.MaxEmployees)
}

func TestLocalValidatorRejectsBadSignatureFirst(t *testing.T) {
	codec := newTestCodec(t)
	other, err := NewCodec("HS256", nil, nil, []byte("a-different-secret"))
	require.NoError(t, err)

	// Expired AND foreign-signed: signature must be reported, not expiry
	now := time.Now()
	claims := testClaims(t)
	claims.IssuedAt = jwt.NewNumericDate(now.Add(-48 * time.Hour))
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
	token := signClaims(t, other, claims)

	v := NewLocalValidator(codec, NewFingerprinter(), "", nil)
	_, err = v.Validate(token)
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestLocalValidatorExpiry(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	claims := testClaims(t)
	claims.IssuedAt = jwt.NewNumericDate(now.Add(-48 * time.Hour))
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	token := signClaims(t, codec, claims)

	v := NewLocalValidator(codec, NewFingerprinter(), "", nil)
	_, err := v.Validate(token)
	assert.ErrorIs(t, err, apperrors.ErrLicenseExpired)
}

func TestLocalValidatorExpiryUsesInjectedClock(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	claims := testClaims(t)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Hour))
	token := signClaims(t, codec, claims)

	tests := []struct {
		name    string
		clock   time.Time
		wantErr error
	}{
		{"before expiry", now, nil},
		{"exactly at expiry", now.Add(time.Hour), apperrors.ErrLicenseExpired},
		{"after expiry", now.Add(2 * time.Hour), apperrors.ErrLicenseExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewLocalValidator(codec, NewFingerprinter(), "", nil).
				WithClock(func() time.Time { return tt.clock })
			_, err := v.Validate(token)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLocalValidatorHardwareBinding(t *testing.T) {
	codec := newTestCodec(t)
	fp := NewFingerprinter()
	current, _, err := fp.Generate()
	require.NoError(t, err)

	t.Run("matching fingerprint passes", func(t *testing.T) {
		claims := testClaims(t)
		claims.EnforceHardware = true
		claims.HardwareID = current
		token := signClaims(t, codec, claims)

		v := NewLocalValidator(codec, fp, "", nil)
		_, err := v.Validate(token)
		assert.NoError(t, err)
	})

	t.Run("mismatched fingerprint fails", func(t *testing.T) {
		claims := testClaims(t)
		claims.EnforceHardware = true
		claims.HardwareID = "deadbeef"
		token := signClaims(t, codec, claims)

		v := NewLocalValidator(codec, fp, "", nil)
		_, err := v.Validate(token)
		assert.ErrorIs(t, err, apperrors.ErrHardwareMismatch)
	})

	t.Run("token without enforcement skips the check", func(t *testing.T) {
		claims := testClaims(t)
		claims.EnforceHardware = false
		claims.HardwareID = "deadbeef"
		token := signClaims(t, codec, claims)

		v := NewLocalValidator(codec, fp, "", nil)
		_, err := v.Validate(token)
		assert.NoError(t, err)
	})

	t.Run("signed enforcement cannot be disabled locally", func(t *testing.T) {
		claims := testClaims(t)
		claims.EnforceHardware = true
		claims.HardwareID = "deadbeef"
		token := signClaims(t, codec, claims)

		// The claim travels inside the signed token; no deployment
		// side configuration turns the check off.
		v := NewLocalValidator(codec, fp, "", nil)
		info, err := v.Validate(token)
		assert.ErrorIs(t, err, apperrors.ErrHardwareMismatch)
		assert.Nil(t, info)
	})
}

func TestLocalValidatorInstallationBinding(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name            string
		tokenInstall    string
		enforce         bool
		localInstall    string
		wantErr         error
	}{
		{"matching installation", "inst-7", true, "inst-7", nil},
		{"mismatched installation", "inst-7", true, "inst-9", apperrors.ErrInstallationMismatch},
		{"no local installation id", "inst-7", true, "", apperrors.ErrInstallationMismatch},
		{"binding not requested", "inst-7", false, "inst-9", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := testClaims(t)
			claims.InstallationID = tt.tokenInstall
			claims.EnforceInstallation = tt.enforce
			token := signClaims(t, codec, claims)

			v := NewLocalValidator(codec, NewFingerprinter(), tt.localInstall, nil)
			_, err := v.Validate(token)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
