package license

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "peoplecore/internal/errors"
)

func testClaims(t *testing.T) *Claims {
	t.Helper()
	now := time.Now()
	return &Claims{
		LicenseID:    "LIC-2024-ACME-0042",
		CompanyName:  "Acme Staffing",
		LicenseType:  "pro",
		MaxEmployees: 250,
		Features:     []string{"payroll", "recruiting"},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(365 * 24 * time.Hour)),
		},
	}
}

func TestHS256RoundTrip(t *testing.T) {
	codec, err := NewCodec("HS256", nil, nil, []byte("test-secret"))
	require.NoError(t, err)

	claims := testClaims(t)
	token, err := codec.Sign(claims)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded, err := codec.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, claims.LicenseID, decoded.LicenseID)
	assert.Equal(t, claims.CompanyName, decoded.CompanyName)
	assert.Equal(t, claims.MaxEmployees, decoded.MaxEmployees)
	assert.Equal(t, claims.Features, decoded.Features)
}

func TestRS256RoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	codec, err := NewCodec("RS256", &key.PublicKey, key, nil)
	require.NoError(t, err)
	assert.Equal(t, "RS256", codec.Algorithm())

	token, err := codec.Sign(testClaims(t))
	require.NoError(t, err)

	decoded, err := codec.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "LIC-2024-ACME-0042", decoded.LicenseID)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	codec, err := NewCodec("HS256", nil, nil, []byte("test-secret"))
	require.NoError(t, err)

	token, err := codec.Sign(testClaims(t))
	require.NoError(t, err)

	// Flip a character in the payload segment
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	_, err = codec.Verify(tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, err := NewCodec("HS256", nil, nil, []byte("secret-a"))
	require.NoError(t, err)
	verifier, err := NewCodec("HS256", nil, nil, []byte("secret-b"))
	require.NoError(t, err)

	token, err := signer.Sign(testClaims(t))
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec, err := NewCodec("HS256", nil, nil, []byte("test-secret"))
	require.NoError(t, err)

	_, err = codec.Verify("not.a.token")
	assert.ErrorIs(t, err, apperrors.ErrTokenMalformed)
}

// Signature verification must succeed even on an expired token;
// expiry is the validator's decision, not the codec's.
func TestVerifyIgnoresExpiry(t *testing.T) {
	codec, err := NewCodec("HS256", nil, nil, []byte("test-secret"))
	require.NoError(t, err)

	claims := testClaims(t)
	claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(-48 * time.Hour))
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-24 * time.Hour))

	token, err := codec.Sign(claims)
	require.NoError(t, err)

	decoded, err := codec.Verify(token)
	require.NoError(t, err)
	assert.True(t, decoded.ExpiresAtTime().Before(time.Now()))
}

func TestVerifyRejectsAlgorithmConfusion(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsCodec, err := NewCodec("RS256", &key.PublicKey, key, nil)
	require.NoError(t, err)

	hsCodec, err := NewCodec("HS256", nil, nil, []byte("test-secret"))
	require.NoError(t, err)
	hsToken, err := hsCodec.Sign(testClaims(t))
	require.NoError(t, err)

	_, err = rsCodec.Verify(hsToken)
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestSignRejectsIncompleteClaims(t *testing.T) {
	codec, err := NewCodec("HS256", nil, nil, []byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Claims)
	}{
		{"missing license id", func(c *Claims) { c.LicenseID = "" }},
		{"missing expiry", func(c *Claims) { c.ExpiresAt = nil }},
		{"missing issued at", func(c *Claims) { c.IssuedAt = nil }},
		{"expiry before issue", func(c *Claims) {
			c.ExpiresAt = jwt.NewNumericDate(c.IssuedAt.Add(-time.Hour))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := testClaims(t)
			tt.mutate(claims)
			_, err := codec.Sign(claims)
			assert.Error(t, err)
		})
	}
}

func TestRS256VerifyOnlyCannotSign(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	codec, err := NewCodec("RS256", &key.PublicKey, nil, nil)
	require.NoError(t, err)

	_, err = codec.Sign(testClaims(t))
	assert.ErrorIs(t, err, apperrors.ErrConfigMissing)
}

func TestNewCodecRejectsUnsupportedAlgorithm(t *testing.T) {
	_, err := NewCodec("ES512", nil, nil, nil)
	assert.Error(t, err)
}

func TestHasFeature(t *testing.T) {
	claims := testClaims(t)
	assert.True(t, claims.HasFeature("payroll"))
	assert.False(t, claims.HasFeature("analytics"))
}

func TestMaskLicenseKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{"empty", "", ""},
		{"short key fully masked", "ABCD1234", "********"},
		{"long key keeps edges", "LIC-2024-ACME-0042", "LIC-**********0042"},
		{"whitespace trimmed", "  LIC-2024-ACME-0042  ", "LIC-**********0042"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskLicenseKey(tt.key))
		})
	}
}
