package license

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "peoplecore/internal/errors"
)

// Claims is the full claim set carried by a license token. The
// signature covers every field; no claim is partially trusted.
type Claims struct {
	LicenseID           string   `json:"license_id"`
	CompanyName         string   `json:"company_name"`
	LicenseType         string   `json:"license_type"`
	MaxEmployees        int      `json:"max_employees"`
	Features            []string `json:"features,omitempty"`
	HardwareID          string   `json:"hardware_id,omitempty"`
	EnforceHardware     bool     `json:"enforce_hardware"`
	InstallationID      string   `json:"installation_id,omitempty"`
	EnforceInstallation bool     `json:"enforce_installation"`

	// Embedded credentials are opaque to this engine. They are handed
	// to downstream consumers verbatim and must never be logged.
	AdminAPIKey string `json:"admin_api_key,omitempty"`

	jwt.RegisteredClaims
}

// TokenCodec signs and verifies license tokens. Implementations are
// pure cryptographic primitives: verification checks the signature
// only, never expiry or bindings. Those belong to the validator.
type TokenCodec interface {
	Sign(claims *Claims) (string, error)
	Verify(token string) (*Claims, error)
	Algorithm() string
}

// NewCodec selects a codec implementation for the given algorithm at
// configuration load time.
func NewCodec(algorithm string, pub *rsa.PublicKey, priv *rsa.PrivateKey, hmacSecret []byte) (TokenCodec, error) {
	switch algorithm {
	case "RS256":
		if pub == nil && priv == nil {
			return nil, fmt.Errorf("RS256 codec requires key material: %w", apperrors.ErrConfigMissing)
		}
		return NewRS256Codec(pub, priv), nil
	case "HS256":
		if len(hmacSecret) == 0 {
			return nil, fmt.Errorf("HS256 codec requires a secret: %w", apperrors.ErrConfigMissing)
		}
		return NewHS256Codec(hmacSecret), nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
}

// RS256Codec verifies tokens with an RSA public key. The private key
// stays with the issuer; verify-only deployments construct the codec
// without one.
type RS256Codec struct {
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
}

// NewRS256Codec creates an RS256 codec. privateKey may be nil for
// verify-only use.
func NewRS256Codec(publicKey *rsa.PublicKey, privateKey *rsa.PrivateKey) *RS256Codec {
	return &RS256Codec{publicKey: publicKey, privateKey: privateKey}
}

// Algorithm returns the JWT algorithm name
func (c *RS256Codec) Algorithm() string {
	return "RS256"
}

// Sign issues a signed token for the given claims
func (c *RS256Codec) Sign(claims *Claims) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("RS256 codec has no private key: %w", apperrors.ErrConfigMissing)
	}
	if err := checkIssuable(claims); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and returns the claims
func (c *RS256Codec) Verify(tokenString string) (*Claims, error) {
	if c.publicKey == nil {
		return nil, fmt.Errorf("RS256 codec has no public key: %w", apperrors.ErrConfigMissing)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, mapJWTError(tokenString, err)
	}

	return claims, nil
}

// HS256Codec signs and verifies tokens with a shared secret. Intended
// for development and testing deployments.
type HS256Codec struct {
	secret []byte
}

// NewHS256Codec creates an HS256 codec from a shared secret
func NewHS256Codec(secret []byte) *HS256Codec {
	return &HS256Codec{secret: secret}
}

// Algorithm returns the JWT algorithm name
func (c *HS256Codec) Algorithm() string {
	return "HS256"
}

// Sign issues a signed token for the given claims
func (c *HS256Codec) Sign(claims *Claims) (string, error) {
	if err := checkIssuable(claims); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and returns the claims
func (c *HS256Codec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, mapJWTError(tokenString, err)
	}

	return claims, nil
}

// checkIssuable enforces claim invariants before signing
func checkIssuable(claims *Claims) error {
	if claims.LicenseID == "" {
		return fmt.Errorf("license_id is required")
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return fmt.Errorf("issued_at and expires_at are required")
	}
	if !claims.ExpiresAt.Time.After(claims.IssuedAt.Time) {
		return fmt.Errorf("expires_at must be after issued_at")
	}
	return nil
}

// mapJWTError maps jwt library errors onto the sentinel taxonomy
func mapJWTError(tokenString string, err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		// The jwt library reports a corrupted payload segment as
		// malformed because the claims no longer decode. A token that
		// carries three segments and a readable header was altered
		// after signing, which is an integrity failure.
		if wellFormed(tokenString) {
			return fmt.Errorf("%w: %v", apperrors.ErrSignatureInvalid, err)
		}
		return fmt.Errorf("%w: %v", apperrors.ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", apperrors.ErrSignatureInvalid, err)
	default:
		// Keyfunc rejections (wrong method) land here
		return fmt.Errorf("%w: %v", apperrors.ErrSignatureInvalid, err)
	}
}

// wellFormed reports whether the token has the three JWS segments and
// a decodable JSON header
func wellFormed(tokenString string) bool {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return false
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	return json.Valid(header)
}

// ExpiresAtTime returns the token expiry as a time.Time, zero if unset
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// HasFeature reports whether the named feature is present in the claim set
func (c *Claims) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// MaskLicenseKey masks a license identifier for safe logging, keeping
// only a short prefix and suffix visible.
func MaskLicenseKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
