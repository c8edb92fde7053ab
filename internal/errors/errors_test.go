package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError(t *testing.T) {
	err := New(http.StatusForbidden, "LICENSE_INVALID", "A valid license is required")

	assert.Equal(t, "A valid license is required", err.Error())
	assert.Equal(t, http.StatusForbidden, err.StatusCode)
	assert.Equal(t, "LICENSE_INVALID", err.ErrorCode)
}

func TestNewWithDetails(t *testing.T) {
	err := NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "bad input", ValidationError{
		Field:   "license_token",
		Message: "must not be empty",
	})

	require.NotNil(t, err.Details)
	detail, ok := err.Details.(ValidationError)
	require.True(t, ok)
	assert.Equal(t, "license_token", detail.Field)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, ErrLicenseBlocked)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "LICENSE_INVALID", resp.Error.ErrorCode)
}

func TestAppError(t *testing.T) {
	err := NewLicenseError("validation failed", ErrLicenseExpired)

	assert.Contains(t, err.Error(), "LICENSE")
	assert.Contains(t, err.Error(), "validation failed")
	assert.ErrorIs(t, err, ErrLicenseExpired)

	err.WithContext("license_key", "PC-****-1234")
	assert.Equal(t, "PC-****-1234", err.Context["license_key"])
}

func TestStorageError(t *testing.T) {
	err := StorageError("upsert", ErrStateNotFound)

	assert.Equal(t, http.StatusInternalServerError, err.StatusCode)
	assert.Equal(t, "STORAGE_ERROR", err.ErrorCode)
	assert.Contains(t, err.Message, "upsert")
}
