package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApplication(t *testing.T) *Application {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("PEOPLECORE_LICENSE_ALGORITHM", "HS256")
	t.Setenv("PEOPLECORE_LICENSE_HMAC_SECRET", "app-test-secret")
	t.Setenv("PEOPLECORE_DATABASE_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("PEOPLECORE_LOGGING_OUTPUT", "stdout")
	t.Setenv("PEOPLECORE_LOGGING_FILE_PATH", filepath.Join(dir, "app.log"))
	t.Setenv("PEOPLECORE_SYNC_ENABLED", "false")
	t.Setenv("PEOPLECORE_SECURITY_RATE_LIMIT_ENABLED", "false")

	app, err := NewApplication()
	require.NoError(t, err)
	t.Cleanup(func() {
		app.LicenseManager.Close()
	})
	return app
}

func TestNewApplicationWiring(t *testing.T) {
	app := newTestApplication(t)

	assert.NotNil(t, app.Config)
	assert.NotNil(t, app.Router)
	assert.NotNil(t, app.Server)
	assert.NotNil(t, app.LicenseManager)
	assert.NotNil(t, app.Enforcer)
	assert.NotNil(t, app.LicenseService)
	assert.NotNil(t, app.HealthService)
	assert.NotNil(t, app.Metrics)
}

func TestHealthEndpointsBypassEnforcement(t *testing.T) {
	app := newTestApplication(t)
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	paths := []string{"/api/health/", "/api/health/live", "/api/version"}
	for _, p := range paths {
		resp, err := http.Get(srv.URL + p)
		require.NoError(t, err, p)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
	}
}

func TestLicenseStatusReachableWithoutLicense(t *testing.T) {
	app := newTestApplication(t)
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/license/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Reachable on an unlicensed install, reports the missing activation
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["licensed"])
	assert.Equal(t, false, body["activated"])
	assert.Equal(t, "not_activated", body["license_status"])
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApplication(t)
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDHeaderOnResponses(t *testing.T) {
	app := newTestApplication(t)
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestActivationFlowThroughRouter(t *testing.T) {
	app := newTestApplication(t)
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	t.Run("garbage token rejected", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/license/activate", "application/json",
			strings.NewReader(`{"license_token":"not-a-token"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("well formed but unsigned token rejected", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/license/activate", "application/json",
			strings.NewReader(`{"license_token":"aaa.bbb.ccc"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestWorkspaceBlockedWithoutLicense(t *testing.T) {
	app := newTestApplication(t)
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/workspace")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "LICENSE_INVALID", errObj["error_code"])
}
