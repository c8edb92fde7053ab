package license

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peoplecore/internal/config"
	apperrors "peoplecore/internal/errors"
)

// flakyTransport fails the first n calls with a transport error, then
// serves a fixed response
type flakyTransport struct {
	mu       sync.Mutex
	calls    int
	failures int
	status   int
	body     string
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (f *flakyTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testAdminConfig() config.AdminPanelConfig {
	return config.AdminPanelConfig{
		BaseURL:          "http://admin.test",
		APIKey:           "test-api-key",
		TenantSlug:       "acme",
		Timeout:          2 * time.Second,
		MaxRetries:       3,
		RetryBackoffBase: time.Second,
		RetryBackoffCap:  10 * time.Second,
	}
}

// newFlakyClient wires an AdminClient to a stub transport and records
// every backoff sleep instead of waiting
func newFlakyClient(t *testing.T, transport *flakyTransport) (*AdminClient, *[]time.Duration) {
	t.Helper()
	client, err := NewAdminClient(testAdminConfig(), "inst-7", nil)
	require.NoError(t, err)
	client.httpClient.Transport = transport

	var waits []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return client, &waits
}

func TestNewAdminClientRequiresBaseURL(t *testing.T) {
	cfg := testAdminConfig()
	cfg.BaseURL = ""
	_, err := NewAdminClient(cfg, "inst-7", nil)
	assert.ErrorIs(t, err, apperrors.ErrConfigMissing)
}

func TestAdoptAPIKeyOnlyFillsEmptyKey(t *testing.T) {
	client, err := NewAdminClient(testAdminConfig(), "inst-7", nil)
	require.NoError(t, err)

	assert.False(t, client.AdoptAPIKey("embedded-key"), "configured key must win")
	assert.Equal(t, "test-api-key", client.currentAPIKey())

	cfg := testAdminConfig()
	cfg.APIKey = ""
	client, err = NewAdminClient(cfg, "inst-7", nil)
	require.NoError(t, err)

	assert.False(t, client.AdoptAPIKey(""))
	assert.True(t, client.AdoptAPIKey("embedded-key"))
	assert.Equal(t, "embedded-key", client.currentAPIKey())
}

func TestValidateLicenseRetriesTransportErrors(t *testing.T) {
	transport := &flakyTransport{
		failures: 2,
		status:   http.StatusOK,
		body:     `{"valid":true,"tier":"pro","max_employees":250}`,
	}
	client, waits := newFlakyClient(t, transport)

	result, err := client.ValidateLicense(context.Background(), "LIC-2024-ACME-0042", "fp")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "pro", result.Tier)

	assert.Equal(t, 3, transport.callCount(), "two failures plus one success")
	require.Len(t, *waits, 2)
	assert.Equal(t, time.Second, (*waits)[0])
	assert.Equal(t, 2*time.Second, (*waits)[1])
	for i := 1; i < len(*waits); i++ {
		assert.Greater(t, (*waits)[i], (*waits)[i-1], "backoff must strictly increase")
	}
}

func TestValidateLicenseExhaustsRetries(t *testing.T) {
	transport := &flakyTransport{failures: 100}
	client, waits := newFlakyClient(t, transport)

	_, err := client.ValidateLicense(context.Background(), "LIC-X", "fp")
	assert.ErrorIs(t, err, apperrors.ErrRemoteUnreachable)
	assert.Equal(t, 4, transport.callCount(), "initial attempt plus three retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *waits)
}

func TestValidateLicenseBackoffCap(t *testing.T) {
	transport := &flakyTransport{failures: 100}
	client, waits := newFlakyClient(t, transport)
	client.backoff = 6 * time.Second
	client.backoffCap = 8 * time.Second

	_, err := client.ValidateLicense(context.Background(), "LIC-X", "fp")
	require.Error(t, err)
	assert.Equal(t, []time.Duration{6 * time.Second, 8 * time.Second, 8 * time.Second}, *waits)
}

func TestValidateLicenseStatusesAreTerminal(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
	}{
		{"server error", http.StatusInternalServerError, `oops`, apperrors.ErrRemoteUnreachable},
		{"bad api key", http.StatusUnauthorized, `{}`, apperrors.ErrRemoteRejected},
		{"unknown license", http.StatusNotFound, `{}`, apperrors.ErrRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &flakyTransport{status: tt.status, body: tt.body}
			client, waits := newFlakyClient(t, transport)

			_, err := client.ValidateLicense(context.Background(), "LIC-X", "fp")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, transport.callCount(), "HTTP responses must never be retried")
			assert.Empty(t, *waits)
		})
	}
}

func TestValidateLicenseRevocationIsAuthoritative(t *testing.T) {
	transport := &flakyTransport{
		status: http.StatusForbidden,
		body:   `{"valid":false,"revoked":true,"revocation_reason":"nonpayment"}`,
	}
	client, _ := newFlakyClient(t, transport)

	result, err := client.ValidateLicense(context.Background(), "LIC-X", "fp")
	require.NoError(t, err, "a revocation verdict is an answer, not a failure")
	assert.False(t, result.Valid)
	assert.True(t, result.Revoked)
	assert.Equal(t, "nonpayment", result.RevocationReason)
}

func TestValidateLicenseRequestShape(t *testing.T) {
	var captured map[string]string
	var gotAPIKey, gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(RemoteValidation{Valid: true})
	}))
	defer server.Close()

	cfg := testAdminConfig()
	cfg.BaseURL = server.URL
	client, err := NewAdminClient(cfg, "inst-7", nil)
	require.NoError(t, err)

	_, err = client.ValidateLicense(context.Background(), "LIC-2024-ACME-0042", "fp-abc")
	require.NoError(t, err)

	assert.Equal(t, config.AdminValidatePath, gotPath)
	assert.Equal(t, "test-api-key", gotAPIKey)
	assert.Equal(t, "LIC-2024-ACME-0042", captured["license_key"])
	assert.Equal(t, "inst-7", captured["installation_id"])
	assert.Equal(t, "fp-abc", captured["hardware_id"])
	assert.Equal(t, "acme", captured["tenant_slug"])
}

func TestFetchTenantConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/tenants/acme/configs/dict", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"pto_policy": "accrual"})
	}))
	defer server.Close()

	cfg := testAdminConfig()
	cfg.BaseURL = server.URL
	client, err := NewAdminClient(cfg, "inst-7", nil)
	require.NoError(t, err)

	dict, err := client.FetchTenantConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "accrual", dict["pto_policy"])
}

func TestReportHealthBestEffort(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "/tenants/acme/deployment/health", r.URL.Path)
			var report HealthReport
			require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
			assert.Equal(t, "inst-7", report.InstallationID)
			assert.Equal(t, "healthy", report.Status)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		cfg := testAdminConfig()
		cfg.BaseURL = server.URL
		client, err := NewAdminClient(cfg, "inst-7", nil)
		require.NoError(t, err)

		ok := client.ReportHealth(context.Background(), HealthReport{
			InstallationID: "inst-7",
			Timestamp:      time.Now(),
			Status:         "healthy",
		})
		assert.True(t, ok)
	})

	t.Run("rejected returns false without error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		cfg := testAdminConfig()
		cfg.BaseURL = server.URL
		client, err := NewAdminClient(cfg, "inst-7", nil)
		require.NoError(t, err)

		assert.False(t, client.ReportHealth(context.Background(), HealthReport{}))
	})
}

func TestSendTelemetryEnrichesPayload(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, config.AdminTelemetryPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testAdminConfig()
	cfg.BaseURL = server.URL
	client, err := NewAdminClient(cfg, "inst-7", nil)
	require.NoError(t, err)

	ok := client.SendTelemetry(context.Background(), map[string]interface{}{"employees": 42})
	assert.True(t, ok)
	assert.Equal(t, "inst-7", captured["installation_id"])
	assert.Equal(t, "acme", captured["tenant_slug"])
	assert.NotEmpty(t, captured["timestamp"])
	assert.Equal(t, float64(42), captured["employees"])
}
