package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"peoplecore/internal/config"
	apperrors "peoplecore/internal/errors"
)

// RemoteValidation is the Admin Panel's authoritative answer for a
// license. A non-nil result with Valid=false is a real verdict, not an
// error: the remote answered and said no.
type RemoteValidation struct {
	Valid            bool      `json:"valid"`
	Tier             string    `json:"tier"`
	CompanyName      string    `json:"company_name"`
	MaxEmployees     int       `json:"max_employees"`
	Features         []string  `json:"features"`
	ExpiresAt        time.Time `json:"expires_at"`
	Revoked          bool      `json:"revoked"`
	RevocationReason string    `json:"revocation_reason,omitempty"`
}

// HealthReport is the payload sent on the deployment health endpoint
type HealthReport struct {
	InstallationID string    `json:"installation_id"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
}

// AdminClient talks to the Admin Panel. All requests carry the
// X-API-Key header. Transport errors are retried with exponential
// backoff; HTTP-level responses are terminal outcomes and are never
// retried.
type AdminClient struct {
	baseURL        string
	tenantSlug     string
	installationID string

	keyMu  sync.RWMutex
	apiKey string

	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	backoffCap time.Duration

	// sleep is injectable so retry timing is testable
	sleep func(ctx context.Context, d time.Duration) error

	logger *slog.Logger
}

// NewAdminClient creates a client from the admin panel configuration.
// Returns ErrConfigMissing when no base URL is configured, which
// callers treat as "local-only mode" rather than a failure.
func NewAdminClient(cfg config.AdminPanelConfig, installationID string, logger *slog.Logger) (*AdminClient, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.ErrConfigMissing
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid admin panel base url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AdminClient{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		tenantSlug:     cfg.TenantSlug,
		installationID: installationID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoffBase,
		backoffCap: cfg.RetryBackoffCap,
		sleep:      sleepContext,
		logger:     logger.With(slog.String("component", "admin_client")),
	}, nil
}

func (c *AdminClient) currentAPIKey() string {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey
}

// AdoptAPIKey installs key when configuration supplied none. License
// tokens may embed an admin panel credential; a configured key always
// wins over the embedded one. Reports whether the key was adopted.
func (c *AdminClient) AdoptAPIKey(key string) bool {
	if key == "" {
		return false
	}
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return false
	}
	c.apiKey = key
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doWithRetry executes one request, retrying only transient transport
// failures. Each retry waits twice as long as the last, capped.
func (c *AdminClient) doWithRetry(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	wait := c.backoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WarnContext(ctx, "retrying admin panel call",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait),
				slog.String("error", lastErr.Error()))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w: %v", apperrors.ErrRemoteUnreachable, err)
			}
			wait *= 2
			if wait > c.backoffCap {
				wait = c.backoffCap
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.currentAPIKey())

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d attempts failed: %v", apperrors.ErrRemoteUnreachable, c.maxRetries+1, lastErr)
}

// ValidateLicense asks the Admin Panel for an authoritative verdict
func (c *AdminClient) ValidateLicense(ctx context.Context, licenseKey, hardwareID string) (*RemoteValidation, error) {
	body := map[string]string{
		"license_key":     licenseKey,
		"installation_id": c.installationID,
		"hardware_id":     hardwareID,
		"tenant_slug":     c.tenantSlug,
	}

	resp, err := c.doWithRetry(ctx, http.MethodPost, config.AdminValidatePath, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result RemoteValidation
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode validation response: %w", err)
		}
		return &result, nil

	case http.StatusForbidden:
		// Revocation and forbidden responses carry a reason payload.
		// This is an authoritative negative verdict, not an error.
		// An unreadable body still means rejected, but only the
		// payload's revoked flag may claim a revocation.
		var result RemoteValidation
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			result = RemoteValidation{}
		}
		result.Valid = false
		return &result, nil

	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: admin panel rejected the API key", apperrors.ErrRemoteRejected)

	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: license not found", apperrors.ErrRemoteRejected)

	default:
		return nil, fmt.Errorf("%w: unexpected status %d", apperrors.ErrRemoteUnreachable, resp.StatusCode)
	}
}

// FetchTenantConfig retrieves the opaque tenant configuration map
func (c *AdminClient) FetchTenantConfig(ctx context.Context) (map[string]interface{}, error) {
	path := fmt.Sprintf("/tenants/%s/configs/dict", url.PathEscape(c.tenantSlug))

	resp, err := c.doWithRetry(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", apperrors.ErrRemoteUnreachable, resp.StatusCode)
	}

	var cfg map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode tenant config: %w", err)
	}
	return cfg, nil
}

// ReportHealth is best-effort: failures are logged and swallowed
// because health reporting must never affect request serving.
func (c *AdminClient) ReportHealth(ctx context.Context, report HealthReport) bool {
	path := fmt.Sprintf("/tenants/%s/deployment/health", url.PathEscape(c.tenantSlug))

	resp, err := c.doWithRetry(ctx, http.MethodPut, path, report)
	if err != nil {
		c.logger.WarnContext(ctx, "health report failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		c.logger.WarnContext(ctx, "health report rejected", slog.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// SendTelemetry is best-effort like ReportHealth
func (c *AdminClient) SendTelemetry(ctx context.Context, payload map[string]interface{}) bool {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["installation_id"] = c.installationID
	payload["tenant_slug"] = c.tenantSlug
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	resp, err := c.doWithRetry(ctx, http.MethodPost, config.AdminTelemetryPath, payload)
	if err != nil {
		c.logger.WarnContext(ctx, "telemetry send failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		c.logger.WarnContext(ctx, "telemetry rejected", slog.Int("status", resp.StatusCode))
		return false
	}
	return true
}
