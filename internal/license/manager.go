package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"peoplecore/internal/config"
	apperrors "peoplecore/internal/errors"
	"peoplecore/internal/infrastructure"
)

// Manager is the entry point for all license operations. It owns the
// token codec, the validation pipeline, the durable state store, the
// admin panel client, and the background sync daemon, and hands out
// verdicts to the HTTP layer and the enforcement middleware.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	codec         TokenCodec
	fingerprinter *Fingerprinter
	local         *LocalValidator
	hybrid        *HybridValidator
	client        *AdminClient
	store         *StateStore
	daemon        *SyncDaemon

	metrics *infrastructure.LicenseMetrics

	tokenMu   sync.RWMutex
	token     string
	tokenPath string

	verdictMu   sync.RWMutex
	lastVerdict *ValidationVerdict
	lastChecked time.Time

	listenerMu sync.Mutex
	listeners  []func()
}

// StatusReport is the operator-facing license summary
type StatusReport struct {
	Licensed        bool      `json:"licensed"`
	Activated       bool      `json:"activated"`
	Status          string    `json:"status"`
	Source          string    `json:"source,omitempty"`
	Tier            string    `json:"tier,omitempty"`
	Company         string    `json:"company,omitempty"`
	MaxEmployees    int       `json:"max_employees,omitempty"`
	Features        []string  `json:"features,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	DaysLeft        int       `json:"days_left,omitempty"`
	LastChecked     time.Time `json:"last_checked,omitempty"`
	InstallationID  string    `json:"installation_id,omitempty"`
	LocalOnly       bool      `json:"local_only"`
	WeakFingerprint bool      `json:"weak_fingerprint,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// NewManager wires the full engine from configuration. A missing admin
// panel URL degrades to local-only mode; a missing token leaves the
// manager unactivated until Activate is called.
func NewManager(cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:           cfg,
		logger:        logger,
		fingerprinter: NewFingerprinter(),
	}

	codec, err := buildCodec(cfg.License)
	if err != nil {
		return nil, err
	}
	m.codec = codec

	store, err := OpenStateStore(cfg.Database, cfg.Sync.ValidationInterval, cfg.License.GracePeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to open license state store: %w", err)
	}
	m.store = store

	client, err := NewAdminClient(cfg.AdminPanel, cfg.License.InstallationID, logger)
	if err != nil {
		if !errors.Is(err, apperrors.ErrConfigMissing) {
			store.Close()
			return nil, err
		}
		logger.Info("no admin panel configured, running in local-only mode")
	}
	m.client = client

	m.local = NewLocalValidator(codec, m.fingerprinter, cfg.License.InstallationID, logger)
	m.hybrid = NewHybridValidator(m.local, client, store, logger)

	m.tokenPath = cfg.License.TokenFile
	if m.tokenPath == "" {
		m.tokenPath = filepath.Join(filepath.Dir(cfg.Database.Path), "license.token")
	}
	if token, err := cfg.License.ResolveToken(); err == nil && token != "" {
		m.token = token
	} else if data, readErr := os.ReadFile(m.tokenPath); readErr == nil {
		m.token = strings.TrimSpace(string(data))
	}
	m.adoptEmbeddedAdminKey(m.token)

	m.daemon = NewSyncDaemon(cfg.Sync, client, store,
		m.ValidateWithContext,
		m.notifyListeners,
		nil,
		cfg.License.InstallationID,
		infrastructure.ServiceVersion,
		logger)

	return m, nil
}

// buildCodec selects the codec from configuration. Missing key
// material is fine for an unactivated install; activation fails later
// with a clear error instead.
func buildCodec(cfg config.LicenseConfig) (TokenCodec, error) {
	switch cfg.Algorithm {
	case "HS256":
		if cfg.HMACSecret == "" {
			return nil, nil
		}
		return NewCodec("HS256", nil, nil, []byte(cfg.HMACSecret))
	default:
		if cfg.PublicKeyFile == "" {
			return nil, nil
		}
		pub, err := LoadRSAPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load license public key: %w", err)
		}
		return NewCodec("RS256", pub, nil, nil)
	}
}

// SetMetrics attaches OpenTelemetry instruments. Safe to leave unset.
func (m *Manager) SetMetrics(metrics *infrastructure.LicenseMetrics) {
	m.metrics = metrics
}

// SetTelemetryStats attaches the runtime stats source used for
// telemetry snapshots
func (m *Manager) SetTelemetryStats(stats func() map[string]interface{}) {
	m.daemon.stats = stats
}

// OnVerdictChange registers a callback fired whenever a background
// validation completes or the token changes. The enforcement
// middleware uses this to drop its cached verdict.
func (m *Manager) OnVerdictChange(fn func()) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notifyListeners() {
	m.listenerMu.Lock()
	listeners := make([]func(), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// StartSync launches the background sync daemon
func (m *Manager) StartSync(ctx context.Context) {
	m.daemon.Start(ctx)
}

// Close stops background work and releases the store
func (m *Manager) Close() error {
	m.daemon.Stop()
	return m.store.Close()
}

// Store exposes the state store for health checks
func (m *Manager) Store() *StateStore {
	return m.store
}

// LocalOnly reports whether the manager runs without an admin panel
func (m *Manager) LocalOnly() bool {
	return m.client == nil
}

// Activated reports whether a token is installed
func (m *Manager) Activated() bool {
	m.tokenMu.RLock()
	defer m.tokenMu.RUnlock()
	return m.token != ""
}

// ValidateWithContext runs a full validation pass, honoring context
// cancellation
func (m *Manager) ValidateWithContext(ctx context.Context) (*ValidationVerdict, error) {
	type result struct {
		verdict *ValidationVerdict
		err     error
	}

	ch := make(chan result, 1)
	go func() {
		verdict, err := m.performValidation(ctx)
		ch <- result{verdict, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.verdict, res.err
	}
}

func (m *Manager) performValidation(ctx context.Context) (*ValidationVerdict, error) {
	started := time.Now()

	m.tokenMu.RLock()
	token := m.token
	m.tokenMu.RUnlock()

	if token == "" {
		return nil, apperrors.ErrLicenseNotActivated
	}
	if m.codec == nil {
		return nil, fmt.Errorf("%w: no signing key material configured", apperrors.ErrConfigMissing)
	}

	verdict, err := m.hybrid.Validate(ctx, token)

	m.verdictMu.Lock()
	m.lastVerdict = verdict
	m.lastChecked = time.Now().UTC()
	m.verdictMu.Unlock()

	source := "local"
	if verdict != nil {
		source = verdict.Source
	}
	infrastructure.RecordValidation(ctx, m.metrics, source, time.Since(started), err)

	return verdict, err
}

// Activate installs a new license token. The token must pass a full
// validation pass before it is persisted; remote unavailability is
// acceptable (the token starts its grace window at activation), remote
// rejection is not.
func (m *Manager) Activate(ctx context.Context, token string) (*ValidationVerdict, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty license token", apperrors.ErrTokenMalformed)
	}
	if m.codec == nil {
		return nil, fmt.Errorf("%w: no signing key material configured", apperrors.ErrConfigMissing)
	}

	verdict, err := m.hybrid.Validate(ctx, token)
	if err != nil {
		m.logger.WarnContext(ctx, "license activation rejected",
			slog.String("error", err.Error()))
		return verdict, err
	}

	if err := m.persistToken(token); err != nil {
		return nil, err
	}

	m.tokenMu.Lock()
	m.token = token
	m.tokenMu.Unlock()

	m.adoptEmbeddedAdminKey(token)

	// Never-validated-online installs still get the full grace window
	// measured from activation time.
	if verdict.Source != "remote" {
		m.seedState(ctx, verdict)
	}

	m.verdictMu.Lock()
	m.lastVerdict = verdict
	m.lastChecked = time.Now().UTC()
	m.verdictMu.Unlock()

	m.notifyListeners()
	m.logger.InfoContext(ctx, "license activated",
		slog.String("license_id", MaskLicenseKey(verdict.LicenseID)),
		slog.String("tier", verdict.Tier),
		slog.String("source", verdict.Source))

	return verdict, nil
}

// adoptEmbeddedAdminKey fills the admin client's API key from the
// token's admin_api_key claim when configuration left it empty. The
// key never appears in logs.
func (m *Manager) adoptEmbeddedAdminKey(token string) {
	if m.client == nil || m.codec == nil || token == "" {
		return
	}
	claims, err := m.codec.Verify(token)
	if err != nil || claims.AdminAPIKey == "" {
		return
	}
	if m.client.AdoptAPIKey(claims.AdminAPIKey) {
		m.logger.Info("using admin panel credential embedded in license token")
	}
}

func (m *Manager) persistToken(token string) error {
	if dir := filepath.Dir(m.tokenPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}
	if err := os.WriteFile(m.tokenPath, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to persist license token: %w", err)
	}
	return nil
}

func (m *Manager) seedState(ctx context.Context, verdict *ValidationVerdict) {
	now := time.Now().UTC()
	graceEnds := now.Add(m.cfg.License.GracePeriod)
	state := &LicenseState{
		LicenseID:            verdict.LicenseID,
		Tier:                 verdict.Tier,
		Company:              verdict.Company,
		MaxEmployees:         verdict.MaxEmployees,
		Features:             verdict.Features,
		ExpiresAt:            verdict.ExpiresAt,
		LastValidationStatus: "valid",
		GracePeriodEnds:      &graceEnds,
		IsActive:             true,
		UpdatedAt:            now,
	}
	if err := m.store.Upsert(ctx, state); err != nil {
		m.logger.ErrorContext(ctx, "failed to seed license state",
			slog.String("error", err.Error()))
	}
}

// Status assembles the operator-facing report. It reads the last
// verdict and cached state and only validates when nothing has been
// checked yet.
func (m *Manager) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{
		Status:         GraceExpired.String(),
		InstallationID: m.cfg.License.InstallationID,
		LocalOnly:      m.hybrid.LocalOnly(),
	}

	if _, weak, err := m.fingerprinter.Generate(); err == nil {
		report.WeakFingerprint = weak
	}

	if !m.Activated() {
		report.Status = "not_activated"
		report.Message = "No license installed. Activate a license to unlock the platform."
		return report, nil
	}
	report.Activated = true

	m.verdictMu.RLock()
	verdict := m.lastVerdict
	checked := m.lastChecked
	m.verdictMu.RUnlock()

	if verdict == nil {
		var err error
		verdict, err = m.ValidateWithContext(ctx)
		if err != nil && verdict == nil {
			return nil, err
		}
		checked = time.Now().UTC()
	}

	report.Licensed = verdict.Valid
	report.Status = verdict.Status
	report.Source = verdict.Source
	report.Tier = verdict.Tier
	report.Company = verdict.Company
	report.MaxEmployees = verdict.MaxEmployees
	report.Features = verdict.Features
	report.ExpiresAt = verdict.ExpiresAt
	report.LastChecked = checked

	if !verdict.ExpiresAt.IsZero() {
		if days := int(time.Until(verdict.ExpiresAt).Hours() / 24); days > 0 {
			report.DaysLeft = days
		}
	}
	if verdict.Revoked {
		report.Message = "License revoked by the admin panel."
	} else if verdict.Status == GracePeriod.String() {
		report.Message = "Admin panel unreachable. Running within the offline grace window."
	}

	return report, nil
}

// SyncHistory returns recent sync audit rows for diagnostics
func (m *Manager) SyncHistory(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	return m.store.ListSyncLogs(ctx, limit)
}

// Fingerprint returns the current hardware fingerprint and whether it
// rests only on weak platform identity
func (m *Manager) Fingerprint() (string, bool, error) {
	return m.fingerprinter.Generate()
}

// FingerprintComponents returns the masked per-probe identifiers for
// support diagnostics
func (m *Manager) FingerprintComponents() map[string]string {
	return m.fingerprinter.Components()
}

// InvalidateCaches drops the fingerprint cache and the last verdict
// and notifies listeners. Used by operators after hardware changes.
func (m *Manager) InvalidateCaches() {
	m.fingerprinter.Invalidate()
	m.verdictMu.Lock()
	m.lastVerdict = nil
	m.verdictMu.Unlock()
	m.notifyListeners()
}
