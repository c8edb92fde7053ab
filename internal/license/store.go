package license

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"peoplecore/internal/config"
)

// GraceStatus is the effective license status derived from the cached
// state when the remote authority cannot be consulted.
type GraceStatus int

const (
	// GraceActive means the last online validation is fresh
	GraceActive GraceStatus = iota
	// GracePeriod means the license runs on borrowed time: the remote
	// has not confirmed it recently but the grace window is still open
	GracePeriod
	// GraceExpired means the grace window has closed (or the license
	// was revoked) and the license must be treated as invalid
	GraceExpired
)

func (s GraceStatus) String() string {
	switch s {
	case GraceActive:
		return "ACTIVE"
	case GracePeriod:
		return "GRACE_PERIOD"
	case GraceExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// LicenseState is the persisted cache row, one active row per license
type LicenseState struct {
	LicenseID            string
	Tier                 string
	Company              string
	MaxEmployees         int
	Features             []string
	ExpiresAt            time.Time
	LastOnlineValidation *time.Time
	LastValidationStatus string
	RevokedAt            *time.Time
	RevocationReason     string
	GracePeriodEnds      *time.Time
	IsActive             bool
	UpdatedAt            time.Time
}

// SyncLogEntry is an append-only audit row, one per sync attempt
type SyncLogEntry struct {
	ID           int64
	SyncType     string // validation, health, telemetry
	Status       string // success, failure
	ResponseCode int
	ResponseData string
	ErrorMessage string
	DurationMS   int64
	StartedAt    time.Time
	CompletedAt  time.Time
}

// TelemetrySnapshot is a point-in-time health/usage snapshot queued
// for delivery to the admin panel
type TelemetrySnapshot struct {
	ID               int64
	Payload          map[string]interface{}
	CreatedAt        time.Time
	SentToAdminPanel bool
	SentAt           *time.Time
}

// StateStore is the durable cache of the last known-good validation
// plus grace-period bookkeeping, backed by SQLite.
type StateStore struct {
	db *sql.DB

	// freshFor bounds how old an online validation may be and still
	// count as ACTIVE; beyond it the grace window applies.
	freshFor    time.Duration
	graceWindow time.Duration
}

// OpenStateStore opens (creating if needed) the state database
func OpenStateStore(cfg config.DatabaseConfig, freshFor, graceWindow time.Duration) (*StateStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	store := NewStateStore(db, freshFor, graceWindow)
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStateStore wraps an existing database handle. Tests use this with
// an in-memory database.
func NewStateStore(db *sql.DB, freshFor, graceWindow time.Duration) *StateStore {
	return &StateStore{
		db:          db,
		freshFor:    freshFor,
		graceWindow: graceWindow,
	}
}

// Init creates the schema if it does not exist
func (s *StateStore) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS license_state (
		license_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		company TEXT NOT NULL DEFAULT '',
		max_employees INTEGER NOT NULL DEFAULT 0,
		features TEXT NOT NULL DEFAULT '[]',
		expires_at TIMESTAMP NOT NULL,
		last_online_validation TIMESTAMP,
		last_validation_status TEXT NOT NULL DEFAULT '',
		revoked_at TIMESTAMP,
		revocation_reason TEXT NOT NULL DEFAULT '',
		grace_period_ends TIMESTAMP,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS license_sync_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_type TEXT NOT NULL,
		status TEXT NOT NULL,
		response_code INTEGER NOT NULL DEFAULT 0,
		response_data TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS telemetry_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		sent_to_admin_panel BOOLEAN NOT NULL DEFAULT 0,
		sent_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sync_logs_started_at ON license_sync_logs(started_at);
	CREATE INDEX IF NOT EXISTS idx_telemetry_unsent ON telemetry_snapshots(sent_to_admin_panel, created_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *StateStore) Close() error {
	return s.db.Close()
}

// PingContext reports whether the database answers
func (s *StateStore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the cached license state, or nil when none exists
func (s *StateStore) Get(ctx context.Context) (*LicenseState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT license_id, tier, company, max_employees, features, expires_at,
		       last_online_validation, last_validation_status, revoked_at,
		       revocation_reason, grace_period_ends, is_active, updated_at
		FROM license_state
		ORDER BY updated_at DESC
		LIMIT 1`)

	var state LicenseState
	var featuresJSON string
	err := row.Scan(
		&state.LicenseID, &state.Tier, &state.Company, &state.MaxEmployees,
		&featuresJSON, &state.ExpiresAt, &state.LastOnlineValidation,
		&state.LastValidationStatus, &state.RevokedAt, &state.RevocationReason,
		&state.GracePeriodEnds, &state.IsActive, &state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read license state: %w", err)
	}

	if err := json.Unmarshal([]byte(featuresJSON), &state.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	return &state, nil
}

// Upsert writes the state row atomically, keyed by license id
func (s *StateStore) Upsert(ctx context.Context, state *LicenseState) error {
	featuresJSON, err := json.Marshal(state.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO license_state (
			license_id, tier, company, max_employees, features, expires_at,
			last_online_validation, last_validation_status, revoked_at,
			revocation_reason, grace_period_ends, is_active, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(license_id) DO UPDATE SET
			tier = excluded.tier,
			company = excluded.company,
			max_employees = excluded.max_employees,
			features = excluded.features,
			expires_at = excluded.expires_at,
			last_online_validation = excluded.last_online_validation,
			last_validation_status = excluded.last_validation_status,
			revoked_at = excluded.revoked_at,
			revocation_reason = excluded.revocation_reason,
			grace_period_ends = excluded.grace_period_ends,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		state.LicenseID, state.Tier, state.Company, state.MaxEmployees,
		string(featuresJSON), state.ExpiresAt, state.LastOnlineValidation,
		state.LastValidationStatus, state.RevokedAt, state.RevocationReason,
		state.GracePeriodEnds, state.IsActive, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert license state: %w", err)
	}
	return nil
}

// MarkRevoked flips the state to revoked immediately. Revocation
// always wins over any remaining grace window and is_active never
// flips back except by installing a new token.
func (s *StateStore) MarkRevoked(ctx context.Context, licenseID, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE license_state
		SET is_active = 0,
		    last_validation_status = 'revoked',
		    revoked_at = ?,
		    revocation_reason = ?,
		    updated_at = ?
		WHERE license_id = ?`,
		now, reason, now, licenseID)
	if err != nil {
		return fmt.Errorf("failed to mark license revoked: %w", err)
	}
	return nil
}

// MarkInvalid records a remote rejection that is not a revocation.
// The license stops working but no revocation record is written, so a
// later positive answer from the panel can reactivate it.
func (s *StateStore) MarkInvalid(ctx context.Context, licenseID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE license_state
		SET is_active = 0,
		    last_validation_status = 'invalid',
		    updated_at = ?
		WHERE license_id = ?`,
		now, licenseID)
	if err != nil {
		return fmt.Errorf("failed to mark license invalid: %w", err)
	}
	return nil
}

// ComputeGrace derives the effective status from the cached state at
// the given instant. Used when the remote authority is unreachable.
func (s *StateStore) ComputeGrace(state *LicenseState, now time.Time) GraceStatus {
	if state == nil {
		return GraceExpired
	}
	if !state.IsActive || state.RevokedAt != nil || state.LastValidationStatus == "revoked" {
		return GraceExpired
	}

	if state.LastOnlineValidation == nil {
		// Never confirmed online. The explicit grace deadline set at
		// activation is the only leniency available.
		if state.GracePeriodEnds != nil && now.Before(*state.GracePeriodEnds) {
			return GracePeriod
		}
		return GraceExpired
	}

	elapsed := now.Sub(*state.LastOnlineValidation)
	switch {
	case elapsed <= s.freshFor:
		return GraceActive
	case elapsed <= s.graceWindow:
		return GracePeriod
	default:
		return GraceExpired
	}
}

// GraceWindow returns the configured grace window
func (s *StateStore) GraceWindow() time.Duration {
	return s.graceWindow
}

// RecordSync appends one audit row. Called for every sync attempt
// regardless of outcome.
func (s *StateStore) RecordSync(ctx context.Context, entry *SyncLogEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO license_sync_logs (
			sync_type, status, response_code, response_data,
			error_message, duration_ms, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SyncType, entry.Status, entry.ResponseCode, entry.ResponseData,
		entry.ErrorMessage, entry.DurationMS, entry.StartedAt, entry.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync attempt: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ListSyncLogs returns the most recent audit rows, newest first
func (s *StateStore) ListSyncLogs(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sync_type, status, response_code, response_data,
		       error_message, duration_ms, started_at, completed_at
		FROM license_sync_logs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		if err := rows.Scan(&e.ID, &e.SyncType, &e.Status, &e.ResponseCode,
			&e.ResponseData, &e.ErrorMessage, &e.DurationMS,
			&e.StartedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveTelemetry queues a snapshot for delivery
func (s *StateStore) SaveTelemetry(ctx context.Context, payload map[string]interface{}) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode telemetry payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_snapshots (payload, created_at, sent_to_admin_panel)
		VALUES (?, ?, 0)`,
		string(data), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to save telemetry snapshot: %w", err)
	}
	return res.LastInsertId()
}

// UnsentTelemetry returns queued snapshots, oldest first
func (s *StateStore) UnsentTelemetry(ctx context.Context, limit int) ([]TelemetrySnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, created_at, sent_to_admin_panel, sent_at
		FROM telemetry_snapshots
		WHERE sent_to_admin_panel = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []TelemetrySnapshot
	for rows.Next() {
		var snap TelemetrySnapshot
		var payloadJSON string
		if err := rows.Scan(&snap.ID, &payloadJSON, &snap.CreatedAt,
			&snap.SentToAdminPanel, &snap.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &snap.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode telemetry payload: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// MarkTelemetrySent flags a snapshot as delivered
func (s *StateStore) MarkTelemetrySent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE telemetry_snapshots
		SET sent_to_admin_panel = 1, sent_at = ?
		WHERE id = ?`, sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark telemetry sent: %w", err)
	}
	return nil
}
