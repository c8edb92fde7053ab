package services

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	apperrors "peoplecore/internal/errors"
	"peoplecore/internal/infrastructure"
	"peoplecore/internal/license"
	"peoplecore/internal/middleware"
)

// LicenseManager is the subset of license.Manager the service layer
// depends on. Declared here so handlers can be tested with fakes.
type LicenseManager interface {
	Status(ctx context.Context) (*license.StatusReport, error)
	Activate(ctx context.Context, token string) (*license.ValidationVerdict, error)
	ValidateWithContext(ctx context.Context) (*license.ValidationVerdict, error)
	SyncHistory(ctx context.Context, limit int) ([]license.SyncLogEntry, error)
	Fingerprint() (string, bool, error)
	FingerprintComponents() map[string]string
	InvalidateCaches()
	Activated() bool
}

// LicenseService provides business logic for license operations
type LicenseService interface {
	GetStatus(ctx context.Context) (*LicenseStatusResponse, error)
	Activate(ctx context.Context, token string) (*ActivationResponse, error)
	ValidateWithContext(ctx context.Context) (bool, error)
	GetDetailedStatus(ctx context.Context) (*DetailedLicenseStatusResponse, error)
	GetSyncHistory(ctx context.Context, limit int) ([]license.SyncLogEntry, error)
	InvalidateCache(ctx context.Context) error
}

// LicenseStatusResponse represents the standardized license status response
type LicenseStatusResponse struct {
	Licensed      bool      `json:"licensed"`
	Activated     bool      `json:"activated"`
	LicenseStatus string    `json:"license_status"` // ACTIVE|GRACE_PERIOD|EXPIRED|not_activated
	Source        string    `json:"source,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	Company       string    `json:"company,omitempty"`
	MaxEmployees  int       `json:"max_employees,omitempty"`
	Features      []string  `json:"features,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	DaysLeft      int       `json:"days_left"`
	Message       string    `json:"message,omitempty"`
	TraceID       string    `json:"trace_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// DetailedLicenseStatusResponse provides comprehensive license information
// for operators, including deployment identity and validation counters.
type DetailedLicenseStatusResponse struct {
	LicenseStatusResponse

	InstallationID    string                 `json:"installation_id,omitempty"`
	LocalOnly         bool                   `json:"local_only"`
	FingerprintDigest string                 `json:"fingerprint_digest,omitempty"`
	FingerprintParts  map[string]string      `json:"fingerprint_components,omitempty"`
	WeakFingerprint   bool                   `json:"weak_fingerprint"`
	LastChecked       *time.Time             `json:"last_checked,omitempty"`
	ValidationCount   int64                  `json:"validation_count"`
	FailureCount      int64                  `json:"failure_count"`
	RecentSyncs       []license.SyncLogEntry `json:"recent_syncs,omitempty"`
	Recommendations   []string               `json:"recommendations,omitempty"`
}

// ActivationResponse is returned after a successful activation
type ActivationResponse struct {
	Activated bool      `json:"activated"`
	Status    string    `json:"status"`
	Tier      string    `json:"tier,omitempty"`
	Company   string    `json:"company,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Message   string    `json:"message"`
	TraceID   string    `json:"trace_id"`
}

type licenseService struct {
	manager LicenseManager
	logger  *slog.Logger

	startTime       time.Time
	validationCount atomic.Int64
	failureCount    atomic.Int64
	lastValidation  atomic.Int64 // unix nanos, 0 when never validated
}

// NewLicenseService creates a new license service
func NewLicenseService(manager LicenseManager, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager:   manager,
		logger:    logger.With(slog.String("service", "license")),
		startTime: time.Now(),
	}
}

func traceID(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return infrastructure.GetTraceID(ctx)
}

// GetStatus returns the current license status
func (s *licenseService) GetStatus(ctx context.Context) (*LicenseStatusResponse, error) {
	start := time.Now()
	tid := traceID(ctx)

	report, err := s.manager.Status(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "license status check failed",
			slog.String("trace_id", tid),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.InfoContext(ctx, "license status check completed",
		slog.String("trace_id", tid),
		slog.String("status", report.Status),
		slog.Bool("licensed", report.Licensed),
		slog.Duration("duration", time.Since(start)),
	)

	return s.statusResponse(report, tid), nil
}

func (s *licenseService) statusResponse(report *license.StatusReport, tid string) *LicenseStatusResponse {
	return &LicenseStatusResponse{
		Licensed:      report.Licensed,
		Activated:     report.Activated,
		LicenseStatus: report.Status,
		Source:        report.Source,
		Tier:          report.Tier,
		Company:       report.Company,
		MaxEmployees:  report.MaxEmployees,
		Features:      report.Features,
		ExpiresAt:     report.ExpiresAt,
		DaysLeft:      report.DaysLeft,
		Message:       report.Message,
		TraceID:       tid,
		Timestamp:     time.Now().UTC(),
	}
}

// Activate validates and installs a license token
func (s *licenseService) Activate(ctx context.Context, token string) (*ActivationResponse, error) {
	tid := traceID(ctx)

	verdict, err := s.manager.Activate(ctx, token)
	if err != nil {
		s.failureCount.Add(1)
		s.logger.WarnContext(ctx, "license activation rejected",
			slog.String("trace_id", tid),
			slog.String("error", err.Error()),
		)
		return nil, apperrors.NewLicenseError("activation rejected", err).
			WithContext("license_key", license.MaskLicenseKey(token))
	}

	s.logger.InfoContext(ctx, "license activated",
		slog.String("trace_id", tid),
		slog.String("license_id", license.MaskLicenseKey(verdict.LicenseID)),
		slog.String("tier", verdict.Tier),
		slog.String("source", verdict.Source),
	)

	return &ActivationResponse{
		Activated: true,
		Status:    verdict.Status,
		Tier:      verdict.Tier,
		Company:   verdict.Company,
		ExpiresAt: verdict.ExpiresAt,
		Message:   "License activated successfully",
		TraceID:   tid,
	}, nil
}

// ValidateWithContext performs an on-demand validation pass
func (s *licenseService) ValidateWithContext(ctx context.Context) (bool, error) {
	s.validationCount.Add(1)
	s.lastValidation.Store(time.Now().UnixNano())

	verdict, err := s.manager.ValidateWithContext(ctx)
	if err != nil {
		s.failureCount.Add(1)
		return false, err
	}
	return verdict != nil && verdict.Valid, nil
}

// GetDetailedStatus returns the operator-facing diagnostic view
func (s *licenseService) GetDetailedStatus(ctx context.Context) (*DetailedLicenseStatusResponse, error) {
	tid := traceID(ctx)

	report, err := s.manager.Status(ctx)
	if err != nil {
		return nil, err
	}

	resp := &DetailedLicenseStatusResponse{
		LicenseStatusResponse: *s.statusResponse(report, tid),
		InstallationID:        report.InstallationID,
		LocalOnly:             report.LocalOnly,
		WeakFingerprint:       report.WeakFingerprint,
		ValidationCount:       s.validationCount.Load(),
		FailureCount:          s.failureCount.Load(),
	}

	if !report.LastChecked.IsZero() {
		checked := report.LastChecked
		resp.LastChecked = &checked
	}

	if digest, weak, err := s.manager.Fingerprint(); err == nil {
		resp.FingerprintDigest = digest
		resp.WeakFingerprint = weak
		resp.FingerprintParts = s.manager.FingerprintComponents()
	} else {
		s.logger.WarnContext(ctx, "fingerprint unavailable",
			slog.String("trace_id", tid),
			slog.String("error", err.Error()),
		)
	}

	if syncs, err := s.manager.SyncHistory(ctx, 10); err == nil {
		resp.RecentSyncs = syncs
	}

	resp.Recommendations = s.recommendations(report, resp)
	return resp, nil
}

func (s *licenseService) recommendations(report *license.StatusReport, resp *DetailedLicenseStatusResponse) []string {
	var recs []string

	if !report.Activated {
		recs = append(recs, "Activate a license token to unlock the platform")
		return recs
	}
	if report.Status == "GRACE_PERIOD" {
		recs = append(recs, "Restore connectivity to the admin panel before the grace period ends")
	}
	if report.Status == "EXPIRED" {
		recs = append(recs, "Contact your account manager to renew or reinstate the license")
	}
	if report.LocalOnly {
		recs = append(recs, "Configure the admin panel URL and API key to enable online validation")
	}
	if resp.WeakFingerprint {
		recs = append(recs, "Hardware identity is weak on this host; binding checks may be unreliable")
	}
	if report.DaysLeft > 0 && report.DaysLeft <= 30 {
		recs = append(recs, "License expires within 30 days; schedule a renewal")
	}
	return recs
}

// GetSyncHistory returns recent admin panel synchronization attempts
func (s *licenseService) GetSyncHistory(ctx context.Context, limit int) ([]license.SyncLogEntry, error) {
	return s.manager.SyncHistory(ctx, limit)
}

// InvalidateCache drops cached verdicts and the fingerprint cache
func (s *licenseService) InvalidateCache(ctx context.Context) error {
	s.manager.InvalidateCaches()
	s.logger.InfoContext(ctx, "license caches invalidated",
		slog.String("trace_id", traceID(ctx)),
	)
	return nil
}
