package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// DatabasePinger reports whether the state store is reachable
type DatabasePinger interface {
	PingContext(ctx context.Context) error
}

// HealthService answers liveness, readiness and version queries
type HealthService struct {
	version   string
	buildTime string
	buildID   string
	db        DatabasePinger
	manager   LicenseManager
	localOnly bool
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the common payload for the health endpoints
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth describes one dependency in the readiness report
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService creates a new health service with injected dependencies
func NewHealthService(version string, db DatabasePinger, manager LicenseManager, localOnly bool, logger *slog.Logger) *HealthService {
	return NewHealthServiceWithBuildInfo(version, "", "", db, manager, localOnly, logger)
}

// NewHealthServiceWithBuildInfo additionally records the ldflags build
// identifiers so /api/version can report them
func NewHealthServiceWithBuildInfo(version, buildTime, buildID string, db DatabasePinger, manager LicenseManager, localOnly bool, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		buildTime: buildTime,
		buildID:   buildID,
		db:        db,
		manager:   manager,
		localOnly: localOnly,
		startTime: time.Now(),
		logger:    logger,
	}
}

// HealthCheck is the cheap probe used by load balancers
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
	}
}

// LivenessCheck reports uptime and runtime counters
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck returns readiness status. The process is ready when the
// state store answers; license problems are reported but do not make the
// health endpoints unreachable, otherwise an expired install could never
// be diagnosed remotely.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	dbHealth := hs.checkDatabaseHealth(ctx)
	status.Services["database"] = dbHealth
	status.Services["license"] = hs.checkLicenseHealth(ctx)
	status.Services["admin_panel"] = hs.checkAdminPanelHealth()

	if dbHealth.Status != "ready" {
		status.Status = "not_ready"
	}

	return status
}

// Version reports build and runtime details
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":      hs.version,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"uptime":       time.Since(hs.startTime).Seconds(),
		"start_time":   hs.startTime.Format(time.RFC3339),
		"current_time": time.Now().Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	if hs.buildID != "" {
		result["build_id"] = hs.buildID
	}
	return result
}

func (hs *HealthService) checkDatabaseHealth(ctx context.Context) ServiceHealth {
	if hs.db == nil {
		return ServiceHealth{Status: "not_ready", Message: "state store not initialized"}
	}
	if err := hs.db.PingContext(ctx); err != nil {
		return ServiceHealth{Status: "not_ready", Message: fmt.Sprintf("state store unreachable: %v", err)}
	}
	return ServiceHealth{Status: "ready"}
}

func (hs *HealthService) checkLicenseHealth(ctx context.Context) ServiceHealth {
	if hs.manager == nil {
		return ServiceHealth{Status: "not_ready", Message: "license manager not initialized"}
	}
	if !hs.manager.Activated() {
		return ServiceHealth{Status: "degraded", Message: "no license activated"}
	}
	report, err := hs.manager.Status(ctx)
	if err != nil {
		return ServiceHealth{Status: "degraded", Message: fmt.Sprintf("license check failed: %v", err)}
	}
	if !report.Licensed {
		return ServiceHealth{Status: "degraded", Message: report.Message}
	}
	return ServiceHealth{Status: "ready", Message: report.Status}
}

func (hs *HealthService) checkAdminPanelHealth() ServiceHealth {
	if hs.localOnly {
		return ServiceHealth{Status: "disabled", Message: "running in local-only mode"}
	}
	return ServiceHealth{Status: "ready"}
}
