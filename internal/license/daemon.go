package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peoplecore/internal/config"
)

// initialSyncDelay spaces the first validation run away from process
// startup so a fleet restarting together does not stampede the panel.
const initialSyncDelay = 45 * time.Second

// SyncDaemon drives the periodic background work: revalidating the
// license against the admin panel, reporting deployment health, and
// draining queued telemetry snapshots. Every loop survives individual
// failures and stops cooperatively on context cancellation.
type SyncDaemon struct {
	validate    func(ctx context.Context) (*ValidationVerdict, error)
	onValidated func()

	client         *AdminClient
	store          *StateStore
	stats          func() map[string]interface{}
	installationID string
	version        string
	startTime      time.Time

	cfg    config.SyncConfig
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSyncDaemon builds the daemon. validate runs one full validation
// pass; onValidated fires after each successful pass so the
// enforcement layer can drop its cached verdict. stats supplies the
// telemetry payload and may be nil.
func NewSyncDaemon(cfg config.SyncConfig, client *AdminClient, store *StateStore,
	validate func(ctx context.Context) (*ValidationVerdict, error),
	onValidated func(), stats func() map[string]interface{},
	installationID, version string, logger *slog.Logger) *SyncDaemon {

	if logger == nil {
		logger = slog.Default()
	}
	return &SyncDaemon{
		validate:       validate,
		onValidated:    onValidated,
		client:         client,
		store:          store,
		stats:          stats,
		installationID: installationID,
		version:        version,
		startTime:      time.Now(),
		cfg:            cfg,
		logger:         logger,
	}
}

// Start launches the background loops. It is a no-op when sync is
// disabled or no admin panel client is configured.
func (d *SyncDaemon) Start(ctx context.Context) {
	if !d.cfg.Enabled || d.client == nil {
		d.logger.Info("license sync daemon disabled")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(2)
	go d.validationLoop(loopCtx)
	go d.heartbeatLoop(loopCtx)

	d.logger.Info("license sync daemon started",
		slog.Duration("validation_interval", d.cfg.ValidationInterval),
		slog.Duration("heartbeat_interval", d.cfg.HeartbeatInterval),
		slog.Bool("telemetry_enabled", d.cfg.TelemetryEnabled))
}

// Stop cancels the loops and waits for them to drain
func (d *SyncDaemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("license sync daemon stopped")
}

// validationLoop revalidates on a fixed interval, with one delayed
// initial run shortly after startup
func (d *SyncDaemon) validationLoop(ctx context.Context) {
	defer d.wg.Done()

	initial := time.NewTimer(initialSyncDelay)
	defer initial.Stop()

	select {
	case <-ctx.Done():
		return
	case <-initial.C:
		d.runValidation(ctx)
	}

	ticker := time.NewTicker(d.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runValidation(ctx)
		}
	}
}

// runValidation performs one pass and never lets a failure escape
func (d *SyncDaemon) runValidation(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in validation loop", slog.Any("panic", r))
		}
	}()

	verdict, err := d.validate(ctx)
	if err != nil {
		d.logger.WarnContext(ctx, "scheduled license validation failed",
			slog.String("error", err.Error()))
		// Remote attempts write their own audit row. A pass that
		// failed before reaching the panel still needs one.
		if verdict == nil || verdict.Source == "local" {
			d.recordLocalFailure(ctx, err)
		}
		return
	}

	d.logger.InfoContext(ctx, "scheduled license validation completed",
		slog.String("source", verdict.Source),
		slog.String("status", verdict.Status))

	if d.onValidated != nil {
		d.onValidated()
	}
}

func (d *SyncDaemon) recordLocalFailure(ctx context.Context, failure error) {
	if d.store == nil {
		return
	}
	now := time.Now().UTC()
	entry := &SyncLogEntry{
		SyncType:     "validation",
		Status:       "failure",
		ErrorMessage: failure.Error(),
		StartedAt:    now,
		CompletedAt:  now,
	}
	if err := d.store.RecordSync(ctx, entry); err != nil {
		d.logger.WarnContext(ctx, "failed to record sync attempt",
			slog.String("error", err.Error()))
	}
}

// heartbeatLoop reports health and drains telemetry on a fixed interval
func (d *SyncDaemon) heartbeatLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runHeartbeat(ctx)
		}
	}
}

func (d *SyncDaemon) runHeartbeat(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in heartbeat loop", slog.Any("panic", r))
		}
	}()

	d.reportHealth(ctx)
	if d.cfg.TelemetryEnabled {
		d.flushTelemetry(ctx)
	}
}

// reportHealth sends one deployment heartbeat, best-effort
func (d *SyncDaemon) reportHealth(ctx context.Context) {
	started := time.Now().UTC()
	report := HealthReport{
		InstallationID: d.installationID,
		Timestamp:      started,
		Status:         "healthy",
		Version:        d.version,
		UptimeSeconds:  time.Since(d.startTime).Seconds(),
	}

	ok := d.client.ReportHealth(ctx, report)
	d.recordAttempt(ctx, "health", ok, started, "")
}

// flushTelemetry snapshots current stats, queues the snapshot, then
// attempts delivery of everything still queued. Undelivered snapshots
// stay queued for the next tick.
func (d *SyncDaemon) flushTelemetry(ctx context.Context) {
	if d.stats != nil && d.store != nil {
		if _, err := d.store.SaveTelemetry(ctx, d.stats()); err != nil {
			d.logger.WarnContext(ctx, "failed to queue telemetry snapshot",
				slog.String("error", err.Error()))
		}
	}

	if d.store == nil {
		return
	}

	pending, err := d.store.UnsentTelemetry(ctx, 100)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to list queued telemetry",
			slog.String("error", err.Error()))
		return
	}

	for _, snap := range pending {
		started := time.Now().UTC()
		ok := d.client.SendTelemetry(ctx, snap.Payload)
		d.recordAttempt(ctx, "telemetry", ok, started, fmt.Sprintf("snapshot_id=%d", snap.ID))
		if !ok {
			// Keep the rest queued; the panel is likely unreachable
			break
		}
		if err := d.store.MarkTelemetrySent(ctx, snap.ID, time.Now().UTC()); err != nil {
			d.logger.WarnContext(ctx, "failed to mark telemetry sent",
				slog.Int64("snapshot_id", snap.ID),
				slog.String("error", err.Error()))
		}
	}
}

// recordAttempt appends one audit row for a heartbeat or telemetry call
func (d *SyncDaemon) recordAttempt(ctx context.Context, syncType string, ok bool, started time.Time, detail string) {
	if d.store == nil {
		return
	}
	completed := time.Now().UTC()
	entry := &SyncLogEntry{
		SyncType:     syncType,
		Status:       "success",
		ResponseData: detail,
		StartedAt:    started,
		CompletedAt:  completed,
		DurationMS:   completed.Sub(started).Milliseconds(),
	}
	if !ok {
		entry.Status = "failure"
		entry.ErrorMessage = "admin panel delivery failed"
	}
	if err := d.store.RecordSync(ctx, entry); err != nil {
		d.logger.WarnContext(ctx, "failed to record sync attempt",
			slog.String("sync_type", syncType),
			slog.String("error", err.Error()))
	}
}
