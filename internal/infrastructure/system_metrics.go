package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// runtimeGauges records Go runtime statistics as OTel gauges. The same
// sample feeds telemetry snapshots sent to the admin panel.
type runtimeGauges struct {
	goroutines  metric.Int64Gauge
	heapInUse   metric.Int64Gauge
	totalAlloc  metric.Int64Gauge
	sysReserved metric.Int64Gauge
	gcPause     metric.Float64Histogram
	cpuCount    metric.Int64Gauge
	uptime      metric.Float64Gauge
}

func newRuntimeGauges(meter metric.Meter) (*runtimeGauges, error) {
	var firstErr error
	int64Gauge := func(name, desc string, opts ...metric.Int64GaugeOption) metric.Int64Gauge {
		g, err := meter.Int64Gauge(name, append(opts, metric.WithDescription(desc))...)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return g
	}

	g := &runtimeGauges{
		goroutines:  int64Gauge("system_goroutines", "Number of active goroutines"),
		heapInUse:   int64Gauge("system_memory_usage_bytes", "Memory usage in bytes", metric.WithUnit("By")),
		totalAlloc:  int64Gauge("system_memory_allocated_bytes", "Memory allocated by Go runtime in bytes", metric.WithUnit("By")),
		sysReserved: int64Gauge("system_memory_system_bytes", "Memory obtained from the OS in bytes", metric.WithUnit("By")),
		cpuCount:    int64Gauge("system_cpu_count", "Number of logical CPUs"),
	}

	pause, err := meter.Float64Histogram(
		"system_gc_pause_seconds",
		metric.WithDescription("Garbage collection pause duration"),
		metric.WithUnit("s"),
	)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	g.gcPause = pause

	up, err := meter.Float64Gauge(
		"system_process_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	g.uptime = up

	if firstErr != nil {
		return nil, firstErr
	}
	return g, nil
}

// RuntimeSnapshot is one point-in-time sample of the process
type RuntimeSnapshot struct {
	Goroutines  int64
	HeapInUse   int64
	TotalAlloc  int64
	SysReserved int64
	GCCount     uint32
	LastGCPause time.Duration
	CPUCount    int
	Uptime      time.Duration
	Timestamp   time.Time
}

// sample reads the runtime counters and records every gauge
func (g *runtimeGauges) sample(ctx context.Context, startTime time.Time) *RuntimeSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := &RuntimeSnapshot{
		Goroutines:  int64(runtime.NumGoroutine()),
		HeapInUse:   int64(ms.Alloc),
		TotalAlloc:  int64(ms.TotalAlloc),
		SysReserved: int64(ms.Sys),
		GCCount:     ms.NumGC,
		LastGCPause: time.Duration(ms.PauseNs[(ms.NumGC+255)%256]),
		CPUCount:    runtime.NumCPU(),
		Uptime:      time.Since(startTime),
		Timestamp:   time.Now(),
	}

	g.goroutines.Record(ctx, snap.Goroutines)
	g.heapInUse.Record(ctx, snap.HeapInUse)
	g.totalAlloc.Record(ctx, snap.TotalAlloc)
	g.sysReserved.Record(ctx, snap.SysReserved)
	g.cpuCount.Record(ctx, int64(snap.CPUCount))
	g.uptime.Record(ctx, snap.Uptime.Seconds())
	if snap.LastGCPause > 0 {
		g.gcPause.Record(ctx, snap.LastGCPause.Seconds())
	}

	return snap
}

// TelemetryPayload shapes a sample for the telemetry snapshot sent to
// the admin panel
func (s *RuntimeSnapshot) TelemetryPayload() map[string]interface{} {
	const mb = 1024 * 1024
	return map[string]interface{}{
		"runtime": map[string]interface{}{
			"goroutines":       s.Goroutines,
			"memory_usage_mb":  s.HeapInUse / mb,
			"memory_alloc_mb":  s.TotalAlloc / mb,
			"memory_system_mb": s.SysReserved / mb,
			"gc_count":         s.GCCount,
			"last_gc_pause_ms": s.LastGCPause.Milliseconds(),
		},
		"system": map[string]interface{}{
			"cpu_count":      s.CPUCount,
			"uptime_seconds": s.Uptime.Seconds(),
		},
		"timestamp": s.Timestamp.Format(time.RFC3339),
	}
}

// SystemMetricsCollector samples the runtime on a fixed interval until
// stopped
type SystemMetricsCollector struct {
	gauges    *runtimeGauges
	startTime time.Time
	interval  time.Duration
	stopCh    chan struct{}
}

// NewSystemMetricsCollector registers the runtime gauges on the meter
// and prepares a collector with the given sampling interval
func NewSystemMetricsCollector(meter metric.Meter, interval time.Duration) (*SystemMetricsCollector, error) {
	gauges, err := newRuntimeGauges(meter)
	if err != nil {
		return nil, fmt.Errorf("register runtime gauges: %w", err)
	}

	return &SystemMetricsCollector{
		gauges:    gauges,
		startTime: time.Now(),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start blocks, sampling until Stop is called or the context ends. Run
// it in its own goroutine.
func (c *SystemMetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.gauges.sample(ctx, c.startTime)

	for {
		select {
		case <-ticker.C:
			c.gauges.sample(ctx, c.startTime)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the collection loop
func (c *SystemMetricsCollector) Stop() {
	close(c.stopCh)
}

// Snapshot samples immediately, outside the ticker cadence
func (c *SystemMetricsCollector) Snapshot(ctx context.Context) *RuntimeSnapshot {
	return c.gauges.sample(ctx, c.startTime)
}
