package license

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peoplecore/internal/config"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Enabled:            true,
		ValidationInterval: time.Hour,
		HeartbeatInterval:  time.Hour,
		TelemetryEnabled:   true,
	}
}

func TestDaemonDisabled(t *testing.T) {
	cfg := testSyncConfig()
	cfg.Enabled = false

	d := NewSyncDaemon(cfg, nil, nil, nil, nil, nil, "inst-7", "v1.0.0", nil)
	d.Start(context.Background())
	assert.False(t, d.running)
	d.Stop()
}

func TestDaemonStartStop(t *testing.T) {
	client := reachableClient(t, func(w http.ResponseWriter, r *http.Request) {})
	store := newTestStore(t)

	validate := func(ctx context.Context) (*ValidationVerdict, error) {
		return &ValidationVerdict{Valid: true, Source: "remote", Status: "ACTIVE"}, nil
	}

	d := NewSyncDaemon(testSyncConfig(), client, store, validate, nil, nil, "inst-7", "v1.0.0", nil)
	d.Start(context.Background())
	assert.True(t, d.running)

	// Second start is a no-op
	d.Start(context.Background())

	d.Stop()
	assert.False(t, d.running)
	d.Stop()
}

func TestDaemonRunValidation(t *testing.T) {
	var invalidated atomic.Int32

	t.Run("success notifies listeners", func(t *testing.T) {
		d := NewSyncDaemon(testSyncConfig(), nil, nil,
			func(ctx context.Context) (*ValidationVerdict, error) {
				return &ValidationVerdict{Valid: true, Source: "remote", Status: "ACTIVE"}, nil
			},
			func() { invalidated.Add(1) },
			nil, "inst-7", "v1.0.0", nil)

		d.runValidation(context.Background())
		assert.Equal(t, int32(1), invalidated.Load())
	})

	t.Run("failure is swallowed and does not notify", func(t *testing.T) {
		invalidated.Store(0)
		d := NewSyncDaemon(testSyncConfig(), nil, nil,
			func(ctx context.Context) (*ValidationVerdict, error) {
				return nil, errors.New("panel down")
			},
			func() { invalidated.Add(1) },
			nil, "inst-7", "v1.0.0", nil)

		d.runValidation(context.Background())
		assert.Equal(t, int32(0), invalidated.Load())
	})

	t.Run("local failure leaves an audit row", func(t *testing.T) {
		store := newTestStore(t)
		d := NewSyncDaemon(testSyncConfig(), nil, store,
			func(ctx context.Context) (*ValidationVerdict, error) {
				return &ValidationVerdict{Valid: false, Source: "local", Status: "EXPIRED"},
					errors.New("license expired")
			},
			nil, nil, "inst-7", "v1.0.0", nil)

		d.runValidation(context.Background())

		logs, err := store.ListSyncLogs(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "validation", logs[0].SyncType)
		assert.Equal(t, "failure", logs[0].Status)
		assert.Contains(t, logs[0].ErrorMessage, "license expired")
	})

	t.Run("unactivated instance leaves an audit row", func(t *testing.T) {
		store := newTestStore(t)
		d := NewSyncDaemon(testSyncConfig(), nil, store,
			func(ctx context.Context) (*ValidationVerdict, error) {
				return nil, errors.New("no license token installed")
			},
			nil, nil, "inst-7", "v1.0.0", nil)

		d.runValidation(context.Background())

		logs, err := store.ListSyncLogs(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "failure", logs[0].Status)
	})

	t.Run("panic is contained", func(t *testing.T) {
		d := NewSyncDaemon(testSyncConfig(), nil, nil,
			func(ctx context.Context) (*ValidationVerdict, error) {
				panic("boom")
			},
			nil, nil, "inst-7", "v1.0.0", nil)

		assert.NotPanics(t, func() { d.runValidation(context.Background()) })
	})
}

func TestDaemonHeartbeat(t *testing.T) {
	var healthCalls, telemetryCalls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			healthCalls.Add(1)
		case r.URL.Path == config.AdminTelemetryPath:
			telemetryCalls.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testAdminConfig()
	cfg.BaseURL = server.URL
	cfg.MaxRetries = 0
	client, err := NewAdminClient(cfg, "inst-7", nil)
	require.NoError(t, err)

	store := newTestStore(t)
	stats := func() map[string]interface{} {
		return map[string]interface{}{"goroutines": 12}
	}

	d := NewSyncDaemon(testSyncConfig(), client, store, nil, nil, stats, "inst-7", "v1.0.0", nil)
	d.runHeartbeat(context.Background())

	assert.Equal(t, int32(1), healthCalls.Load())
	assert.Equal(t, int32(1), telemetryCalls.Load())

	// The snapshot was queued, sent, and marked delivered
	pending, err := store.UnsentTelemetry(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	logs, err := store.ListSyncLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	types := []string{logs[0].SyncType, logs[1].SyncType}
	assert.Contains(t, types, "health")
	assert.Contains(t, types, "telemetry")
}

func TestDaemonTelemetryStaysQueuedOnFailure(t *testing.T) {
	client := unreachableClient(t)
	store := newTestStore(t)

	cfg := testSyncConfig()
	d := NewSyncDaemon(cfg, client, store, nil, nil,
		func() map[string]interface{} { return map[string]interface{}{"goroutines": 12} },
		"inst-7", "v1.0.0", nil)

	d.flushTelemetry(context.Background())

	pending, err := store.UnsentTelemetry(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "undelivered snapshots must remain queued")

	logs, err := store.ListSyncLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "telemetry", logs[0].SyncType)
	assert.Equal(t, "failure", logs[0].Status)
}

func TestDaemonTelemetryDisabled(t *testing.T) {
	var telemetryCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == config.AdminTelemetryPath {
			telemetryCalls.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testAdminConfig()
	cfg.BaseURL = server.URL
	client, err := NewAdminClient(cfg, "inst-7", nil)
	require.NoError(t, err)

	syncCfg := testSyncConfig()
	syncCfg.TelemetryEnabled = false

	store := newTestStore(t)
	d := NewSyncDaemon(syncCfg, client, store, nil, nil,
		func() map[string]interface{} { return nil },
		"inst-7", "v1.0.0", nil)

	d.runHeartbeat(context.Background())
	assert.Equal(t, int32(0), telemetryCalls.Load())
}
