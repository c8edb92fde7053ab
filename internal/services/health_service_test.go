package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peoplecore/internal/license"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) PingContext(ctx context.Context) error { return f.err }

func TestHealthCheck(t *testing.T) {
	hs := NewHealthService("1.2.3", &fakePinger{}, &fakeManager{}, false, discardLogger())

	status := hs.HealthCheck(context.Background())
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
}

func TestLivenessCheck(t *testing.T) {
	hs := NewHealthService("1.2.3", &fakePinger{}, &fakeManager{}, false, discardLogger())

	status := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", status.Status)
	assert.Contains(t, status.Runtime, "goroutines")
}

func TestReadinessCheck(t *testing.T) {
	t.Run("ready with active license", func(t *testing.T) {
		mgr := &fakeManager{report: activeReport(), activated: true}
		hs := NewHealthService("1.2.3", &fakePinger{}, mgr, false, discardLogger())

		status := hs.ReadinessCheck(context.Background())
		assert.Equal(t, "ready", status.Status)

		lic, ok := status.Services["license"].(ServiceHealth)
		require.True(t, ok)
		assert.Equal(t, "ready", lic.Status)
	})

	t.Run("database failure blocks readiness", func(t *testing.T) {
		mgr := &fakeManager{report: activeReport(), activated: true}
		hs := NewHealthService("1.2.3", &fakePinger{err: errors.New("locked")}, mgr, false, discardLogger())

		status := hs.ReadinessCheck(context.Background())
		assert.Equal(t, "not_ready", status.Status)
	})

	t.Run("license problems degrade but stay ready", func(t *testing.T) {
		mgr := &fakeManager{
			report:    &license.StatusReport{Licensed: false, Status: "EXPIRED", Message: "grace period exhausted"},
			activated: true,
		}
		hs := NewHealthService("1.2.3", &fakePinger{}, mgr, false, discardLogger())

		status := hs.ReadinessCheck(context.Background())
		assert.Equal(t, "ready", status.Status)

		lic := status.Services["license"].(ServiceHealth)
		assert.Equal(t, "degraded", lic.Status)
	})

	t.Run("unactivated install is degraded", func(t *testing.T) {
		hs := NewHealthService("1.2.3", &fakePinger{}, &fakeManager{}, false, discardLogger())

		status := hs.ReadinessCheck(context.Background())
		lic := status.Services["license"].(ServiceHealth)
		assert.Equal(t, "degraded", lic.Status)
	})

	t.Run("local only mode disables admin panel check", func(t *testing.T) {
		mgr := &fakeManager{report: activeReport(), activated: true}
		hs := NewHealthService("1.2.3", &fakePinger{}, mgr, true, discardLogger())

		status := hs.ReadinessCheck(context.Background())
		admin := status.Services["admin_panel"].(ServiceHealth)
		assert.Equal(t, "disabled", admin.Status)
	})
}

func TestVersionInfo(t *testing.T) {
	hs := NewHealthServiceWithBuildInfo("1.2.3", "2026-08-01T00:00:00Z", "b42", &fakePinger{}, &fakeManager{}, false, discardLogger())

	info := hs.Version()
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "2026-08-01T00:00:00Z", info["build_time"])
	assert.Equal(t, "b42", info["build_id"])
	assert.Contains(t, info, "go_version")
}
