package license

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubbed fingerprinter with controlled probe outputs
func newStubFingerprinter(probes map[string]probeFunc) *Fingerprinter {
	return &Fingerprinter{
		probes:   probes,
		cacheTTL: time.Hour,
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	fp := NewFingerprinter()

	first, _, err := fp.Generate()
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Len(t, first, 64)

	second, _, err := fp.Generate()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	fp.Invalidate()
	third, _, err := fp.Generate()
	require.NoError(t, err)
	assert.Equal(t, first, third, "re-probing the same host must yield the same fingerprint")
}

func TestFingerprintOrderIndependent(t *testing.T) {
	probes := map[string]probeFunc{
		"machine": func() (string, error) { return "abc123", nil },
		"cpu":     func() (string, error) { return "xeon-8", nil },
	}
	a, _, err := newStubFingerprinter(probes).Generate()
	require.NoError(t, err)
	b, _, err := newStubFingerprinter(probes).Generate()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintProbesFailIndependently(t *testing.T) {
	fp := newStubFingerprinter(map[string]probeFunc{
		"machine": func() (string, error) { return "", errors.New("unreadable") },
		"disk":    func() (string, error) { return "", nil },
		"cpu":     func() (string, error) { return "xeon-8", nil },
	})

	got, weak, err := fp.Generate()
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.False(t, weak)
}

func TestFingerprintWeakIdentity(t *testing.T) {
	fp := newStubFingerprinter(map[string]probeFunc{
		"machine":  func() (string, error) { return "", errors.New("unreadable") },
		"platform": func() (string, error) { return "linux-amd64-host1", nil },
	})

	_, weak, err := fp.Generate()
	require.NoError(t, err)
	assert.True(t, weak, "platform-only identity must be flagged weak")
}

func TestFingerprintNoIdentifiers(t *testing.T) {
	fp := newStubFingerprinter(map[string]probeFunc{
		"machine": func() (string, error) { return "", errors.New("unreadable") },
	})

	_, _, err := fp.Generate()
	assert.Error(t, err)
}

func TestFingerprintVerify(t *testing.T) {
	fp := NewFingerprinter()
	current, _, err := fp.Generate()
	require.NoError(t, err)

	match, err := fp.Verify(current)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = fp.Verify("0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.False(t, match, "any component change must fail verification")
}

func TestFingerprintCacheHonorsTTL(t *testing.T) {
	calls := 0
	fp := newStubFingerprinter(map[string]probeFunc{
		"machine": func() (string, error) {
			calls++
			return "abc123", nil
		},
	})

	_, _, err := fp.Generate()
	require.NoError(t, err)
	_, _, err = fp.Generate()
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call must hit the cache")

	fp.Invalidate()
	_, _, err = fp.Generate()
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
