package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// probeFunc returns one host identifier. An error means the data
// source is unavailable on this host; probes fail independently and
// are simply omitted from the composite.
type probeFunc func() (string, error)

// Fingerprinter derives a stable composite fingerprint of the host.
// The result is cached because probing device files on every
// validation is wasteful and the identity does not change at runtime.
type Fingerprinter struct {
	probes map[string]probeFunc

	cacheMu     sync.RWMutex
	cached      string
	cachedWeak  bool
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

// NewFingerprinter creates a fingerprinter with the default host probes
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{
		probes: map[string]probeFunc{
			"machine":   probeMachineID,
			"container": probeContainerID,
			"cpu":       probeCPU,
			"disk":      probeDiskSerial,
			"mac":       probePrimaryMAC,
			"platform":  probePlatform,
		},
		cacheTTL: time.Hour,
	}
}

// Generate returns the composite hardware fingerprint. weak is true
// when only the platform fallback contributed, meaning the identity
// carries little entropy and callers should treat it accordingly.
func (f *Fingerprinter) Generate() (fingerprint string, weak bool, err error) {
	f.cacheMu.RLock()
	if f.cached != "" && time.Now().Before(f.cacheExpiry) {
		cached, cachedWeak := f.cached, f.cachedWeak
		f.cacheMu.RUnlock()
		return cached, cachedWeak, nil
	}
	f.cacheMu.RUnlock()

	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()

	// Re-check after acquiring the write lock
	if f.cached != "" && time.Now().Before(f.cacheExpiry) {
		return f.cached, f.cachedWeak, nil
	}

	pairs := make([]string, 0, len(f.probes))
	strongProbes := 0
	for name, probe := range f.probes {
		value, probeErr := probe()
		if probeErr != nil || value == "" {
			continue
		}
		if name != "platform" {
			strongProbes++
		}
		pairs = append(pairs, name+":"+value)
	}

	if len(pairs) == 0 {
		return "", false, fmt.Errorf("no host identifiers available")
	}

	// Sorted input, fixed hashing order: identical identifier sets
	// always yield an identical digest.
	sort.Strings(pairs)

	digest := sha256.Sum256([]byte(strings.Join(pairs, "|")))
	f.cached = hex.EncodeToString(digest[:])
	f.cachedWeak = strongProbes == 0
	f.cacheExpiry = time.Now().Add(f.cacheTTL)

	return f.cached, f.cachedWeak, nil
}

// Verify compares an expected fingerprint against the current one.
// Exact match only: no fuzzy tolerance for component drift.
func (f *Fingerprinter) Verify(expected string) (bool, error) {
	current, _, err := f.Generate()
	if err != nil {
		return false, err
	}
	return strings.EqualFold(expected, current), nil
}

// Components reports each probe's value with the middle masked out, for
// support diagnostics. Failed probes show as unavailable. Never log or
// return the raw values: they identify customer hardware.
func (f *Fingerprinter) Components() map[string]string {
	out := make(map[string]string, len(f.probes))
	for name, probe := range f.probes {
		value, err := probe()
		if err != nil || value == "" {
			out[name] = "unavailable"
			continue
		}
		out[name] = maskComponent(value)
	}
	return out
}

func maskComponent(v string) string {
	if len(v) <= 8 {
		return v[:1] + strings.Repeat("*", len(v)-1)
	}
	return v[:4] + "..." + v[len(v)-4:]
}

// Invalidate clears the cached fingerprint, forcing a re-probe
func (f *Fingerprinter) Invalidate() {
	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	f.cached = ""
	f.cachedWeak = false
	f.cacheExpiry = time.Time{}
}

func probeMachineID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("machine id unavailable")
}

func probeContainerID() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.Split(line, "/")
		last := parts[len(parts)-1]
		// Container ids are 64-char hex suffixes of the cgroup path
		if len(last) == 64 && isHex(last) {
			return last, nil
		}
	}
	return "", fmt.Errorf("container id unavailable")
}

func probeCPU() (string, error) {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return fmt.Sprintf("%s-%d", runtime.GOARCH, runtime.NumCPU()), nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if idx := strings.Index(line, ":"); idx >= 0 {
				model := strings.TrimSpace(line[idx+1:])
				return fmt.Sprintf("%s-%d", model, runtime.NumCPU()), nil
			}
		}
	}
	return fmt.Sprintf("%s-%d", runtime.GOARCH, runtime.NumCPU()), nil
}

func probeDiskSerial() (string, error) {
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") {
			continue
		}
		data, err := os.ReadFile("/sys/block/" + name + "/device/serial")
		if err != nil {
			continue
		}
		serial := strings.TrimSpace(string(data))
		if serial != "" {
			return serial, nil
		}
	}
	return "", fmt.Errorf("disk serial unavailable")
}

func probePrimaryMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("no non-loopback interface with a MAC address")
}

func probePlatform() (string, error) {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s/%s/%s", runtime.GOOS, runtime.GOARCH, hostname), nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
