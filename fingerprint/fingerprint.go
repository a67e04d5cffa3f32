// Package fingerprint derives a stable device identifier for the server
// handshake. It prefers the OS machine id; when none is available it
// generates a random id once and persists it under the agent's state
// directory.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// machineIDPaths are probed in order for an OS-provided machine identifier.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// The fingerprint is a salted hash so the raw machine id never leaves the
// device.
const salt = "legion-agent"

// Fingerprinter computes and caches the device fingerprint. The cache lives
// on the value, owned by the composition root.
type Fingerprinter struct {
	// FallbackPath persists a generated id when no machine id exists.
	FallbackPath string

	mu     sync.Mutex
	cached string
}

// Get returns the device fingerprint, computing it on first call.
func (f *Fingerprinter) Get() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached != "" {
		return f.cached, nil
	}

	id, err := f.deviceID()
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(salt + ":" + id))
	f.cached = hex.EncodeToString(sum[:])
	return f.cached, nil
}

func (f *Fingerprinter) deviceID() (string, error) {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	return f.persistedFallback()
}

// persistedFallback returns the generated id from FallbackPath, creating it
// on first use so the fingerprint stays stable across restarts.
func (f *Fingerprinter) persistedFallback() (string, error) {
	if f.FallbackPath == "" {
		return "", fmt.Errorf("no machine id available and no fallback path configured")
	}

	data, err := os.ReadFile(f.FallbackPath)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	dir := filepath.Dir(f.FallbackPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create state directory %s: %w", dir, err)
	}
	if err := os.WriteFile(f.FallbackPath, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
