package paths

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestHome creates a temp directory, sets HOME to it, and resets the path cache.
func setupTestHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	Reset()
	t.Cleanup(Reset)
	return tmpDir
}

func TestFreshInstallNoXDG(t *testing.T) {
	home := setupTestHome(t)
	// No ~/.legion/, no XDG vars → default to ~/.legion/
	expected := filepath.Join(home, ".legion")

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if configDir != expected {
		t.Errorf("ConfigDir = %q, want %q", configDir, expected)
	}

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if stateDir != expected {
		t.Errorf("StateDir = %q, want %q", stateDir, expected)
	}

	if !IsLegacyLayout() {
		t.Error("IsLegacyLayout should be true for fresh install without XDG")
	}
}

func TestLegacyDirExists(t *testing.T) {
	home := setupTestHome(t)
	legacyDir := filepath.Join(home, ".legion")
	if err := os.MkdirAll(legacyDir, 0755); err != nil {
		t.Fatal(err)
	}

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if configDir != legacyDir {
		t.Errorf("ConfigDir = %q, want %q", configDir, legacyDir)
	}

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if stateDir != legacyDir {
		t.Errorf("StateDir = %q, want %q", stateDir, legacyDir)
	}

	if !IsLegacyLayout() {
		t.Error("IsLegacyLayout should be true when ~/.legion/ exists")
	}
}

func TestLegacyTakesPrecedenceOverXDG(t *testing.T) {
	home := setupTestHome(t)
	legacyDir := filepath.Join(home, ".legion")
	if err := os.MkdirAll(legacyDir, 0755); err != nil {
		t.Fatal(err)
	}

	// Set XDG vars — legacy should still win
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))
	Reset()

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if configDir != legacyDir {
		t.Errorf("ConfigDir = %q, want %q (legacy should take precedence)", configDir, legacyDir)
	}

	if !IsLegacyLayout() {
		t.Error("IsLegacyLayout should be true when ~/.legion/ exists, even with XDG vars")
	}
}

func TestXDGAllVarsSet(t *testing.T) {
	home := setupTestHome(t)
	// No ~/.legion/ exists

	xdgConfig := filepath.Join(home, "my-config")
	xdgState := filepath.Join(home, "my-state")

	t.Setenv("XDG_CONFIG_HOME", xdgConfig)
	t.Setenv("XDG_STATE_HOME", xdgState)
	Reset()

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if want := filepath.Join(xdgConfig, "legion"); configDir != want {
		t.Errorf("ConfigDir = %q, want %q", configDir, want)
	}

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if want := filepath.Join(xdgState, "legion"); stateDir != want {
		t.Errorf("StateDir = %q, want %q", stateDir, want)
	}

	if IsLegacyLayout() {
		t.Error("IsLegacyLayout should be false when using XDG")
	}
}

func TestXDGPartialVars(t *testing.T) {
	home := setupTestHome(t)
	// No ~/.legion/ exists

	xdgConfig := filepath.Join(home, "my-config")
	t.Setenv("XDG_CONFIG_HOME", xdgConfig)
	// XDG_STATE_HOME not set — should use the XDG default
	Reset()

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if want := filepath.Join(xdgConfig, "legion"); configDir != want {
		t.Errorf("ConfigDir = %q, want %q", configDir, want)
	}

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if want := filepath.Join(home, ".local", "state", "legion"); stateDir != want {
		t.Errorf("StateDir = %q, want %q", stateDir, want)
	}

	if IsLegacyLayout() {
		t.Error("IsLegacyLayout should be false when using XDG")
	}
}

func TestDerivedPaths(t *testing.T) {
	home := setupTestHome(t)
	base := filepath.Join(home, ".legion")

	configFile, err := ConfigFilePath()
	if err != nil {
		t.Fatalf("ConfigFilePath: %v", err)
	}
	if want := filepath.Join(base, "config.json"); configFile != want {
		t.Errorf("ConfigFilePath = %q, want %q", configFile, want)
	}

	settingsFile, err := SettingsFilePath()
	if err != nil {
		t.Fatalf("SettingsFilePath: %v", err)
	}
	if want := filepath.Join(base, "settings.yaml"); settingsFile != want {
		t.Errorf("SettingsFilePath = %q, want %q", settingsFile, want)
	}

	logsDir, err := LogsDir()
	if err != nil {
		t.Fatalf("LogsDir: %v", err)
	}
	if want := filepath.Join(base, "logs"); logsDir != want {
		t.Errorf("LogsDir = %q, want %q", logsDir, want)
	}

	deviceID, err := DeviceIDFilePath()
	if err != nil {
		t.Fatalf("DeviceIDFilePath: %v", err)
	}
	if want := filepath.Join(base, "device-id"); deviceID != want {
		t.Errorf("DeviceIDFilePath = %q, want %q", deviceID, want)
	}
}
