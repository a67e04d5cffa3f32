// Package settings loads the optional settings.yaml tuning file. Every field
// has a default; a missing file is not an error.
package settings

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds agent tuning knobs.
type Settings struct {
	LogLevel    string    `yaml:"log_level"`
	Reconnect   Reconnect `yaml:"reconnect"`
	ReadMaxSize int64     `yaml:"read_max_size"`
	// RotateGraceMS is the drain pause before tearing down the old
	// connection during a credential rotation.
	RotateGraceMS int `yaml:"rotate_grace_ms"`
}

// Reconnect configures the transport's backoff behavior.
type Reconnect struct {
	// MaxAttempts of 0 means retry forever.
	MaxAttempts   int     `yaml:"max_attempts"`
	InitialWaitMS int     `yaml:"initial_wait_ms"`
	MaxWaitMS     int     `yaml:"max_wait_ms"`
	Multiplier    float64 `yaml:"multiplier"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{
		LogLevel: "info",
		Reconnect: Reconnect{
			MaxAttempts:   0,
			InitialWaitMS: 500,
			MaxWaitMS:     30000,
			Multiplier:    2.0,
		},
		ReadMaxSize:   1 << 20,
		RotateGraceMS: 250,
	}
}

// Load reads and parses the settings file at path, merged over defaults.
// Returns defaults if the file does not exist.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.fillDefaults()
	return s, nil
}

// fillDefaults restores defaults for fields that were set to zero values
// explicitly or omitted in a partial file.
func (s *Settings) fillDefaults() {
	d := Default()
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	if s.Reconnect.InitialWaitMS <= 0 {
		s.Reconnect.InitialWaitMS = d.Reconnect.InitialWaitMS
	}
	if s.Reconnect.MaxWaitMS <= 0 {
		s.Reconnect.MaxWaitMS = d.Reconnect.MaxWaitMS
	}
	if s.Reconnect.Multiplier <= 1 {
		s.Reconnect.Multiplier = d.Reconnect.Multiplier
	}
	if s.ReadMaxSize <= 0 {
		s.ReadMaxSize = d.ReadMaxSize
	}
	if s.RotateGraceMS <= 0 {
		s.RotateGraceMS = d.RotateGraceMS
	}
}

// InitialWait returns the reconnect initial wait as a duration.
func (r Reconnect) InitialWait() time.Duration {
	return time.Duration(r.InitialWaitMS) * time.Millisecond
}

// MaxWait returns the reconnect wait ceiling as a duration.
func (r Reconnect) MaxWait() time.Duration {
	return time.Duration(r.MaxWaitMS) * time.Millisecond
}

// RotateGrace returns the rotation drain pause as a duration.
func (s *Settings) RotateGrace() time.Duration {
	return time.Duration(s.RotateGraceMS) * time.Millisecond
}
