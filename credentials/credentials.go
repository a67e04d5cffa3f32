// Package credentials manages the agent's persisted identity: the token,
// server URL, and allowed filesystem roots used to authenticate and authorize
// remote operations. The snapshot is stored as JSON at a fixed per-user
// location and is only ever replaced whole — a rotation merges fields into the
// existing snapshot and persists the result atomically.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotInitialized is returned when no credential snapshot exists yet.
// A rotation can only update credentials bootstrapped by a login flow.
var ErrNotInitialized = errors.New("credentials: not initialized")

// ErrValidation is returned when a loaded or merged snapshot is malformed.
var ErrValidation = errors.New("credentials: validation failed")

// Credentials is the persisted identity tuple.
type Credentials struct {
	ID           string   `json:"id,omitempty"`
	Token        string   `json:"token"`
	ServerURL    string   `json:"serverUrl"`
	AllowedPaths []string `json:"allowedPaths,omitempty"`
}

// AllowedRoots returns the effective allow-list. When no paths are
// configured it defaults to the user's home directory.
func (c Credentials) AllowedRoots() []string {
	if len(c.AllowedPaths) > 0 {
		roots := make([]string, len(c.AllowedPaths))
		copy(roots, c.AllowedPaths)
		return roots
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{home}
}

// Partial carries the fields of a rotation. Empty strings mean "retain the
// current value"; a nil AllowedPaths retains the current list.
type Partial struct {
	ID           string
	Token        string
	ServerURL    string
	AllowedPaths []string
}

// Store holds the current credential snapshot and persists updates.
type Store struct {
	mu       sync.RWMutex
	creds    *Credentials
	filePath string
	log      *slog.Logger
}

// NewStore creates a store backed by the given file path. No I/O happens
// until Load, Bootstrap, or Rotate is called.
func NewStore(filePath string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{filePath: filePath, log: log}
}

// FilePath returns the path of the persisted snapshot.
func (s *Store) FilePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filePath
}

// Load reads the snapshot from disk. A missing file yields ErrNotInitialized;
// a malformed or invalid file yields ErrValidation.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return ErrNotInitialized
	}
	if err != nil {
		return fmt.Errorf("read credentials %s: %w", s.filePath, err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrValidation, s.filePath, err)
	}
	if err := validate(c); err != nil {
		return err
	}

	s.creds = &c
	return nil
}

// Current returns a copy of the last loaded or merged snapshot.
func (s *Store) Current() (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.creds == nil {
		return Credentials{}, ErrNotInitialized
	}
	return copyCreds(*s.creds), nil
}

// Rotate merges the supplied fields into the existing snapshot, validates the
// result, persists it durably, and returns the new snapshot. Unspecified
// fields are retained. Rotation cannot create a de-novo credential set.
func (s *Store) Rotate(p Partial) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		return Credentials{}, ErrNotInitialized
	}

	merged := copyCreds(*s.creds)
	if p.ID != "" {
		merged.ID = p.ID
	}
	if p.Token != "" {
		merged.Token = p.Token
	}
	if p.ServerURL != "" {
		merged.ServerURL = p.ServerURL
	}
	if p.AllowedPaths != nil {
		merged.AllowedPaths = make([]string, len(p.AllowedPaths))
		copy(merged.AllowedPaths, p.AllowedPaths)
	}

	if err := validate(merged); err != nil {
		return Credentials{}, err
	}
	if err := s.persist(merged); err != nil {
		return Credentials{}, err
	}

	s.creds = &merged
	s.log.Info("credentials rotated", "id", merged.ID, "server", merged.ServerURL)
	return copyCreds(merged), nil
}

// Bootstrap writes a fresh snapshot. This is the login path; unlike Rotate it
// does not require a prior snapshot.
func (s *Store) Bootstrap(c Credentials) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validate(c); err != nil {
		return Credentials{}, err
	}
	if err := s.persist(c); err != nil {
		return Credentials{}, err
	}

	creds := copyCreds(c)
	s.creds = &creds
	s.log.Info("credentials bootstrapped", "server", c.ServerURL)
	return copyCreds(creds), nil
}

// persist writes the snapshot atomically: a temp file in the same directory
// followed by a rename, so readers never observe a partial write.
// Caller must hold mu.
func (s *Store) persist(c Credentials) error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close credentials file: %w", err)
	}

	// Owner-only-readable where the platform supports it. A chmod failure is
	// logged, never surfaced.
	if err := os.Chmod(tmpName, 0600); err != nil {
		s.log.Warn("failed to restrict credentials file permissions", "error", err)
	}

	if err := os.Rename(tmpName, s.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

func validate(c Credentials) error {
	if c.Token == "" {
		return fmt.Errorf("%w: token is required", ErrValidation)
	}
	if c.ServerURL == "" {
		return fmt.Errorf("%w: serverUrl is required", ErrValidation)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: serverUrl %q is not a valid URL", ErrValidation, c.ServerURL)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w: serverUrl scheme %q is not supported", ErrValidation, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: serverUrl %q has no host", ErrValidation, c.ServerURL)
	}
	return nil
}

func copyCreds(c Credentials) Credentials {
	out := c
	if c.AllowedPaths != nil {
		out.AllowedPaths = make([]string, len(c.AllowedPaths))
		copy(out.AllowedPaths, c.AllowedPaths)
	}
	return out
}
