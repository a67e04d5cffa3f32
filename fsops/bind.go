package fsops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	controlDirName    = ".legion"
	projectFileName   = "project.json"
	gitignoreFileName = ".gitignore"
)

// projectIdentity is the on-disk shape of the project binding file.
type projectIdentity struct {
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName,omitempty"`
	BoundAt     string `json:"boundAt"`
}

// BindProject writes a project-identity file under the hidden control
// directory inside path and ensures the control directory is ignored by
// version control. The operation is safe to repeat: rebinding the same
// project rewrites the identity file, and the ignore entry is appended only
// once. Returns the path of the written identity file.
func (s *Service) BindProject(path, projectID, projectName string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", path)
	}

	controlDir := filepath.Join(path, controlDirName)
	if err := os.MkdirAll(controlDir, 0755); err != nil {
		return "", fmt.Errorf("create control directory: %w", err)
	}

	identity := projectIdentity{
		ProjectID:   projectID,
		ProjectName: projectName,
		BoundAt:     time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal project identity: %w", err)
	}

	configPath := filepath.Join(controlDir, projectFileName)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return "", fmt.Errorf("write project identity: %w", err)
	}

	// Write-then-verify: the binding is a self-contained transaction
	written, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("verify project identity: %w", err)
	}
	if !bytes.Equal(written, data) {
		return "", fmt.Errorf("project identity verification failed: content mismatch at %s", configPath)
	}

	if err := s.ensureIgnored(path); err != nil {
		return "", err
	}

	s.log.Info("project bound", "path", path, "projectID", projectID)
	return configPath, nil
}

// ensureIgnored appends the control directory to the target's .gitignore,
// creating the file if absent and appending only if not already listed.
func (s *Service) ensureIgnored(path string) error {
	gitignorePath := filepath.Join(path, gitignoreFileName)
	entry := controlDirName + "/"

	data, err := os.ReadFile(gitignorePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", gitignorePath, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == entry || trimmed == controlDirName {
			return nil
		}
	}

	var buf bytes.Buffer
	buf.Write(data)
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteString(entry + "\n")

	if err := os.WriteFile(gitignorePath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("update %s: %w", gitignorePath, err)
	}
	return nil
}
