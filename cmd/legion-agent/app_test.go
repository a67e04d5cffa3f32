package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/legionhq/legion-agent/paths"
)

func setupTestHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)
	return tmpDir
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestLoginWritesCredentials(t *testing.T) {
	home := setupTestHome(t)

	out, err := runCommand(t, "login", "--server", "wss://legion.example.com", "--token", "secret-token")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "credentials saved") {
		t.Errorf("output = %q", out)
	}

	data, err := os.ReadFile(filepath.Join(home, ".legion", "config.json"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "secret-token") {
		t.Error("token not persisted")
	}
}

func TestLoginRequiresServer(t *testing.T) {
	setupTestHome(t)

	if _, err := runCommand(t, "login", "--token", "secret-token"); err == nil {
		t.Fatal("login without --server succeeded")
	}
}

func TestStatusBeforeLogin(t *testing.T) {
	setupTestHome(t)

	out, err := runCommand(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "not set") {
		t.Errorf("output = %q", out)
	}
}

func TestStatusMasksToken(t *testing.T) {
	setupTestHome(t)

	if _, err := runCommand(t, "login",
		"--server", "wss://legion.example.com",
		"--token", "abcdefghijklmnop",
		"--allow", "/srv/projects"); err != nil {
		t.Fatalf("login: %v", err)
	}

	out, err := runCommand(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Error("status printed the raw token")
	}
	if !strings.Contains(out, "abcd****mnop") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "/srv/projects") {
		t.Errorf("allowed roots missing from %q", out)
	}
}

func TestMaskToken(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"short":            "*****",
		"abcdefghijklmnop": "abcd****mnop",
	}
	for in, want := range cases {
		if got := maskToken(in); got != want {
			t.Errorf("maskToken(%q) = %q, want %q", in, got, want)
		}
	}
}
