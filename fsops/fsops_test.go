package fsops

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/legionhq/legion-agent/protocol"
)

func TestList_OrderingDirectoriesFirst(t *testing.T) {
	svc := NewService(nil)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.List(dir, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "sub" || entries[0].Type != protocol.EntryDirectory {
		t.Errorf("entries[0] = %+v, want directory sub first", entries[0])
	}
	if entries[0].Path != filepath.Join(dir, "sub") {
		t.Errorf("entries[0].Path = %q, want %q", entries[0].Path, filepath.Join(dir, "sub"))
	}
	if entries[1].Name != "a.txt" || entries[1].Type != protocol.EntryFile {
		t.Errorf("entries[1] = %+v, want file a.txt", entries[1])
	}
	if entries[1].Size != 5 {
		t.Errorf("entries[1].Size = %d, want 5", entries[1].Size)
	}
}

func TestList_LexicographicWithinType(t *testing.T) {
	svc := NewService(nil)
	dir := t.TempDir()

	for _, name := range []string{"zebra.txt", "apple.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"zoo", "attic"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := svc.List(dir, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"attic", "zoo", "apple.txt", "zebra.txt"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", names, want)
	}
}

func TestList_DepthRecursion(t *testing.T) {
	svc := NewService(nil)
	dir := t.TempDir()

	nested := filepath.Join(dir, "sub", "inner")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// Depth 1: only the top level
	entries, err := svc.List(dir, 1)
	if err != nil {
		t.Fatalf("List depth 1: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "sub" {
		t.Fatalf("depth 1 entries = %+v, want just sub", entries)
	}

	// Depth 2: children follow their parent directory
	entries, err = svc.List(dir, 2)
	if err != nil {
		t.Fatalf("List depth 2: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"sub", "inner", "b.txt"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("depth 2 order = %v, want %v", names, want)
	}
}

func TestList_NotADirectory(t *testing.T) {
	svc := NewService(nil)
	file := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.List(file, 1); err == nil {
		t.Error("List on a file should fail")
	}
}

func TestRead_Text(t *testing.T) {
	svc := NewService(nil)
	file := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(file, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Read(file, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Type != protocol.ReadTypeText {
		t.Errorf("Type = %q, want text", res.Type)
	}
	if res.Content != "hello world" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Encoding != protocol.EncodingUTF8 {
		t.Errorf("Encoding = %q, want utf-8", res.Encoding)
	}
	if res.Size != 11 {
		t.Errorf("Size = %d, want 11", res.Size)
	}
}

func TestRead_Blob(t *testing.T) {
	svc := NewService(nil)
	file := filepath.Join(t.TempDir(), "blob.bin")
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0xfe, 0x00, 0x01}
	if err := os.WriteFile(file, raw, 0644); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Read(file, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Type != protocol.ReadTypeBlob {
		t.Errorf("Type = %q, want blob", res.Type)
	}
	if res.Encoding != protocol.EncodingBase64 {
		t.Errorf("Encoding = %q, want base64", res.Encoding)
	}
	decoded, err := base64.StdEncoding.DecodeString(res.Content)
	if err != nil {
		t.Fatalf("content is not valid base64: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Error("decoded content does not round-trip")
	}
	if res.MimeType == "" {
		t.Error("MimeType should be sniffed for blobs")
	}
}

func TestRead_TooLarge(t *testing.T) {
	svc := NewService(nil)
	file := filepath.Join(t.TempDir(), "big.bin")
	big := make([]byte, 2<<20) // 2 MiB
	if err := os.WriteFile(file, big, 0644); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Read(file, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Type != protocol.ReadTypeBlob {
		t.Errorf("Type = %q, want blob", res.Type)
	}
	if res.Error != protocol.ReadErrorTooLarge {
		t.Errorf("Error = %q, want too_large", res.Error)
	}
	if res.Size != 2<<20 {
		t.Errorf("Size = %d, want %d", res.Size, 2<<20)
	}
	if res.Content != "" {
		t.Error("Content must be omitted for too-large files")
	}
}

func TestRead_MissingFile(t *testing.T) {
	svc := NewService(nil)
	if _, err := svc.Read(filepath.Join(t.TempDir(), "nope"), 0); err == nil {
		t.Error("Read of a missing file should fail")
	}
}

func TestBindProject(t *testing.T) {
	svc := NewService(nil)
	dir := t.TempDir()

	configPath, err := svc.BindProject(dir, "proj-42", "demo")
	if err != nil {
		t.Fatalf("BindProject: %v", err)
	}

	want := filepath.Join(dir, ".legion", "project.json")
	if configPath != want {
		t.Errorf("configPath = %q, want %q", configPath, want)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	var identity struct {
		ProjectID   string `json:"projectId"`
		ProjectName string `json:"projectName"`
		BoundAt     string `json:"boundAt"`
	}
	if err := json.Unmarshal(data, &identity); err != nil {
		t.Fatalf("identity file is not valid JSON: %v", err)
	}
	if identity.ProjectID != "proj-42" || identity.ProjectName != "demo" {
		t.Errorf("identity = %+v", identity)
	}
	if identity.BoundAt == "" {
		t.Error("boundAt should be set")
	}

	ignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf(".gitignore should be created: %v", err)
	}
	if !strings.Contains(string(ignore), ".legion/") {
		t.Errorf(".gitignore = %q, should list .legion/", ignore)
	}
}

func TestBindProject_Repeatable(t *testing.T) {
	svc := NewService(nil)
	dir := t.TempDir()

	if _, err := svc.BindProject(dir, "proj-1", ""); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if _, err := svc.BindProject(dir, "proj-1", ""); err != nil {
		t.Fatalf("second bind: %v", err)
	}

	ignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(ignore), ".legion/"); n != 1 {
		t.Errorf(".gitignore lists .legion/ %d times, want exactly once", n)
	}
}

func TestBindProject_PreservesExistingIgnoreEntries(t *testing.T) {
	svc := NewService(nil)
	dir := t.TempDir()

	// Existing .gitignore without trailing newline
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("node_modules"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.BindProject(dir, "proj-9", ""); err != nil {
		t.Fatalf("BindProject: %v", err)
	}

	ignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(ignore)
	if !strings.Contains(content, "node_modules") {
		t.Error("existing entries must be preserved")
	}
	if !strings.Contains(content, "node_modules\n.legion/\n") {
		t.Errorf(".gitignore = %q, want newline-separated append", content)
	}
}

func TestBindProject_MissingTarget(t *testing.T) {
	svc := NewService(nil)
	if _, err := svc.BindProject(filepath.Join(t.TempDir(), "nope"), "p", ""); err == nil {
		t.Error("BindProject on a missing directory should fail")
	}
}
