// Package fsops implements the filesystem operations invoked remotely:
// directory listing, bounded file reads, and project binding. Handlers in the
// dispatch package authorize paths before calling into this package.
package fsops

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/legionhq/legion-agent/protocol"
)

// DefaultReadMaxSize bounds file reads when the request does not specify a
// limit.
const DefaultReadMaxSize = 1 << 20 // 1 MiB

// Service performs local filesystem operations on behalf of the dispatcher.
type Service struct {
	log *slog.Logger
}

// NewService creates a Service logging through the given logger.
func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

// List returns the entries under path down to the given depth (1 = immediate
// children). Within each directory, directories sort before files, then
// lexicographic by name; children of a subdirectory follow it immediately.
func (s *Service) List(path string, depth int) ([]protocol.Entry, error) {
	if depth < 1 {
		depth = 1
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", path)
	}
	return s.listDir(path, depth)
}

func (s *Service) listDir(dir string, depth int) ([]protocol.Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	sort.Slice(dirEntries, func(i, j int) bool {
		di, dj := dirEntries[i].IsDir(), dirEntries[j].IsDir()
		if di != dj {
			return di
		}
		return dirEntries[i].Name() < dirEntries[j].Name()
	})

	var out []protocol.Entry
	for _, de := range dirEntries {
		full := filepath.Join(dir, de.Name())
		entry := protocol.Entry{
			Name: de.Name(),
			Path: full,
			Type: protocol.EntryFile,
		}
		if de.IsDir() {
			entry.Type = protocol.EntryDirectory
		} else if info, err := de.Info(); err == nil {
			entry.Size = info.Size()
		}
		out = append(out, entry)

		if de.IsDir() && depth > 1 {
			children, err := s.listDir(full, depth-1)
			if err != nil {
				// Unreadable subdirectory: keep the entry, skip its children
				s.log.Debug("skipping unreadable directory", "path", full, "error", err)
				continue
			}
			out = append(out, children...)
		}
	}
	return out, nil
}

// Read returns the contents of a file, bounded by maxSize (0 means
// DefaultReadMaxSize). Valid utf-8 content is returned as text; anything
// else as base64 with a sniffed mime type. A file larger than maxSize yields
// metadata only, with the too_large marker and no content.
func (s *Service) Read(path string, maxSize int64) (protocol.ReadResult, error) {
	if maxSize <= 0 {
		maxSize = DefaultReadMaxSize
	}

	info, err := os.Stat(path)
	if err != nil {
		return protocol.ReadResult{}, err
	}
	if info.IsDir() {
		return protocol.ReadResult{}, fmt.Errorf("is a directory: %s", path)
	}

	if info.Size() > maxSize {
		s.log.Debug("file exceeds read limit", "path", path, "size", info.Size(), "maxSize", maxSize)
		return protocol.ReadResult{
			Type:  protocol.ReadTypeBlob,
			Size:  info.Size(),
			Error: protocol.ReadErrorTooLarge,
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.ReadResult{}, err
	}

	if utf8.Valid(data) {
		return protocol.ReadResult{
			Type:     protocol.ReadTypeText,
			Content:  string(data),
			Encoding: protocol.EncodingUTF8,
			Size:     int64(len(data)),
		}, nil
	}

	return protocol.ReadResult{
		Type:     protocol.ReadTypeBlob,
		Content:  base64.StdEncoding.EncodeToString(data),
		Encoding: protocol.EncodingBase64,
		MimeType: http.DetectContentType(data),
		Size:     int64(len(data)),
	}, nil
}
