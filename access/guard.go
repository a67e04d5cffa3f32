// Package access implements the path allow-list check that every remote
// filesystem operation passes through. Containment is decided on the
// symlink-resolved path, never the literal requested path, so a symlink
// inside an allowed root cannot escape it.
package access

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Guard authorizes filesystem paths against a set of allowed roots.
type Guard struct {
	log *slog.Logger
}

// NewGuard creates a guard that logs denials through the given logger.
func NewGuard(log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{log: log}
}

// Allowed reports whether the requested path resolves to a location equal to
// or inside at least one of the allowed roots. Any resolution failure fails
// closed.
func (g *Guard) Allowed(requested string, roots []string) bool {
	resolved, err := resolvePath(requested)
	if err != nil {
		g.log.Warn("path resolution failed, denying", "path", requested, "error", err)
		return false
	}

	for _, root := range roots {
		resolvedRoot, err := resolvePath(root)
		if err != nil {
			g.log.Warn("allowed root resolution failed, skipping", "root", root, "error", err)
			continue
		}
		if contains(resolvedRoot, resolved) {
			g.log.Debug("path admitted", "path", resolved, "root", resolvedRoot)
			return true
		}
	}

	g.log.Warn("path denied: outside allowed roots", "path", resolved, "roots", roots)
	return false
}

// resolvePath returns the absolute, symlink-resolved form of p. If p does not
// exist yet, the deepest existing ancestor is resolved and the remaining
// segments re-joined: a path that does not exist cannot itself be a symlink
// escape.
func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Walk up until an existing ancestor resolves, then re-join the rest.
	dir := abs
	var rest []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			// Nothing along the path exists; the cleaned absolute form is
			// the canonical one.
			return abs, nil
		}
		rest = append(rest, filepath.Base(dir))
		dir = parent

		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
}

// contains tests containment on path-segment boundaries, so /tmp/project
// does not match a root of /tmp/proj.
func contains(root, path string) bool {
	if root == path {
		return true
	}
	return strings.HasPrefix(path, root+string(os.PathSeparator))
}
