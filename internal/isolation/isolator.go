// Package isolation runs sandboxed child processes with resource limits.
package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// ResourceLimits constrains a sandboxed process.
type ResourceLimits struct {
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxOutputBytes int64         `json:"max_output_bytes,omitempty"`
	WorkDir        string        `json:"work_dir,omitempty"`
	DenyPaths      []string      `json:"deny_paths,omitempty"`
}

// ValidateWorkDir rejects a working directory under any deny path.
func (r ResourceLimits) ValidateWorkDir() error {
	if r.WorkDir == "" {
		return nil
	}
	dir, err := cleanAbs(r.WorkDir)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "invalid sandbox work dir %q: %v", r.WorkDir, err)
	}
	for _, deny := range r.DenyPaths {
		base, err := cleanAbs(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "invalid deny rule %q: %v", deny, err)
		}
		if isUnderPath(dir, base) {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "sandbox work dir %q is denied", r.WorkDir)
		}
	}
	return nil
}

func cleanAbs(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// isUnderPath reports whether path equals base or lies beneath it.
// filepath.Rel avoids prefix false positives such as /tmp vs /tmpevil.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Isolator wraps a command with process isolation. The returned cleanup
// must be called once the process has exited.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
}

// NewIsolator returns the isolator for this platform. Only timeout and
// cancellation are enforced.
func NewIsolator() Isolator {
	return NewFallbackIsolator()
}
