package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// DefaultScriptName is the only filename accepted as an update script.
	DefaultScriptName = "update.sh"
	// MaxScriptSize caps the update script size.
	MaxScriptSize = 1 << 20
)

// ErrInvalidScript is wrapped by every script validation failure.
var ErrInvalidScript = errors.New("invalid update script")

// destructivePatterns flag script content worth a warning. A match never
// blocks the update.
var destructivePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"recursive root delete", regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rR][a-zA-Z]*\s+|--recursive\s+)+(-[a-zA-Z]+\s+)*/(\s|\*|$)`)},
	{"raw disk write", regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/(sd|hd|nvme|mmcblk|vd|xvd|disk)`)},
	{"filesystem creation", regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`)},
	{"dynamic eval", regexp.MustCompile(`(^|[;&|\s])eval\s`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`)},
}

// ScriptCheck is the outcome of a successful script validation.
type ScriptCheck struct {
	Path     string
	Size     int64
	Warnings []string
}

// ValidateScript resolves scriptPath and checks that it is the allowed
// script inside scriptsDir and safe to execute.
func ValidateScript(scriptPath, scriptsDir, allowedName string) (*ScriptCheck, error) {
	if allowedName == "" {
		allowedName = DefaultScriptName
	}
	if scriptPath == "" {
		return nil, fmt.Errorf("%w: no script configured", ErrInvalidScript)
	}

	dir, err := resolve(scriptsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: scripts directory: %v", ErrInvalidScript, err)
	}

	path, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if filepath.Base(path) != allowedName {
		return nil, fmt.Errorf("%w: script must be named %s", ErrInvalidScript, allowedName)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	if filepath.Base(resolved) != allowedName {
		return nil, fmt.Errorf("%w: script resolves to a different file", ErrInvalidScript)
	}
	if filepath.Dir(resolved) != dir {
		return nil, fmt.Errorf("%w: script must live in %s", ErrInvalidScript, dir)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file", ErrInvalidScript)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: script is empty", ErrInvalidScript)
	}
	if info.Size() > MaxScriptSize {
		return nil, fmt.Errorf("%w: script exceeds %d bytes", ErrInvalidScript, MaxScriptSize)
	}
	if err := unix.Access(resolved, unix.R_OK); err != nil {
		return nil, fmt.Errorf("%w: script is not readable: %w", ErrInvalidScript, err)
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}

	return &ScriptCheck{
		Path:     resolved,
		Size:     info.Size(),
		Warnings: scanDestructive(string(content)),
	}, nil
}

func resolve(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func scanDestructive(content string) []string {
	var warnings []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, p := range destructivePatterns {
			if p.re.MatchString(trimmed) {
				warnings = append(warnings, fmt.Sprintf("%s: %s", p.name, trimmed))
			}
		}
	}
	return warnings
}

// ensureExecutable sets mode 0755 on path when no execute bit is present.
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o111 != 0 {
		return nil
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("failed to make script executable: %w", err)
	}
	log.Infof("marked update script executable: %s", path)
	return nil
}
