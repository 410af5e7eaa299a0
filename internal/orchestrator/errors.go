package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"

	"github.com/adamancini/kioskd/internal/types"
)

var (
	// ErrNoUpdate is returned by Begin when the check result does not
	// report an available update.
	ErrNoUpdate = errors.New("no update available")
	// ErrScriptTimeout is the cause recorded when the hard ceiling kills
	// the update script.
	ErrScriptTimeout = errors.New("update script exceeded its time limit")
	// ErrUnsupportedPlatform is returned when scripts cannot be launched
	// detached on this platform.
	ErrUnsupportedPlatform = errors.New("self-update is not supported on this platform")
)

// StepError is a pipeline failure tagged with the step it happened in and
// the category shown to users.
type StepError struct {
	Step     types.Step
	Category types.ErrorCategory
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Step, e.Category, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepError(step types.Step, err error) *StepError {
	return &StepError{Step: step, Category: categorize(err), Err: err}
}

// categorize maps an error to the category whose message users see.
func categorize(err error) types.ErrorCategory {
	switch {
	case err == nil:
		return types.CategoryGeneric
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return types.CategoryPermission
	case errors.Is(err, syscall.ENOSPC):
		return types.CategoryDiskSpace
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrUnsupportedPlatform), errors.Is(err, ErrInvalidScript):
		return types.CategoryPrerequisites
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENETUNREACH):
		return types.CategoryNetwork
	case errors.Is(err, ErrScriptTimeout):
		return types.CategoryScript
	}
	return types.CategoryGeneric
}

var outputHints = []struct {
	category types.ErrorCategory
	needles  []string
}{
	{types.CategoryDiskSpace, []string{"no space left", "disk full", "not enough space"}},
	{types.CategoryPermission, []string{"permission denied", "operation not permitted", "a password is required", "sudo:"}},
	{types.CategoryNetwork, []string{"could not resolve", "connection refused", "connection timed out", "network is unreachable", "temporary failure in name resolution"}},
}

// categorizeOutput inspects the tail of the script output for a known
// failure signature.
func categorizeOutput(lines []string) types.ErrorCategory {
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.ToLower(lines[i])
		for _, hint := range outputHints {
			for _, needle := range hint.needles {
				if strings.Contains(l, needle) {
					return hint.category
				}
			}
		}
	}
	return types.CategoryScript
}
