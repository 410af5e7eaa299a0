// Package types provides type-safe constants for the kioskd update subsystem.
//
// This package centralizes the enumerated types shared by the resolver, the
// orchestrator, the broadcaster and the HTTP surface, replacing magic strings
// with typed constants that carry validation methods.
package types

import (
	"fmt"
	"strings"
)

// UpdateState is the coarse state of the update subsystem as seen by observers.
type UpdateState string

const (
	// StateIdle means no update run has been started in this process.
	StateIdle UpdateState = "idle"
	// StateUpdating means an orchestration run is in progress.
	StateUpdating UpdateState = "updating"
	// StateSuccess means the last run finished and a restart is pending.
	StateSuccess UpdateState = "success"
	// StateError means the last run failed.
	StateError UpdateState = "error"
)

// AllUpdateStates returns all valid update states.
func AllUpdateStates() []UpdateState {
	return []UpdateState{StateIdle, StateUpdating, StateSuccess, StateError}
}

// Validate checks if the UpdateState is a valid value.
func (s UpdateState) Validate() error {
	switch s {
	case StateIdle, StateUpdating, StateSuccess, StateError:
		return nil
	case "":
		return fmt.Errorf("update state is required")
	default:
		return fmt.Errorf("invalid update state '%s' (must be idle, updating, success, or error)", s)
	}
}

// String returns the string representation of the UpdateState.
func (s UpdateState) String() string {
	return string(s)
}

// IsTerminal returns true for states that end a run.
func (s UpdateState) IsTerminal() bool {
	return s == StateSuccess || s == StateError
}

// Step identifies one stage of the orchestration pipeline.
type Step string

const (
	StepValidation      Step = "validation"
	StepBackup          Step = "backup"
	StepShutdownPrep    Step = "shutdown_prep"
	StepShutdown        Step = "shutdown"
	StepUpdateExecution Step = "update_execution"
	// StepUnclassified is used for failures that cannot be attributed to a step.
	StepUnclassified Step = "unclassified"
)

// PipelineSteps returns the steps of a run in execution order.
func PipelineSteps() []Step {
	return []Step{StepValidation, StepBackup, StepShutdownPrep, StepShutdown, StepUpdateExecution}
}

// AllSteps returns every step, including StepUnclassified.
func AllSteps() []Step {
	return append(PipelineSteps(), StepUnclassified)
}

// String returns the string representation of the Step.
func (s Step) String() string {
	return string(s)
}

// Validate checks if the Step is a valid value.
func (s Step) Validate() error {
	for _, known := range AllSteps() {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid step '%s'", s)
}

// StepStatus is the outcome recorded for a step in an attempt.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// RecoveryAction is what the orchestrator does after a step fails.
type RecoveryAction string

const (
	// RecoveryContinue leaves the service running unchanged.
	RecoveryContinue RecoveryAction = "continue"
	// RecoveryRollback notes the previous version and restarts.
	RecoveryRollback RecoveryAction = "rollback"
	// RecoveryRestart exits non-zero so the supervisor relaunches the service.
	RecoveryRestart RecoveryAction = "restart"
)

// String returns the string representation of the RecoveryAction.
func (a RecoveryAction) String() string {
	return string(a)
}

// RecoveryFor maps every step to its recovery action.
func RecoveryFor(step Step) RecoveryAction {
	switch step {
	case StepValidation, StepBackup:
		return RecoveryContinue
	case StepUpdateExecution:
		return RecoveryRollback
	case StepShutdownPrep, StepShutdown, StepUnclassified:
		return RecoveryRestart
	default:
		return RecoveryRestart
	}
}

// ComparisonMethod records how a check decided whether an update exists.
type ComparisonMethod string

const (
	ComparisonRelease ComparisonMethod = "release"
	ComparisonCommit  ComparisonMethod = "commit"
	ComparisonNone    ComparisonMethod = "none"
)

// String returns the string representation of the ComparisonMethod.
func (m ComparisonMethod) String() string {
	return string(m)
}

// ErrorCategory classifies a failed run for the message shown to observers.
type ErrorCategory string

const (
	CategoryNetwork       ErrorCategory = "network"
	CategoryPermission    ErrorCategory = "permission"
	CategoryDiskSpace     ErrorCategory = "disk_space"
	CategoryScript        ErrorCategory = "script"
	CategoryPrerequisites ErrorCategory = "prerequisites"
	CategoryBackup        ErrorCategory = "backup"
	CategoryGeneric       ErrorCategory = "generic"
)

// UserMessage returns the operator-safe message for the category.
func (c ErrorCategory) UserMessage() string {
	switch c {
	case CategoryNetwork:
		return "Update failed: a network error occurred. Check the internet connection and try again."
	case CategoryPermission:
		return "Update failed: insufficient permissions to run the update script."
	case CategoryDiskSpace:
		return "Update failed: not enough disk space. Free some space and try again."
	case CategoryScript:
		return "Update failed: the update script reported an error. The previous version remains installed."
	case CategoryPrerequisites:
		return "Update failed: update prerequisites are not met. The service keeps running unchanged."
	case CategoryBackup:
		return "Update aborted: the pre-update backup could not be recorded."
	default:
		return "Update failed due to an unexpected error. The service will restart."
	}
}

// String returns the string representation of the ErrorCategory.
func (c ErrorCategory) String() string {
	return string(c)
}

// VersionPattern names one alternative of the version string grammar.
type VersionPattern string

const (
	PatternSemantic VersionPattern = "semantic"
	PatternShort    VersionPattern = "short"
	PatternCommit   VersionPattern = "commit"
	PatternDate     VersionPattern = "date"
	PatternGeneric  VersionPattern = "generic"
)

// AllVersionPatterns returns all version patterns in matching order.
func AllVersionPatterns() []VersionPattern {
	return []VersionPattern{PatternSemantic, PatternShort, PatternCommit, PatternDate, PatternGeneric}
}

// Validate checks if the VersionPattern is a valid value.
func (p VersionPattern) Validate() error {
	switch p {
	case PatternSemantic, PatternShort, PatternCommit, PatternDate, PatternGeneric:
		return nil
	case "":
		return fmt.Errorf("version pattern is required")
	default:
		return fmt.Errorf("invalid version pattern '%s' (must be semantic, short, commit, date, or generic)", p)
	}
}

// String returns the string representation of the VersionPattern.
func (p VersionPattern) String() string {
	return string(p)
}

// ParseVersionPattern parses a string into a VersionPattern.
func ParseVersionPattern(s string) (VersionPattern, error) {
	p := VersionPattern(strings.ToLower(strings.TrimSpace(s)))
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// VersionFormat is the preferred format of the local version descriptor.
type VersionFormat string

const (
	FormatAuto     VersionFormat = "auto"
	FormatSemantic VersionFormat = "semantic"
	FormatCommit   VersionFormat = "commit"
	FormatDate     VersionFormat = "date"
)

// Validate checks if the VersionFormat is a valid value.
func (f VersionFormat) Validate() error {
	switch f {
	case FormatAuto, FormatSemantic, FormatCommit, FormatDate:
		return nil
	default:
		return fmt.Errorf("invalid version format '%s' (must be auto, semantic, commit, or date)", f)
	}
}

// Patterns returns the grammar alternatives the format admits. FormatAuto
// defers to the configured pattern list and returns nil.
func (f VersionFormat) Patterns() []VersionPattern {
	switch f {
	case FormatSemantic:
		return []VersionPattern{PatternSemantic, PatternShort}
	case FormatCommit:
		return []VersionPattern{PatternCommit}
	case FormatDate:
		return []VersionPattern{PatternDate}
	default:
		return nil
	}
}
