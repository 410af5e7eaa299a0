package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/adamancini/kioskd/internal/types"
)

// StepRecord is one step transition of an attempt.
type StepRecord struct {
	Step      types.Step       `json:"step"`
	Status    types.StepStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// BackupRecord remembers what was running before the update. Skipped is
// set when backups are disabled, leaving the previous version unknown.
type BackupRecord struct {
	PreviousVersion string    `json:"previousVersion"`
	Timestamp       time.Time `json:"timestamp"`
	Skipped         bool      `json:"skipped"`
}

// ScriptResult describes how the update script ended.
type ScriptResult struct {
	ExitCode int           `json:"exitCode"`
	Output   []string      `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Attempt is the diagnostic record of one orchestration run.
type Attempt struct {
	ID             string               `json:"id"`
	StartTime      time.Time            `json:"startTime"`
	CurrentVersion string               `json:"currentVersion"`
	TargetVersion  string               `json:"targetVersion"`
	Steps          []StepRecord         `json:"steps"`
	Backup         *BackupRecord        `json:"backup,omitempty"`
	Script         *ScriptResult        `json:"script,omitempty"`
	FailedStep     types.Step           `json:"failedStep,omitempty"`
	Recovery       types.RecoveryAction `json:"recovery,omitempty"`
	ExitCode       *int                 `json:"exitCode,omitempty"`
	Errors         *multierror.Error    `json:"-"`

	scriptPath string
}

func newAttempt(current, target string, now time.Time) *Attempt {
	return &Attempt{
		ID:             uuid.NewString(),
		StartTime:      now,
		CurrentVersion: current,
		TargetVersion:  target,
	}
}

func (a *Attempt) record(step types.Step, status types.StepStatus, now time.Time) {
	a.Steps = append(a.Steps, StepRecord{Step: step, Status: status, Timestamp: now})
}

func (a *Attempt) addError(err error) {
	a.Errors = multierror.Append(a.Errors, err)
}

// Succeeded reports whether the run finished without errors.
func (a *Attempt) Succeeded() bool {
	return a.Errors.ErrorOrNil() == nil && a.FailedStep == ""
}

// Err returns the accumulated errors, or nil.
func (a *Attempt) Err() error {
	return a.Errors.ErrorOrNil()
}
