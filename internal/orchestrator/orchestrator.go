// Package orchestrator drives the service through a script-based self
// update and reports progress through the status broadcaster.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/types"
	"github.com/adamancini/kioskd/internal/update"
)

const (
	DefaultInterpreter       = "/bin/bash"
	DefaultHardTimeout       = 15 * time.Minute
	DefaultStallTimeout      = 5 * time.Minute
	DefaultGrace             = 3 * time.Second
	DefaultExitDelay         = 2 * time.Second
	DefaultCrashRestartDelay = 5 * time.Second
	DefaultExpectedDowntime  = "1-2 minutes"

	outputTailLines = 20
)

// DefaultEscalation runs the script through non-interactive sudo.
var DefaultEscalation = []string{"sudo", "-n"}

// Config controls one orchestrator.
type Config struct {
	ScriptsDir         string
	ScriptName         string
	ScriptPath         string
	Interpreter        string
	Escalation         []string
	BackupBeforeUpdate bool
	HardTimeout        time.Duration
	StallTimeout       time.Duration
	Grace              time.Duration
	ExitDelay          time.Duration
	CrashRestartDelay  time.Duration
	ExpectedDowntime   string
}

// DefaultConfig returns the production settings for a script in dir.
func DefaultConfig(dir string) Config {
	return Config{
		ScriptsDir:         dir,
		ScriptName:         DefaultScriptName,
		ScriptPath:         filepath.Join(dir, DefaultScriptName),
		Interpreter:        DefaultInterpreter,
		Escalation:         DefaultEscalation,
		BackupBeforeUpdate: true,
		HardTimeout:        DefaultHardTimeout,
		StallTimeout:       DefaultStallTimeout,
		Grace:              DefaultGrace,
		ExitDelay:          DefaultExitDelay,
		CrashRestartDelay:  DefaultCrashRestartDelay,
		ExpectedDowntime:   DefaultExpectedDowntime,
	}
}

// StatusSink receives status transitions and the shutdown notice.
type StatusSink interface {
	SetState(status types.UpdateState, message string, progress int, errText string) broadcast.Status
	NotifyShutdown(notice broadcast.ShutdownNotice) int
	Current() broadcast.Status
}

// Drainer stops accepting connections and waits up to grace for in-flight
// ones to finish.
type Drainer interface {
	Drain(ctx context.Context, grace time.Duration) error
}

// VersionStore reads and records the installed version.
type VersionStore interface {
	Read() string
	Write(version string) error
}

// RunRecorder counts finished runs.
type RunRecorder interface {
	RecordRun(outcome string)
}

// Deps are the collaborators of an orchestrator. Status is required; the
// rest fall back to defaults or are skipped when nil.
type Deps struct {
	Status   StatusSink
	Versions VersionStore
	Drainer  Drainer
	Runner   Runner
	Recorder RunRecorder
	Clock    clock.Clock
	Platform update.Platform
	Exit     func(code int)
}

// Orchestrator runs update attempts. It does not guard against concurrent
// runs; callers must not start a run while the status is updating.
type Orchestrator struct {
	cfg      Config
	status   StatusSink
	versions VersionStore
	drainer  Drainer
	runner   Runner
	recorder RunRecorder
	clock    clock.Clock
	platform update.Platform
	exit     func(code int)
}

// New creates an orchestrator, filling unset config values with defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ScriptName == "" {
		cfg.ScriptName = DefaultScriptName
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.ExitDelay <= 0 {
		cfg.ExitDelay = DefaultExitDelay
	}
	if cfg.CrashRestartDelay <= 0 {
		cfg.CrashRestartDelay = DefaultCrashRestartDelay
	}
	if cfg.ExpectedDowntime == "" {
		cfg.ExpectedDowntime = DefaultExpectedDowntime
	}

	o := &Orchestrator{
		cfg:      cfg,
		status:   deps.Status,
		versions: deps.Versions,
		drainer:  deps.Drainer,
		runner:   deps.Runner,
		recorder: deps.Recorder,
		clock:    deps.Clock,
		platform: deps.Platform,
		exit:     deps.Exit,
	}
	if o.runner == nil {
		o.runner = ExecRunner{}
	}
	if o.clock == nil {
		o.clock = clock.WallClock
	}
	if o.platform == (update.Platform{}) {
		o.platform = update.Detect()
	}
	if o.exit == nil {
		o.exit = os.Exit
	}
	return o
}

// Begin starts a run in the background and returns once the status is
// updating. The caller's response is sent before the outcome is known;
// progress is only observable through the status sink.
func (o *Orchestrator) Begin(result *update.CheckResult) error {
	attempt, err := o.start(result)
	if err != nil {
		return err
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("update run panicked: %v\n%s", r, debug.Stack())
				o.status.SetState(types.StateError, "Update failed unexpectedly", o.status.Current().Progress,
					types.CategoryGeneric.UserMessage())
				o.finish(attempt, false)
				o.scheduleExit(attempt, 1, o.cfg.CrashRestartDelay)
			}
		}()
		o.execute(context.Background(), attempt)
	}()
	return nil
}

// Run performs a complete attempt and returns its record.
func (o *Orchestrator) Run(ctx context.Context, result *update.CheckResult) (*Attempt, error) {
	attempt, err := o.start(result)
	if err != nil {
		return nil, err
	}
	o.execute(ctx, attempt)
	return attempt, nil
}

func (o *Orchestrator) start(result *update.CheckResult) (*Attempt, error) {
	if result == nil || !result.UpdateAvailable {
		return nil, ErrNoUpdate
	}

	attempt := newAttempt(result.LocalVersion, result.RemoteVersion, o.clock.Now().UTC())
	log.WithFields(log.Fields{
		"attempt": attempt.ID,
		"from":    attempt.CurrentVersion,
		"to":      attempt.TargetVersion,
	}).Info("starting update")

	o.status.SetState(types.StateUpdating, fmt.Sprintf("Starting update to version %s", attempt.TargetVersion), 0, "")
	return attempt, nil
}

func (o *Orchestrator) execute(ctx context.Context, attempt *Attempt) {
	steps := []struct {
		step     types.Step
		progress int
		run      func(context.Context, *Attempt) error
	}{
		{types.StepValidation, 5, o.validate},
		{types.StepBackup, 10, o.backup},
		{types.StepShutdownPrep, 15, o.prepareShutdown},
		{types.StepShutdown, 20, o.shutdown},
		{types.StepUpdateExecution, 20, o.executeScript},
	}

	for _, s := range steps {
		attempt.record(s.step, types.StepStarted, o.clock.Now().UTC())
		if err := s.run(ctx, attempt); err != nil {
			attempt.record(s.step, types.StepFailed, o.clock.Now().UTC())
			o.recoverFrom(attempt, err)
			return
		}
		attempt.record(s.step, types.StepCompleted, o.clock.Now().UTC())
	}

	o.complete(attempt)
}

func (o *Orchestrator) validate(_ context.Context, attempt *Attempt) error {
	o.status.SetState(types.StateUpdating, "Validating update script", 5, "")

	if !o.platform.SupportsSelfUpdate() {
		return &StepError{Step: types.StepValidation, Category: types.CategoryPrerequisites,
			Err: fmt.Errorf("%w: %s", ErrUnsupportedPlatform, o.platform)}
	}

	check, err := ValidateScript(o.cfg.ScriptPath, o.cfg.ScriptsDir, o.cfg.ScriptName)
	if err != nil {
		return stepError(types.StepValidation, err)
	}
	for _, w := range check.Warnings {
		log.WithField("attempt", attempt.ID).Warnf("update script contains a potentially destructive command: %s", w)
	}

	if err := ensureExecutable(check.Path); err != nil {
		return stepError(types.StepValidation, err)
	}

	attempt.scriptPath = check.Path
	return nil
}

func (o *Orchestrator) backup(_ context.Context, attempt *Attempt) error {
	now := o.clock.Now().UTC()
	if !o.cfg.BackupBeforeUpdate {
		attempt.Backup = &BackupRecord{PreviousVersion: update.UnknownVersion, Timestamp: now, Skipped: true}
		attempt.record(types.StepBackup, types.StepSkipped, now)
		log.Info("backup disabled, rollback will not know the previous version")
		return nil
	}

	previous := attempt.CurrentVersion
	if o.versions != nil {
		previous = o.versions.Read()
	}
	if previous == "" {
		return &StepError{Step: types.StepBackup, Category: types.CategoryBackup,
			Err: fmt.Errorf("could not determine the installed version")}
	}

	attempt.Backup = &BackupRecord{PreviousVersion: previous, Timestamp: now}
	o.status.SetState(types.StateUpdating, fmt.Sprintf("Recorded current version %s", previous), 10, "")
	return nil
}

func (o *Orchestrator) prepareShutdown(_ context.Context, attempt *Attempt) error {
	o.status.SetState(types.StateUpdating, "Preparing to restart for update", 15, "")

	delivered := o.status.NotifyShutdown(broadcast.ShutdownNotice{
		Message:               fmt.Sprintf("Server is shutting down to install version %s", attempt.TargetVersion),
		ExpectedDowntime:      o.cfg.ExpectedDowntime,
		ReconnectInstructions: "The page will reconnect automatically. If it does not, reload it once the service is back.",
	})
	log.WithField("attempt", attempt.ID).Infof("shutdown notice delivered to %d observers", delivered)
	return nil
}

func (o *Orchestrator) shutdown(ctx context.Context, attempt *Attempt) error {
	if o.drainer == nil {
		log.WithField("attempt", attempt.ID).Warn("no listener to drain, continuing")
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, o.cfg.Grace+time.Second)
	defer cancel()
	if err := o.drainer.Drain(drainCtx, o.cfg.Grace); err != nil {
		log.WithField("attempt", attempt.ID).Warnf("connection drain incomplete: %v", err)
	}
	o.status.SetState(types.StateUpdating, "Stopped accepting new connections", 20, "")
	return nil
}

func (o *Orchestrator) executeScript(ctx context.Context, attempt *Attempt) error {
	cmd := buildCommand(o.cfg.Escalation, o.cfg.Interpreter, attempt.scriptPath)
	cmd.Dir = o.cfg.ScriptsDir

	started := o.clock.Now()
	proc, err := o.runner.Start(ctx, cmd)
	if err != nil {
		attempt.Script = &ScriptResult{ExitCode: -1}
		se := stepError(types.StepUpdateExecution, fmt.Errorf("failed to start update script: %w", err))
		if se.Category == types.CategoryGeneric {
			se.Category = types.CategoryScript
		}
		return se
	}

	progress := o.status.Current().Progress
	o.status.SetState(types.StateUpdating, "Running update script", progress, "")

	out := newTail(outputTailLines)
	hard := o.clock.NewTimer(o.cfg.HardTimeout)
	stall := o.clock.NewTimer(o.cfg.StallTimeout)
	defer hard.Stop()
	defer stall.Stop()

	finish := func(code int) {
		attempt.Script = &ScriptResult{
			ExitCode: code,
			Output:   out.snapshot(),
			Duration: o.clock.Now().Sub(started),
		}
	}

	lines := proc.Lines()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			progress = o.handleLine(line, progress, out)
			stall.Reset(o.cfg.StallTimeout)

		case res := <-proc.Done():
			if lines != nil {
				for line := range lines {
					progress = o.handleLine(line, progress, out)
				}
			}
			finish(res.Code)
			if res.Success() {
				return nil
			}
			cause := res.Err
			if cause == nil {
				cause = fmt.Errorf("update script exited with status %d", res.Code)
			}
			return &StepError{Step: types.StepUpdateExecution, Category: categorizeOutput(out.snapshot()), Err: cause}

		case <-stall.Chan():
			log.WithField("attempt", attempt.ID).Warnf("update script silent for %s", o.cfg.StallTimeout)
			o.status.SetState(types.StateUpdating,
				fmt.Sprintf("Update script has produced no output for %s; still waiting", o.cfg.StallTimeout), progress, "")
			stall.Reset(o.cfg.StallTimeout)

		case <-hard.Chan():
			if err := proc.Kill(); err != nil {
				log.WithField("attempt", attempt.ID).Errorf("failed to stop update script: %v", err)
			}
			finish(-1)
			return &StepError{Step: types.StepUpdateExecution, Category: types.CategoryScript,
				Err: fmt.Errorf("%w (%s)", ErrScriptTimeout, o.cfg.HardTimeout)}

		case <-ctx.Done():
			_ = proc.Kill()
			finish(-1)
			return stepError(types.StepUpdateExecution, ctx.Err())
		}
	}
}

func (o *Orchestrator) handleLine(line string, progress int, out *tail) int {
	out.add(line)
	log.WithField("source", "update-script").Info(line)

	next := EstimateProgress(progress, line)
	text := statusLine(line)
	if text == "" {
		// Nothing worth showing: advance under the current message.
		if next == progress {
			return progress
		}
		text = o.status.Current().Message
	}
	o.status.SetState(types.StateUpdating, text, next, "")
	return next
}

func (o *Orchestrator) complete(attempt *Attempt) {
	if o.versions != nil {
		if err := o.versions.Write(attempt.TargetVersion); err != nil {
			log.WithField("attempt", attempt.ID).Warnf("update installed but version file not updated: %v", err)
		}
	}

	o.status.SetState(types.StateSuccess, fmt.Sprintf("Update to version %s completed, restarting", attempt.TargetVersion), 100, "")
	o.finish(attempt, true)
	o.scheduleExit(attempt, 0, o.cfg.ExitDelay)
}

// recoverFrom routes a failed step to its recovery action and always ends in
// the error state.
func (o *Orchestrator) recoverFrom(attempt *Attempt, err error) {
	var se *StepError
	if !errors.As(err, &se) {
		se = &StepError{Step: types.StepUnclassified, Category: categorize(err), Err: err}
	}

	attempt.FailedStep = se.Step
	attempt.addError(se)
	action := types.RecoveryFor(se.Step)
	attempt.Recovery = action
	progress := o.status.Current().Progress

	entry := log.WithFields(log.Fields{
		"attempt":  attempt.ID,
		"step":     se.Step,
		"category": se.Category,
		"recovery": action,
	})
	entry.Errorf("update failed: %v", se.Err)

	switch action {
	case types.RecoveryContinue:
		entry.Info("update aborted, service continues on the current version")
	case types.RecoveryRollback:
		previous := update.UnknownVersion
		if attempt.Backup != nil && !attempt.Backup.Skipped {
			previous = attempt.Backup.PreviousVersion
		}
		entry.Warnf("rolling back to version %s", previous)
		o.status.SetState(types.StateError,
			fmt.Sprintf("Update failed, restarting on version %s", previous), progress, se.Category.UserMessage())
		o.scheduleExit(attempt, 1, o.cfg.ExitDelay)
	case types.RecoveryRestart:
		entry.Warn("restarting service to recover")
		o.scheduleExit(attempt, 1, o.cfg.ExitDelay)
	}

	o.status.SetState(types.StateError, fmt.Sprintf("Update failed during %s", stepLabel(se.Step)), progress,
		se.Category.UserMessage())
	o.finish(attempt, false)
}

func (o *Orchestrator) finish(attempt *Attempt, ok bool) {
	if o.recorder == nil {
		return
	}
	if ok {
		o.recorder.RecordRun("success")
	} else {
		o.recorder.RecordRun("failed")
	}
}

func (o *Orchestrator) scheduleExit(attempt *Attempt, code int, delay time.Duration) {
	c := code
	attempt.ExitCode = &c
	log.WithField("attempt", attempt.ID).Infof("exiting with code %d in %s", code, delay)
	o.clock.AfterFunc(delay, func() {
		o.exit(code)
	})
}

func stepLabel(step types.Step) string {
	switch step {
	case types.StepValidation:
		return "validation"
	case types.StepBackup:
		return "backup"
	case types.StepShutdownPrep:
		return "shutdown preparation"
	case types.StepShutdown:
		return "shutdown"
	case types.StepUpdateExecution:
		return "update execution"
	default:
		return "update"
	}
}
