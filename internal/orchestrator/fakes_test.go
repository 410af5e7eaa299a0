package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/types"
)

type fakeSink struct {
	mu      sync.Mutex
	history []broadcast.Status
	notices []broadcast.ShutdownNotice
}

func (s *fakeSink) SetState(status types.UpdateState, message string, progress int, errText string) broadcast.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := broadcast.Status{Status: status, Message: message, Progress: progress, Error: errText, Timestamp: time.Now()}
	s.history = append(s.history, st)
	return st
}

func (s *fakeSink) NotifyShutdown(n broadcast.ShutdownNotice) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return 1
}

func (s *fakeSink) Current() broadcast.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return broadcast.Status{Status: types.StateIdle}
	}
	return s.history[len(s.history)-1]
}

func (s *fakeSink) all() []broadcast.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broadcast.Status, len(s.history))
	copy(out, s.history)
	return out
}

func (s *fakeSink) countMessages(substr string) int {
	n := 0
	for _, st := range s.all() {
		if contains(st.Message, substr) {
			n++
		}
	}
	return n
}

type fakeProcess struct {
	lines  chan string
	done   chan ExitResult
	killed chan struct{}
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		lines:  make(chan string),
		done:   make(chan ExitResult, 1),
		killed: make(chan struct{}),
	}
}

func (p *fakeProcess) Pid() int                { return 4242 }
func (p *fakeProcess) Lines() <-chan string    { return p.lines }
func (p *fakeProcess) Done() <-chan ExitResult { return p.done }

func (p *fakeProcess) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

// emit writes lines, closes the stream and reports the exit code.
func (p *fakeProcess) emit(code int, lines ...string) {
	for _, l := range lines {
		p.lines <- l
	}
	close(p.lines)
	p.done <- ExitResult{Code: code}
}

type fakeRunner struct {
	proc  *fakeProcess
	err   error
	panic bool

	mu       sync.Mutex
	commands []Command
}

func (r *fakeRunner) Start(_ context.Context, cmd Command) (Process, error) {
	if r.panic {
		panic("runner exploded")
	}
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.proc, nil
}

func (r *fakeRunner) started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

type fakeVersions struct {
	mu      sync.Mutex
	current string
	written []string
	err     error
}

func (v *fakeVersions) Read() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *fakeVersions) Write(version string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.written = append(v.written, version)
	v.current = version
	return nil
}

type fakeDrainer struct {
	calls int
	grace time.Duration
}

func (d *fakeDrainer) Drain(_ context.Context, grace time.Duration) error {
	d.calls++
	d.grace = grace
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *fakeRecorder) RecordRun(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

type exitRecorder struct {
	codes chan int
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{codes: make(chan int, 4)}
}

func (e *exitRecorder) exit(code int) {
	e.codes <- code
}
