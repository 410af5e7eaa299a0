package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const safePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// DefaultKillGrace is how long a killed session has to exit after SIGTERM
// before it is sent SIGKILL.
const DefaultKillGrace = 5 * time.Second

// Command is a fully resolved process invocation. It is executed directly,
// never through a shell.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// ExitResult is how a process ended. Code is -1 when the process did not
// exit normally.
type ExitResult struct {
	Code int
	Err  error
}

// Success reports a clean zero exit.
func (r ExitResult) Success() bool {
	return r.Code == 0 && r.Err == nil
}

// Process is a running child. Lines yields combined stdout and stderr
// output and is closed before Done delivers.
type Process interface {
	Pid() int
	Lines() <-chan string
	Done() <-chan ExitResult
	Kill() error
}

// Runner starts processes.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecRunner starts real processes in their own session so they survive
// the service exiting.
type ExecRunner struct {
	// KillGrace overrides DefaultKillGrace when positive.
	KillGrace time.Duration
}

// Start launches cmd. The context only bounds the launch; the child is not
// tied to it.
func (r ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	setDetachedProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Infof("update script started with PID %d", cmd.Process.Pid)

	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	p := &execProcess{
		cmd:       cmd,
		killGrace: grace,
		lines:     make(chan string, 64),
		done:      make(chan ExitResult, 1),
		stopped:   make(chan struct{}),
		exited:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(stdout, &wg)
	go p.scan(stderr, &wg)
	go func() {
		wg.Wait()
		close(p.lines)
		res := exitResult(cmd.Wait())
		close(p.exited)
		p.done <- res
	}()

	return p, nil
}

// setDetachedProcAttr puts the child in a new session, independent of the
// service process group.
func setDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

type execProcess struct {
	cmd       *exec.Cmd
	killGrace time.Duration
	lines     chan string
	done      chan ExitResult
	stopped   chan struct{}
	exited    chan struct{}
	stopOnce  sync.Once
}

func (p *execProcess) Pid() int                { return p.cmd.Process.Pid }
func (p *execProcess) Lines() <-chan string    { return p.lines }
func (p *execProcess) Done() <-chan ExitResult { return p.done }

// Kill terminates the child's whole session. A session still running
// after the kill grace period is sent SIGKILL.
func (p *execProcess) Kill() error {
	first := false
	p.stopOnce.Do(func() {
		close(p.stopped)
		first = true
	})
	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		log.Debugf("failed to signal process group %d: %v", pid, err)
		return p.cmd.Process.Kill()
	}
	if first {
		go p.forceKill(pid)
	}
	return nil
}

func (p *execProcess) forceKill(pid int) {
	timer := time.NewTimer(p.killGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		log.Warnf("update script ignored SIGTERM for %s, sending SIGKILL", p.killGrace)
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
			log.Debugf("failed to kill process group %d: %v", pid, err)
		}
	}
}

func (p *execProcess) scan(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.stopped:
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("stopped reading script output: %v", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func exitResult(err error) ExitResult {
	if err == nil {
		return ExitResult{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitResult{Code: exitErr.ExitCode()}
	}
	return ExitResult{Code: -1, Err: err}
}

// scriptEnv builds the environment handed to the update script. Nothing
// else from the service environment leaks through.
func scriptEnv() []string {
	env := []string{
		"PATH=" + safePath,
		"UPDATE_MODE=1",
	}
	for _, key := range []string{"HOME", "LANG", "USER"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	invoker := os.Getenv("SUDO_USER")
	if invoker == "" {
		invoker = os.Getenv("USER")
	}
	if invoker != "" {
		env = append(env, "SUDO_USER="+invoker)
	}
	return env
}

// buildCommand assembles `<escalation...> <interpreter> <script>`.
func buildCommand(escalation []string, interpreter, script string) Command {
	argv := append(append([]string{}, escalation...), interpreter, script)
	return Command{
		Path: argv[0],
		Args: argv[1:],
		Env:  scriptEnv(),
	}
}
