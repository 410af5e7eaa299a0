package orchestrator

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func startShell(t *testing.T, r ExecRunner, script string) Process {
	t.Helper()
	proc, err := r.Start(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", script},
		Env:  scriptEnv(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		select {
		case <-proc.Done():
		default:
			_ = unix.Kill(-proc.Pid(), unix.SIGKILL)
		}
	})
	return proc
}

func waitDone(t *testing.T, proc Process) ExitResult {
	t.Helper()
	select {
	case res := <-proc.Done():
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("process did not finish")
		return ExitResult{}
	}
}

func TestExecRunnerCollectsOutputAndExitCode(t *testing.T) {
	requireShell(t)
	proc := startShell(t, ExecRunner{}, "echo a; echo b >&2; exit 3")

	var lines []string
	for line := range proc.Lines() {
		lines = append(lines, line)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, lines)

	res := waitDone(t, proc)
	assert.Equal(t, 3, res.Code)
	assert.NoError(t, res.Err)
	assert.False(t, res.Success())
}

func TestExecRunnerClosesLinesBeforeDone(t *testing.T) {
	requireShell(t)
	proc := startShell(t, ExecRunner{}, "echo one; echo two")

	res := waitDone(t, proc)
	assert.True(t, res.Success())

	// Done only delivers once the stream is closed, so the remaining
	// buffered lines drain and the channel ends without blocking.
	var lines []string
	for {
		select {
		case line, ok := <-proc.Lines():
			if !ok {
				assert.Equal(t, []string{"one", "two"}, lines)
				return
			}
			lines = append(lines, line)
		default:
			t.Fatal("Lines still open after Done")
		}
	}
}

func TestExecRunnerStartsNewSession(t *testing.T) {
	requireShell(t)
	proc := startShell(t, ExecRunner{}, "sleep 30")

	sid, err := unix.Getsid(proc.Pid())
	require.NoError(t, err)
	assert.Equal(t, proc.Pid(), sid)
	assert.NotEqual(t, unix.Getpid(), sid)

	require.NoError(t, proc.Kill())
	res := waitDone(t, proc)
	assert.False(t, res.Success())
}

func TestExecRunnerKillStopsChild(t *testing.T) {
	requireShell(t)
	proc := startShell(t, ExecRunner{}, "echo ready; sleep 30")

	select {
	case line := <-proc.Lines():
		require.Equal(t, "ready", line)
	case <-time.After(5 * time.Second):
		t.Fatal("no output from child")
	}

	started := time.Now()
	require.NoError(t, proc.Kill())
	res := waitDone(t, proc)
	assert.False(t, res.Success())
	assert.Less(t, time.Since(started), DefaultKillGrace)
}

func TestExecRunnerKillEscalatesToSIGKILL(t *testing.T) {
	requireShell(t)
	proc := startShell(t, ExecRunner{KillGrace: 200 * time.Millisecond},
		"trap '' TERM; echo ready; while :; do sleep 1; done")

	select {
	case line := <-proc.Lines():
		require.Equal(t, "ready", line)
	case <-time.After(5 * time.Second):
		t.Fatal("no output from child")
	}

	require.NoError(t, proc.Kill())
	res := waitDone(t, proc)
	assert.Equal(t, -1, res.Code)
}

func TestScriptEnv(t *testing.T) {
	t.Setenv("KIOSKD_SECRET", "hunter2")
	t.Setenv("HOME", "/home/kiosk")
	t.Setenv("USER", "kiosk")
	t.Setenv("SUDO_USER", "")

	env := scriptEnv()

	assert.Contains(t, env, "PATH="+safePath)
	assert.Contains(t, env, "UPDATE_MODE=1")
	assert.Contains(t, env, "HOME=/home/kiosk")
	assert.Contains(t, env, "SUDO_USER=kiosk")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "KIOSKD_SECRET="), "leaked %s", kv)
	}
}
