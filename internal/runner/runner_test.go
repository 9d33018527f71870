package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRunner(t *testing.T, timeout time.Duration) *Runner {
	return New(timeout, 100*time.Millisecond, zaptest.NewLogger(t))
}

func writeScript(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), mode))
	return p
}

func TestRunCombinedOutput(t *testing.T) {
	script := writeScript(t, "echo out\necho err 1>&2\necho more\nexit 3", 0o755)

	res := testRunner(t, 0).Run(context.Background(), Invocation{Args: []string{script}})

	assert.NoError(t, res.Err)
	assert.Equal(t, "out\nerr\nmore\n", res.Output)
	assert.Equal(t, 3, res.ExitCode, "exit status is metadata only")
	assert.NotEmpty(t, res.ID)
}

func TestRunArgumentsAreNotShellInterpreted(t *testing.T) {
	res := testRunner(t, 0).Run(context.Background(), Invocation{
		Args: []string{"printf", "%s|", "a b", "$(id)", "; ls", "`x`"},
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "a b|$(id)|; ls|`x`|", res.Output)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunEnvironment(t *testing.T) {
	res := testRunner(t, 0).Run(context.Background(), Invocation{
		Args: []string{"/bin/sh", "-c", `printf %s "$TESTNAP_HOME"`},
		Env:  []string{"TESTNAP_HOME=/opt/portal/sys/test"},
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "/opt/portal/sys/test", res.Output)
}

func TestRunInvocationErrors(t *testing.T) {
	notExecutable := writeScript(t, "echo hi", 0o644)

	for _, table := range []struct {
		desc string
		args []string
		want []string
	}{
		{"missing executable", []string{"/nonexistent/call_testnap.sh", "PCM_OP_READ_OBJ"},
			[]string{`Error running command ["/nonexistent/call_testnap.sh" "PCM_OP_READ_OBJ"]:`, "no such file or directory"}},
		{"permission denied", []string{notExecutable},
			[]string{"Error running command", notExecutable, "permission denied"}},
		{"no arguments", nil,
			[]string{"Error running command []: no command given"}},
	} {
		t.Run(table.desc, func(t *testing.T) {
			res := testRunner(t, 0).Run(context.Background(), Invocation{Args: table.args})

			assert.ErrorIs(t, res.Err, ErrInvocation)
			assert.Equal(t, -1, res.ExitCode)
			for _, want := range table.want {
				assert.Contains(t, res.Output, want)
			}
		})
	}
}

func TestRunInvalidUTF8(t *testing.T) {
	res := testRunner(t, 0).Run(context.Background(), Invocation{Args: []string{"printf", `\377`}})

	assert.ErrorIs(t, res.Err, ErrInvocation)
	assert.Contains(t, res.Output, "not valid UTF-8")
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, "echo started\nsleep 10\necho finished", 0o755)

	start := time.Now()
	res := testRunner(t, 200*time.Millisecond).Run(context.Background(), Invocation{Args: []string{script}})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.True(t, res.TimedOut())
	assert.Contains(t, res.Output, "started\n")
	assert.NotContains(t, res.Output, "finished")
	assert.Contains(t, res.Output, "Command timed out after 200ms: [\""+script+"\"]")
}

func TestRunTimeoutIgnoringSIGTERM(t *testing.T) {
	script := writeScript(t, "trap '' TERM\necho stubborn\nsleep 10", 0o755)

	start := time.Now()
	res := testRunner(t, 100*time.Millisecond).Run(context.Background(), Invocation{Args: []string{script}})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, res.TimedOut())
	assert.Contains(t, res.Output, "stubborn")
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := testRunner(t, 0).Run(ctx, Invocation{Args: []string{"sleep", "10"}})

	assert.ErrorIs(t, res.Err, ErrCanceled)
	assert.False(t, res.TimedOut())
	assert.Contains(t, res.Output, `Command canceled: ["sleep" "10"]`)
}

func TestRunIsNotCached(t *testing.T) {
	r := testRunner(t, 0)
	inv := Invocation{Args: []string{"/bin/sh", "-c", "date +%N"}}

	first := r.Run(context.Background(), inv)
	second := r.Run(context.Background(), inv)

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, second.StartedAt.Before(first.FinishedAt))
}

func TestShutdownStopsRunningCommands(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	script := writeScript(t, "trap '' TERM\necho $$ > "+pidFile+"\nsleep 30", 0o755)
	r := New(0, 10*time.Second, zaptest.NewLogger(t))

	results := make(chan *Result, 1)
	go func() {
		results <- r.Run(context.Background(), Invocation{Args: []string{script}})
	}()
	pid := waitForPID(t, pidFile)
	require.Eventually(t, func() bool { return r.Running() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := r.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded, "the script ignores SIGTERM")
	assert.Less(t, time.Since(start), 5*time.Second, "SIGKILL does not wait for KillGrace")
	assert.Equal(t, 0, r.Running())
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "collaborator outlived Shutdown")

	res := <-results
	assert.ErrorIs(t, res.Err, ErrCanceled)
	assert.Contains(t, res.Output, "Command canceled")
}

func TestShutdownWaitsForCooperativeCommands(t *testing.T) {
	r := testRunner(t, 0)

	results := make(chan *Result, 1)
	go func() {
		results <- r.Run(context.Background(), Invocation{Args: []string{"sleep", "30"}})
	}()
	require.Eventually(t, func() bool { return r.Running() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.ErrorIs(t, (<-results).Err, ErrCanceled)

	refused := r.Run(context.Background(), Invocation{Args: []string{"true"}})
	assert.ErrorIs(t, refused.Err, ErrInvocation)
	assert.Contains(t, refused.Output, ErrClosed.Error())
	assert.NoError(t, r.Shutdown(context.Background()), "Shutdown is idempotent")
}

func waitForPID(t *testing.T, pidFile string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return pid
}
