package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultKillGrace = 5 * time.Second

// Runner executes external commands and captures their combined output.
type Runner struct {
	// Timeout bounds each command. Zero means no limit.
	Timeout time.Duration
	// KillGrace is how long a command gets between SIGTERM and SIGKILL.
	KillGrace time.Duration

	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	closing chan struct{} // closed by Shutdown
	running map[*process]struct{}
}

// process is one started command; done is closed once it has been reaped.
type process struct {
	pgid int
	done chan struct{}
}

func New(timeout, killGrace time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &Runner{
		Timeout:   timeout,
		KillGrace: killGrace,
		logger:    logger,
		closing:   make(chan struct{}),
		running:   make(map[*process]struct{}),
	}
}

// Run executes inv and waits for it. It never returns an error: stdout and
// stderr are captured into a single stream and returned whatever the exit
// status, and failures to run the command come back as text in Output with
// Err set.
func (r *Runner) Run(ctx context.Context, inv Invocation) *Result {
	res := &Result{
		ID:        uuid.NewString(),
		Args:      inv.Args,
		ExitCode:  -1,
		StartedAt: time.Now().UTC(),
	}
	defer r.finish(res)

	if len(inv.Args) == 0 {
		return r.fail(res, errors.New("no command given"))
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.Command(inv.Args[0], inv.Args[1:]...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	// own process group so a timeout reaches the script's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.grace()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	// Start under the lock so Shutdown either sees the process or has
	// already refused it.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.fail(res, ErrClosed)
	}
	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return r.fail(res, err)
	}
	p := &process{pgid: cmd.Process.Pid, done: make(chan struct{})}
	r.running[p] = struct{}{}
	r.mu.Unlock()
	defer r.release(p)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var stopped error
	select {
	case <-waitCh:
	case <-ctx.Done():
		stopped = ctx.Err()
		r.stopGroup(p.pgid, waitCh)
	case <-r.closing:
		stopped = ErrClosed
		r.stopGroup(p.pgid, waitCh)
	}

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if !utf8.Valid(out.Bytes()) {
		return r.fail(res, errors.New("output is not valid UTF-8"))
	}
	res.Output = out.String()

	switch {
	case errors.Is(stopped, context.DeadlineExceeded):
		res.Err = fmt.Errorf("%w after %s", ErrTimeout, r.Timeout)
		res.Output = appendLine(res.Output, fmt.Sprintf("Command timed out after %s: %s", r.Timeout, quoteArgs(inv.Args)))
	case stopped != nil:
		res.Err = fmt.Errorf("%w: %v", ErrCanceled, stopped)
		res.Output = appendLine(res.Output, fmt.Sprintf("Command canceled: %s", quoteArgs(inv.Args)))
	}
	return res
}

// stopGroup sends SIGTERM to the command's process group and SIGKILL if it
// is still running after the grace period.
func (r *Runner) stopGroup(pgid int, waitCh <-chan error) {
	_ = unix.Kill(-pgid, unix.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(r.grace()):
		_ = unix.Kill(-pgid, unix.SIGKILL)
		<-waitCh
	}
}

func (r *Runner) release(p *process) {
	r.mu.Lock()
	delete(r.running, p)
	r.mu.Unlock()
	close(p.done)
}

// Running reports how many commands have been started and not yet reaped.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Shutdown refuses new commands, stops the running ones the way a timeout
// does and waits for them to be reaped. If ctx ends first, the process
// groups still alive are killed with SIGKILL; Shutdown then waits for them
// and returns ctx's error. No command started by r outlives the call.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.closing)
	}
	procs := make([]*process, 0, len(r.running))
	for p := range r.running {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	err := waitAll(ctx, procs)
	if err == nil {
		return nil
	}
	killed := 0
	for _, p := range procs {
		select {
		case <-p.done:
		default:
			_ = unix.Kill(-p.pgid, unix.SIGKILL)
			killed++
		}
	}
	for _, p := range procs {
		<-p.done
	}
	r.logger.Warn("killed commands still running at shutdown", zap.Int("count", killed))
	return err
}

func waitAll(ctx context.Context, procs []*process) error {
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runner) grace() time.Duration {
	if r.KillGrace <= 0 {
		return defaultKillGrace
	}
	return r.KillGrace
}

func (r *Runner) fail(res *Result, err error) *Result {
	res.Err = fmt.Errorf("%w: %v", ErrInvocation, err)
	res.Output = fmt.Sprintf("Error running command %s: %v", quoteArgs(res.Args), err)
	return res
}

func (r *Runner) finish(res *Result) {
	res.FinishedAt = time.Now().UTC()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)

	// Arguments may carry credentials, so only the program is logged.
	var program string
	if len(res.Args) > 0 {
		program = res.Args[0]
	}
	fields := []zap.Field{
		zap.String("invocation_id", res.ID),
		zap.String("program", program),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Int("output_bytes", len(res.Output)),
	}
	if res.Err != nil {
		r.logger.Warn("command failed", append(fields, zap.Error(res.Err))...)
		return
	}
	r.logger.Debug("command finished", fields...)
}

func quoteArgs(args []string) string {
	return fmt.Sprintf("%q", args)
}

func appendLine(s, line string) string {
	if s != "" && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s + line
}
