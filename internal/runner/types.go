package runner

import (
	"errors"
	"time"
)

var (
	// ErrInvocation marks a command that could not be run or whose output
	// could not be decoded.
	ErrInvocation = errors.New("command could not be run")
	// ErrTimeout marks a command stopped because it ran past the timeout.
	ErrTimeout = errors.New("command timed out")
	// ErrCanceled marks a command stopped because its caller went away or
	// the runner was shut down.
	ErrCanceled = errors.New("command canceled")
	// ErrClosed is the cause reported for commands refused or stopped by
	// Runner.Shutdown.
	ErrClosed = errors.New("runner is shut down")
)

// Invocation is one external command. Args[0] is the program; the remaining
// elements are passed to it as discrete arguments, never through a shell.
type Invocation struct {
	Args []string
	Env  []string // extra KEY=value entries on top of the server's environment
	Dir  string
}

// Result is the outcome of an Invocation. Output is always set: on failure
// it holds an operator-readable error message instead of command output.
type Result struct {
	ID         string
	Args       []string
	Output     string
	ExitCode   int // -1 when the process never ran or was killed by a signal
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Err        error
}

func (r *Result) TimedOut() bool {
	return errors.Is(r.Err, ErrTimeout)
}
