// Package proc supervises controller and environment subprocesses. It owns
// the child's stdin and stdout pipes, watches for exit, and collapses every
// stdio failure mode into a single terminal Died event: a closed pipe, a
// read/write error, and process exit are all the same thing to callers.
package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
)

// StderrPolicy selects where a child's stderr channel goes. The protocols
// reserve stdin and stdout, so stderr is the only diagnostic channel a child
// has.
type StderrPolicy int

const (
	// StderrInherit passes the supervisor's own stderr through to the child.
	StderrInherit StderrPolicy = iota
	// StderrFile appends the child's stderr to a log file.
	StderrFile
	// StderrDiscard silences the child entirely.
	StderrDiscard
)

// Options configures a spawn.
type Options struct {
	// Dir is the child's working directory. Empty means inherit.
	Dir string
	// Stderr selects the stderr policy.
	Stderr StderrPolicy
	// StderrPath is the log file for StderrFile.
	StderrPath string
}

// Handle supervises one child process. The stdin and stdout pipes belong
// exclusively to the handle; callers interact with them through Stdin and
// Stdout and must stop once the handle reports death.
type Handle struct {
	cmd        *exec.Cmd
	stdin      *os.File
	stdout     *os.File
	stderrFile *os.File

	died     chan struct{}
	waitOnce sync.Once
	killOnce sync.Once

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Spawn launches a child process with piped stdin/stdout and the requested
// stderr policy. The command's first element is the program; the rest are
// its arguments.
func Spawn(command []string, opts Options) (*Handle, error) {
	if len(command) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty command", errors.ErrMissingConfig),
			"proc", "Spawn", "validate command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = opts.Dir

	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapFatal(err, "proc", "Spawn", "create stdin pipe")
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		return nil, errors.WrapFatal(err, "proc", "Spawn", "create stdout pipe")
	}
	cmd.Stdin = stdinRead
	cmd.Stdout = stdoutWrite

	h := &Handle{
		cmd:      cmd,
		stdin:    stdinWrite,
		stdout:   stdoutRead,
		died:     make(chan struct{}),
		exitCode: -1,
	}

	switch opts.Stderr {
	case StderrInherit:
		cmd.Stderr = os.Stderr
	case StderrDiscard:
		cmd.Stderr = nil
	case StderrFile:
		f, err := os.OpenFile(opts.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			h.closePipes(stdinRead, stdoutWrite)
			return nil, errors.WrapFatal(err, "proc", "Spawn", "open stderr log")
		}
		h.stderrFile = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		h.closePipes(stdinRead, stdoutWrite)
		if h.stderrFile != nil {
			h.stderrFile.Close()
		}
		return nil, errors.WrapFatal(err, "proc", "Spawn", "start process")
	}

	// The child holds its own ends now.
	stdinRead.Close()
	stdoutWrite.Close()

	go h.reap()

	return h, nil
}

func (h *Handle) closePipes(extra ...*os.File) {
	h.stdin.Close()
	h.stdout.Close()
	for _, f := range extra {
		f.Close()
	}
}

// reap waits for the child to exit and records its status. Because the
// supervisor holds its own copies of the pipe ends, Wait cannot race with
// in-flight reads.
func (h *Handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.waitErr = err
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Unlock()

	if h.stderrFile != nil {
		h.stderrFile.Close()
	}
	close(h.died)
}

// Stdin is the child's input channel. Writes after death fail with a pipe
// error, which callers classify as ErrProcessDied.
func (h *Handle) Stdin() *os.File { return h.stdin }

// Stdout is the child's output channel.
func (h *Handle) Stdout() *os.File { return h.stdout }

// PID is the child's process identifier.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// CloseStdin half-closes the child's input, the polite way to ask a
// controller to exit.
func (h *Handle) CloseStdin() error {
	return h.stdin.Close()
}

// IsAlive reports whether the child is still running. Non-blocking.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.died:
		return false
	default:
		return true
	}
}

// Died returns a channel that is closed exactly once, when the child exits.
// This is how death is observed without blocking a control loop.
func (h *Handle) Died() <-chan struct{} {
	return h.died
}

// Wait suspends until the process exits or the context is done, and returns
// the exit code. A negative code indicates termination by signal.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.died:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, nil
	case <-ctx.Done():
		return -1, errors.WrapFatal(ctx.Err(), "proc", "Wait", "await exit")
	}
}

// WaitTimeout is Wait with a grace period. It reports whether the child
// exited within the deadline.
func (h *Handle) WaitTimeout(d time.Duration) bool {
	select {
	case <-h.died:
		return true
	case <-time.After(d):
		return false
	}
}

// Kill forcibly terminates the child and closes both pipes, guaranteeing
// that no further bytes are read from it afterward. Safe to call more than
// once and after natural exit.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		if h.IsAlive() {
			_ = h.cmd.Process.Kill()
		}
		h.stdin.Close()
		h.stdout.Close()
	})
}

// ExitCode returns the recorded exit code once the child has died.
// The second return is false while the child is still running.
func (h *Handle) ExitCode() (int, bool) {
	select {
	case <-h.died:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, true
	default:
		return 0, false
	}
}
