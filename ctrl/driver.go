package ctrl

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/frame"
	"github.com/ctrl-z-9000-times/npc-maker/proc"
)

// DefaultQuitGrace bounds how long Quit waits for a controller to exit on
// its own before killing it.
const DefaultQuitGrace = 5 * time.Second

// DriverOptions tune one controller subprocess.
type DriverOptions struct {
	// WorkingDir for the subprocess. Empty inherits the parent's.
	WorkingDir string

	// Stderr policy for the subprocess.
	Stderr     proc.StderrPolicy
	StderrPath string

	// QuitGrace overrides DefaultQuitGrace when positive.
	QuitGrace time.Duration

	// Logger for lifecycle events. Nil uses the default logger.
	Logger *slog.Logger
}

// Driver owns exactly one controller subprocess and drives it through the
// stdio protocol. Calls are serialized: per controller, messages go out in
// the exact order the caller issued them, and replies are drained strictly
// in request order. Distinct drivers share nothing and run fully in
// parallel.
type Driver struct {
	handle *proc.Handle
	logger *slog.Logger
	grace  time.Duration

	// mu serializes wire traffic and reply draining.
	mu sync.Mutex
	w  *frame.Writer
	r  *frame.Reader

	// dieMu guards diedErr separately from the wire mutex, so Kill and
	// Quit never wait behind a round-trip hung on an unresponsive
	// controller. diedErr latches the first terminal failure; every
	// later call returns it unchanged, so the caller sees exactly one
	// death.
	dieMu   sync.Mutex
	diedErr error
}

// Start spawns a controller subprocess and sends the environment and
// population headers, exactly once, before any other traffic.
func Start(command []string, envSpecPath, population string, opts DriverOptions) (*Driver, error) {
	handle, err := proc.Spawn(command, proc.Options{
		Dir:        opts.WorkingDir,
		Stderr:     opts.Stderr,
		StderrPath: opts.StderrPath,
	})
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.QuitGrace
	if grace <= 0 {
		grace = DefaultQuitGrace
	}

	d := &Driver{
		handle: handle,
		logger: logger.With("controller", command[0], "pid", handle.PID()),
		grace:  grace,
		w:      frame.NewWriter(handle.Stdin()),
		r:      frame.NewReader(handle.Stdout()),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := WriteRequest(d.w, Request{Tag: TagEnvironment, Value: envSpecPath}); err != nil {
		return nil, d.die(err, "send environment header")
	}
	if err := WriteRequest(d.w, Request{Tag: TagPopulation, Value: population}); err != nil {
		return nil, d.die(err, "send population header")
	}
	if err := d.w.Flush(); err != nil {
		return nil, d.die(err, "flush headers")
	}
	d.logger.Debug("controller started")
	return d, nil
}

// died reports the latched terminal error, nil while the controller lives.
func (d *Driver) died() error {
	d.dieMu.Lock()
	defer d.dieMu.Unlock()
	return d.diedErr
}

// latch records the terminal error once. The first caller wins; everyone
// gets the same error back.
func (d *Driver) latch(err error) error {
	d.dieMu.Lock()
	defer d.dieMu.Unlock()
	if d.diedErr == nil {
		d.diedErr = err
	}
	return d.diedErr
}

// die latches the terminal error and tears the subprocess down.
func (d *Driver) die(cause error, action string) error {
	d.handle.Kill()
	err := d.latch(errors.WrapFatal(
		fmt.Errorf("%w: %v", errors.ErrControllerDied, cause),
		"ctrl", "Driver", action))
	d.logger.Warn("controller died", "action", action, "error", cause)
	return err
}

// send frames fire-and-forget messages and flushes them.
func (d *Driver) send(reqs ...Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.died(); err != nil {
		return err
	}
	for _, req := range reqs {
		if err := WriteRequest(d.w, req); err != nil {
			return d.die(err, "send "+string(req.Tag))
		}
	}
	if err := d.w.Flush(); err != nil {
		return d.die(err, "flush")
	}
	return nil
}

// Genome loads a genome into the controller, discarding the previous model.
func (d *Driver) Genome(genome []byte) error {
	return d.send(Request{Tag: TagGenome, Blob: genome})
}

// Reset returns the controller to its initial state, keeping the genome.
func (d *Driver) Reset() error {
	return d.send(Request{Tag: TagReset})
}

// Advance steps the controller by dt seconds.
func (d *Driver) Advance(dt float64) error {
	value := strconv.FormatFloat(dt, 'g', -1, 64)
	return d.send(Request{Tag: TagAdvance, Value: value})
}

// SetInput transmits one sensor value. No reply is expected.
func (d *Driver) SetInput(gin uint64, value string) error {
	return d.send(Request{Tag: TagInput, GIN: gin, Value: value})
}

// SetBinaryInput transmits one raw sensor payload.
func (d *Driver) SetBinaryInput(gin uint64, payload []byte) error {
	return d.send(Request{Tag: TagBinary, GIN: gin, Blob: payload})
}

// GetOutput requests one motor value and blocks until its reply arrives.
// The wire format has no correlation identifier, so requests are never
// pipelined: a concurrent GetOutput waits until this reply is drained.
func (d *Driver) GetOutput(gin uint64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.died(); err != nil {
		return "", err
	}
	if err := WriteRequest(d.w, Request{Tag: TagOutput, GIN: gin}); err != nil {
		return "", d.die(err, "send output request")
	}
	if err := d.w.Flush(); err != nil {
		return "", d.die(err, "flush output request")
	}
	replyGIN, value, err := ReadOutputReply(d.r)
	if err != nil {
		return "", d.die(err, "read output reply")
	}
	if replyGIN != gin {
		return "", d.die(
			fmt.Errorf("%w: reply for gin %d, expected %d",
				errors.ErrProtocol, replyGIN, gin),
			"read output reply")
	}
	return value, nil
}

// Save asks the controller for its full state as an opaque blob.
func (d *Driver) Save() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.died(); err != nil {
		return nil, err
	}
	if err := WriteRequest(d.w, Request{Tag: TagSave}); err != nil {
		return nil, d.die(err, "send save request")
	}
	if err := d.w.Flush(); err != nil {
		return nil, d.die(err, "flush save request")
	}
	state, err := ReadSaveReply(d.r)
	if err != nil {
		// A stream that dies mid reply yields one death, never a
		// partial blob.
		return nil, d.die(err, "read save reply")
	}
	return state, nil
}

// Load replaces the controller's full state with a blob from Save.
func (d *Driver) Load(state []byte) error {
	return d.send(Request{Tag: TagLoad, Blob: state})
}

// Custom forwards an application-defined message verbatim. The tag must
// not collide with the reserved type characters.
func (d *Driver) Custom(tag byte, body string) error {
	switch tag {
	case TagEnvironment, TagPopulation, TagGenome, TagReset, TagAdvance,
		TagInput, TagBinary, TagOutput, TagSave, TagLoad, TagQuit,
		tagAdvanceLegacy:
		return errors.WrapInvalid(
			fmt.Errorf("%w: reserved message tag %q", errors.ErrMalformedField, tag),
			"ctrl", "Custom", "validate tag")
	}
	return d.send(Request{Tag: tag, Value: body})
}

// IsAlive reports whether the subprocess is still running.
func (d *Driver) IsAlive() bool {
	return d.died() == nil && d.handle.IsAlive()
}

// Died returns a channel that closes when the subprocess exits, so a
// crashed controller is observable without blocking anything.
func (d *Driver) Died() <-chan struct{} {
	return d.handle.Died()
}

// Quit asks the controller to exit by sending the quit message and half
// closing its input, then waits out the grace period before killing it.
func (d *Driver) Quit() error {
	// A round-trip hung on an unresponsive controller holds the wire
	// mutex, so the polite quit message is only sent when the wire is
	// free. Closing stdin signals quit just the same, and the grace
	// period bounds the wait either way.
	if d.mu.TryLock() {
		if d.died() == nil {
			if err := WriteRequest(d.w, Request{Tag: TagQuit}); err == nil {
				_ = d.w.Flush()
			}
		}
		d.mu.Unlock()
	}
	_ = d.handle.CloseStdin()

	if !d.handle.WaitTimeout(d.grace) {
		d.logger.Warn("controller ignored quit, killing", "grace", d.grace)
		d.handle.Kill()
	}
	_ = d.latch(errors.WrapFatal(errors.ErrControllerDied, "ctrl", "Driver", "quit"))
	d.logger.Debug("controller stopped")
	return nil
}

// Kill terminates the subprocess immediately, discarding its state. It
// never waits on the wire mutex: killing first closes the pipes, which
// errors any reply read blocked behind a hung controller.
func (d *Driver) Kill() {
	d.handle.Kill()
	_ = d.latch(errors.WrapFatal(errors.ErrControllerDied, "ctrl", "Driver", "kill"))
}

var _ io.Closer = (*Driver)(nil)

// Close implements io.Closer as an alias for Quit.
func (d *Driver) Close() error {
	return d.Quit()
}
