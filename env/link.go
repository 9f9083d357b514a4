// Package env implements the environment side of the framework: the
// management link that runs the control-state machine over stdin/stdout,
// and the individual registry that binds births to controller subprocesses.
package env

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/evo"
	"github.com/ctrl-z-9000-times/npc-maker/frame"
	"github.com/ctrl-z-9000-times/npc-maker/message"
	"github.com/ctrl-z-9000-times/npc-maker/metric"
)

// State is the environment control state. It is owned exclusively by the
// Link; the transitional values exist only inside a command's processing,
// which is atomic, so other goroutines only ever observe the stable three.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StatePausing
	StatePaused
	StateResuming
	StateSaving
	StateLoading
	StateQuitting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StatePausing:
		return "Pausing"
	case StatePaused:
		return "Paused"
	case StateResuming:
		return "Resuming"
	case StateSaving:
		return "Saving"
	case StateLoading:
		return "Loading"
	case StateQuitting:
		return "Quitting"
	default:
		return "Unknown"
	}
}

func (s State) gauge() float64 {
	switch s {
	case StateRunning:
		return 1
	case StatePaused:
		return 2
	default:
		return 0
	}
}

// Handler is the simulation logic behind a Link. Every method is called
// from the link's single processing goroutine, strictly one at a time, so
// implementations need no locking against the link itself.
//
// Errors are logged and the command goes unacknowledged; the simulation
// stays in its previous state.
type Handler interface {
	Start() error
	Stop() error
	Pause() error
	Resume() error

	// Save writes the full simulation state to path, overwriting any
	// existing file atomically.
	Save(path string) error

	// Load replaces the full in-memory state, including all live
	// controller bindings, with the state at path.
	Load(path string) error

	// Birth introduces a new individual into the simulation.
	Birth(b *message.Birth) error

	// Message receives an application-defined payload.
	Message(payload json.RawMessage) error

	// Quit tears everything down as fast as possible. Unsaved work is
	// discarded.
	Quit() error
}

// LinkOptions configure a management link.
type LinkOptions struct {
	// Name labels logs and metrics. Usually the environment spec's name.
	Name string

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Link is the environment-side half of the control protocol. It decodes
// commands from the management stream, runs the control-state machine,
// coalesces redundant commands, answers heartbeats promptly, and relays
// evolution traffic. One Link owns one environment process's stdio.
type Link struct {
	h       Handler
	r       *frame.Reader
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics

	outMu     sync.Mutex
	w         *frame.Writer
	outClosed bool

	mu sync.Mutex
	// control holds the latest unprocessed control command; a newer
	// arrival replaces it unacknowledged.
	control *message.Command
	// queue holds Birth and Message commands in arrival order. These are
	// never coalesced.
	queue []*message.Command
	// notify wakes the processing loop. Capacity one: it is a doorbell,
	// not a mailbox.
	notify chan struct{}

	state State
	// running latches once Run begins; a second Run is rejected.
	running bool

	evoOnce   sync.Once
	evolution *evo.Link
}

// NewLink builds a link over the given streams, conventionally os.Stdin
// and os.Stdout. Nothing runs until Run.
func NewLink(in io.Reader, out io.Writer, h Handler, opts LinkOptions) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name != "" {
		logger = logger.With("environment", opts.Name)
	}
	return &Link{
		h:       h,
		r:       frame.NewReader(in),
		w:       frame.NewWriter(out),
		name:    opts.Name,
		logger:  logger,
		metrics: opts.Metrics,
		notify:  make(chan struct{}, 1),
		state:   StateStopped,
	}
}

// Evolution returns the evolution link riding this management stream.
// Birth commands still arrive through the Handler; handlers that use the
// evolution link forward them with Deliver.
func (l *Link) Evolution() *evo.Link {
	l.evoOnce.Do(func() {
		l.evolution = evo.NewLink(l.SendEvent)
	})
	return l.evolution
}

// State reports the current control state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SendEvent emits one event line to management. After the terminal Quit
// acknowledgment the stream is closed and sends fail.
func (l *Link) SendEvent(ev message.Event) error {
	line, err := message.EncodeEvent(ev)
	if err != nil {
		return err
	}
	l.outMu.Lock()
	defer l.outMu.Unlock()
	if l.outClosed {
		return errors.WrapFatal(errors.ErrStreamClosed, "env", "SendEvent", "write event")
	}
	if err := l.w.WriteLine(line); err != nil {
		return err
	}
	return l.w.Flush()
}

// closeOutput guarantees no output is ever emitted after the terminal ack.
func (l *Link) closeOutput() {
	l.outMu.Lock()
	l.outClosed = true
	l.outMu.Unlock()
}

// Announce emits the Ack for a state the simulation entered on its own,
// for example when it decides to stop itself. Acknowledgments are state
// announcements, not replies, so management's view stays consistent.
func (l *Link) Announce(ct message.CommandType) error {
	l.mu.Lock()
	switch ct {
	case message.CmdStart:
		l.setStateLocked(StateRunning)
	case message.CmdStop:
		l.setStateLocked(StateStopped)
	case message.CmdPause:
		l.setStateLocked(StatePaused)
	case message.CmdResume:
		l.setStateLocked(StateRunning)
	}
	l.mu.Unlock()
	return l.ack(&message.Command{Type: ct})
}

func (l *Link) setStateLocked(s State) {
	l.state = s
	if l.metrics != nil {
		l.metrics.EnvironmentState.WithLabelValues(l.name).Set(s.gauge())
	}
}

func (l *Link) ack(cmd *message.Command) error {
	if l.metrics != nil {
		l.metrics.AcksSent.WithLabelValues(l.name, cmd.Type.String()).Inc()
	}
	return l.SendEvent(message.Event{Type: message.EvAck, Ack: cmd})
}

// Run processes the management stream until Quit, end of stream, or the
// context is canceled. It blocks; callers usually run it from main. A
// link runs at most once: the stream has a single consumer.
func (l *Link) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "env", "Run", "start link")
	}
	l.running = true
	l.mu.Unlock()
	go l.readLoop()

	for {
		select {
		case <-ctx.Done():
			l.closeOutput()
			return ctx.Err()
		case <-l.notify:
		}
		for {
			cmd := l.take()
			if cmd == nil {
				break
			}
			quit, err := l.process(cmd)
			if err != nil {
				l.logger.Error("command failed",
					"command", cmd.Type.String(), "error", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// readLoop decodes inbound commands. Heartbeats are acknowledged here,
// immediately, so a long-running command never stalls the watchdog on the
// management side. End of stream is treated as Quit.
func (l *Link) readLoop() {
	for {
		line, err := l.r.ReadLine()
		if err != nil {
			if !stderrors.Is(err, errors.ErrStreamClosed) {
				l.logger.Warn("management stream failed", "error", err)
			}
			l.push(&message.Command{Type: message.CmdQuit})
			return
		}
		cmd, err := message.DecodeCommand(line)
		if err != nil {
			// Unknown message types are skipped, never fatal.
			l.logger.Warn("unrecognized management message",
				"line", line, "error", err)
			if l.metrics != nil {
				l.metrics.ProtocolErrors.WithLabelValues("management").Inc()
			}
			continue
		}
		if l.metrics != nil {
			l.metrics.CommandsReceived.WithLabelValues(l.name, cmd.Type.String()).Inc()
		}
		if cmd.Type == message.CmdHeartbeat {
			if err := l.ack(&cmd); err != nil {
				return
			}
			continue
		}
		l.push(&cmd)
	}
}

func (l *Link) push(cmd *message.Command) {
	l.mu.Lock()
	switch cmd.Type {
	case message.CmdBirth, message.CmdMessage:
		l.queue = append(l.queue, cmd)
	default:
		// Latest command wins; the superseded one is dropped silently,
		// never queued, never acknowledged.
		if l.control != nil {
			l.logger.Debug("command superseded",
				"dropped", l.control.Type.String(), "by", cmd.Type.String())
			if l.metrics != nil {
				l.metrics.CommandsDropped.WithLabelValues(
					l.name, l.control.Type.String()).Inc()
			}
		}
		l.control = cmd
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// take prefers the pending control command over queued births and
// messages, so state transitions are never starved by a birth backlog.
func (l *Link) take() *message.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cmd := l.control; cmd != nil {
		l.control = nil
		return cmd
	}
	if len(l.queue) > 0 {
		cmd := l.queue[0]
		l.queue = l.queue[1:]
		return cmd
	}
	return nil
}

// process evaluates one command against the state machine. Processing is
// atomic per command: no other command is evaluated concurrently.
func (l *Link) process(cmd *message.Command) (quit bool, err error) {
	enter := func(transitional State) {
		l.mu.Lock()
		l.setStateLocked(transitional)
		l.mu.Unlock()
	}
	settle := func(stable State) error {
		l.mu.Lock()
		l.setStateLocked(stable)
		l.mu.Unlock()
		return l.ack(cmd)
	}
	reject := func() error {
		if l.metrics != nil {
			l.metrics.ProtocolErrors.WithLabelValues("management").Inc()
		}
		return fmt.Errorf("%w: %s rejected in state %s",
			errors.ErrProtocol, cmd.Type, l.State())
	}

	state := l.State()
	switch cmd.Type {
	case message.CmdStart:
		switch state {
		case StateStopped:
			enter(StateStarting)
			if err := l.h.Start(); err != nil {
				enter(StateStopped)
				return false, err
			}
			return false, settle(StateRunning)
		case StatePaused:
			enter(StateResuming)
			if err := l.h.Resume(); err != nil {
				enter(StatePaused)
				return false, err
			}
			return false, settle(StateRunning)
		default:
			return false, l.ack(cmd)
		}

	case message.CmdStop:
		if state == StateStopped {
			return false, l.ack(cmd)
		}
		enter(StateStopping)
		if err := l.h.Stop(); err != nil {
			enter(state)
			return false, err
		}
		return false, settle(StateStopped)

	case message.CmdPause:
		switch state {
		case StateStopped:
			return false, reject()
		case StatePaused:
			return false, l.ack(cmd)
		default:
			enter(StatePausing)
			if err := l.h.Pause(); err != nil {
				enter(state)
				return false, err
			}
			return false, settle(StatePaused)
		}

	case message.CmdResume:
		switch state {
		case StateStopped:
			return false, reject()
		case StateRunning:
			return false, l.ack(cmd)
		default:
			enter(StateResuming)
			if err := l.h.Resume(); err != nil {
				enter(state)
				return false, err
			}
			return false, settle(StateRunning)
		}

	case message.CmdSave:
		enter(StateSaving)
		err := l.h.Save(cmd.Path)
		enter(state)
		if err != nil {
			return false, err
		}
		return false, l.ack(cmd)

	case message.CmdLoad:
		enter(StateLoading)
		err := l.h.Load(cmd.Path)
		enter(state)
		if err != nil {
			return false, err
		}
		return false, l.ack(cmd)

	case message.CmdQuit:
		enter(StateQuitting)
		if err := l.h.Quit(); err != nil {
			l.logger.Error("quit teardown failed", "error", err)
		}
		ackErr := l.ack(cmd)
		l.closeOutput()
		return true, ackErr

	case message.CmdBirth:
		return false, l.h.Birth(cmd.Birth)

	case message.CmdMessage:
		return false, l.h.Message(cmd.Payload)
	}
	return false, nil
}
