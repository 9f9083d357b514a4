// Package mgmt is the management side of the framework: it launches
// environment processes from their specifications, drives them with control
// commands, watches their heartbeat acknowledgments, and answers their
// evolution requests.
package mgmt

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ctrl-z-9000-times/npc-maker/env"
	"github.com/ctrl-z-9000-times/npc-maker/envspec"
	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/evo"
	"github.com/ctrl-z-9000-times/npc-maker/frame"
	"github.com/ctrl-z-9000-times/npc-maker/message"
	"github.com/ctrl-z-9000-times/npc-maker/metric"
	"github.com/ctrl-z-9000-times/npc-maker/proc"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
)

// Options configure one managed environment.
type Options struct {
	// Settings override the specification's defaults. They are cast and
	// bounds-checked before launch.
	Settings map[string]string

	// Mode asks the environment for graphical or headless operation.
	// Empty means graphical, matching the argument contract.
	Mode env.Mode

	// Evolution answers the environment's New and Mate requests and
	// absorbs its Score, Info and Death reports. Nil disables evolution
	// traffic; requests are then logged and dropped.
	Evolution evo.Service

	// Heartbeat cadence and the ack deadline. A missed deadline trips
	// the watchdog: the environment is declared dead and killed.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Stderr policy for the environment process.
	Stderr     proc.StderrPolicy
	StderrPath string

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Environment is a live environment process as seen from management. One
// goroutine inside reads the event stream strictly in arrival order, so
// birth replies keep the FIFO pairing the protocol promises.
type Environment struct {
	spec    *envspec.Spec
	handle  *proc.Handle
	logger  *slog.Logger
	metrics *metric.Metrics
	opts    Options

	outMu sync.Mutex
	w     *frame.Writer
	r     *frame.Reader

	group  *errgroup.Group
	cancel context.CancelFunc

	// heartbeatAcked is signaled by the reader on every Heartbeat ack.
	heartbeatAcked chan struct{}
	// tripOnce guarantees exactly one watchdog trip.
	tripOnce sync.Once

	mu    sync.Mutex
	state message.CommandType // last acked control command

	// notify carries acks and application messages to the caller.
	// Delivery is best effort: a full channel drops, never blocks the
	// reader.
	notify chan message.Event
}

// Launch validates the specification, spawns the environment process and
// starts its supervision. The environment begins in the stopped state;
// send Start when ready.
func Launch(ctx context.Context, spec *envspec.Spec, opts Options) (*Environment, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	settings, err := spec.CastSettings(opts.Settings)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("environment", spec.Name)
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	argv := env.CommandLine(spec, opts.Mode, settings)
	handle, err := proc.Spawn(argv, proc.Options{
		Stderr:     opts.Stderr,
		StderrPath: opts.StderrPath,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("environment launched", "pid", handle.PID())

	e := newSession(handle.Stdin(), handle.Stdout(), spec, opts, logger)
	e.handle = handle
	e.start(ctx)
	return e, nil
}

// newSession wires the protocol core over arbitrary streams. Launch uses
// the process pipes; tests substitute in-memory ones.
func newSession(in io.Writer, out io.Reader, spec *envspec.Spec, opts Options, logger *slog.Logger) *Environment {
	return &Environment{
		spec:           spec,
		logger:         logger,
		metrics:        opts.Metrics,
		opts:           opts,
		w:              frame.NewWriter(in),
		r:              frame.NewReader(out),
		heartbeatAcked: make(chan struct{}, 1),
		notify:         make(chan message.Event, 64),
	}
}

func (e *Environment) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.group, ctx = errgroup.WithContext(ctx)
	e.group.Go(func() error { return e.readLoop(ctx) })
	e.group.Go(func() error { return e.heartbeatLoop(ctx) })
}

// Events delivers acks and application messages from the environment.
func (e *Environment) Events() <-chan message.Event {
	return e.notify
}

// State reports the last control command the environment acknowledged.
func (e *Environment) State() message.CommandType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Environment) send(cmd message.Command) error {
	line, err := message.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if err := e.w.WriteLine(line); err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrProcessDied, err),
			"mgmt", "send", "write command")
	}
	if err := e.w.Flush(); err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrProcessDied, err),
			"mgmt", "send", "flush command")
	}
	return nil
}

// Start, Stop, Pause and Resume drive the environment's control state.
func (e *Environment) Start() error  { return e.send(message.Command{Type: message.CmdStart}) }
func (e *Environment) Stop() error   { return e.send(message.Command{Type: message.CmdStop}) }
func (e *Environment) Pause() error  { return e.send(message.Command{Type: message.CmdPause}) }
func (e *Environment) Resume() error { return e.send(message.Command{Type: message.CmdResume}) }

// Save asks the environment to snapshot its full state to path.
func (e *Environment) Save(path string) error {
	return e.send(message.Command{Type: message.CmdSave, Path: path})
}

// Load asks the environment to replace its state from path.
func (e *Environment) Load(path string) error {
	return e.send(message.Command{Type: message.CmdLoad, Path: path})
}

// Message forwards an application-defined payload.
func (e *Environment) Message(payload json.RawMessage) error {
	return e.send(message.Command{Type: message.CmdMessage, Payload: payload})
}

// Birth hands an individual directly to the environment, outside the
// request flow. Startup seeding uses this.
func (e *Environment) Birth(b *message.Birth) error {
	return e.send(message.Command{Type: message.CmdBirth, Birth: b})
}

// Quit asks the environment to terminate, discarding unsaved work, and
// waits for the process to exit. The process is killed if it lingers past
// the heartbeat timeout.
func (e *Environment) Quit() error {
	_ = e.send(message.Command{Type: message.CmdQuit})
	if e.handle != nil {
		if !e.handle.WaitTimeout(e.opts.HeartbeatTimeout) {
			e.logger.Warn("environment ignored quit, killing")
			e.handle.Kill()
		}
	}
	e.cancel()
	_ = e.group.Wait()
	return nil
}

// Kill terminates the environment immediately.
func (e *Environment) Kill() {
	if e.handle != nil {
		e.handle.Kill()
	}
	e.cancel()
	_ = e.group.Wait()
}

// Wait blocks until supervision ends: the event stream closed, the
// watchdog tripped, or the context given to Launch was canceled.
func (e *Environment) Wait() error {
	err := e.group.Wait()
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop consumes the environment's event stream strictly in arrival
// order. It is the only goroutine answering evolution requests, which is
// what keeps birth replies FIFO per population.
func (e *Environment) readLoop(ctx context.Context) error {
	defer e.cancel()
	for {
		line, err := e.r.ReadLine()
		if err != nil {
			if stderrors.Is(err, errors.ErrStreamClosed) {
				e.logger.Info("environment stream closed")
				return errors.WrapFatal(errors.ErrProcessDied, "mgmt", "readLoop", "stream ended")
			}
			return err
		}
		ev, err := message.DecodeEvent(line)
		if err != nil {
			e.logger.Warn("unrecognized environment event", "line", line, "error", err)
			if e.metrics != nil {
				e.metrics.ProtocolErrors.WithLabelValues("environment").Inc()
			}
			continue
		}
		if err := e.handleEvent(ev); err != nil {
			return err
		}
	}
}

func (e *Environment) handleEvent(ev message.Event) error {
	switch ev.Type {
	case message.EvAck:
		if ev.Ack.Type == message.CmdHeartbeat {
			select {
			case e.heartbeatAcked <- struct{}{}:
			default:
			}
			return nil
		}
		e.mu.Lock()
		e.state = ev.Ack.Type
		e.mu.Unlock()
		e.deliver(ev)

	case message.EvNew:
		return e.answerBirth(ev.Population, nil)

	case message.EvMate:
		parents, err := parseNames(ev.Parents)
		if err != nil {
			e.logger.Warn("mate request with bad parent ids", "error", err)
			return nil
		}
		return e.answerBirth(ev.Population, parents)

	case message.EvScore:
		if svc := e.opts.Evolution; svc != nil {
			if name, err := uuid.Parse(ev.Name); err == nil {
				return svc.Score(name, ev.Score)
			}
		}

	case message.EvInfo:
		if svc := e.opts.Evolution; svc != nil {
			if name, err := uuid.Parse(ev.Name); err == nil {
				return svc.Info(name, ev.Info)
			}
		}

	case message.EvDeath:
		if svc := e.opts.Evolution; svc != nil {
			name, err := uuid.Parse(ev.Name)
			if err != nil {
				e.logger.Warn("death report with bad id", "name", ev.Name)
				return nil
			}
			if err := svc.Death(name); err != nil {
				// Duplicates are logged, never fatal.
				if errors.IsRecoverable(err) {
					e.logger.Warn("duplicate death report", "individual", ev.Name)
					if e.metrics != nil {
						e.metrics.DuplicateEvents.WithLabelValues("Death").Inc()
					}
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// answerBirth satisfies one New or Mate request. Replies go out from the
// reader goroutine, in request order.
func (e *Environment) answerBirth(population string, parents []uuid.UUID) error {
	svc := e.opts.Evolution
	if svc == nil {
		e.logger.Warn("birth request with no evolution service", "population", population)
		return nil
	}
	ind, err := svc.Birth(population, parents)
	if err != nil {
		e.logger.Error("birth request failed", "population", population, "error", err)
		return nil
	}
	// The service does not know where its individuals end up living.
	ind.Environment = e.spec.Name
	birth := &message.Birth{
		Population: ind.Population,
		Name:       ind.Name.String(),
		Controller: ind.Controller,
		Genome:     ind.Genome,
		Parents:    namesToStrings(ind.Parents),
	}
	if e.metrics != nil {
		e.metrics.Births.WithLabelValues(birth.Population).Inc()
	}
	return e.Birth(birth)
}

// heartbeatLoop sends Heartbeat on the configured cadence and arms the
// watchdog for each one. A missed acknowledgment trips exactly once: the
// environment is declared unresponsive and killed, the same terminal event
// as a crashed process.
func (e *Environment) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := e.send(message.Command{Type: message.CmdHeartbeat}); err != nil {
			return err
		}
		select {
		case <-e.heartbeatAcked:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.HeartbeatTimeout):
			var tripped bool
			e.tripOnce.Do(func() {
				tripped = true
				e.logger.Error("watchdog tripped, environment unresponsive",
					"timeout", e.opts.HeartbeatTimeout)
				if e.metrics != nil {
					e.metrics.WatchdogTrips.WithLabelValues(e.spec.Name).Inc()
				}
				if e.handle != nil {
					e.handle.Kill()
				}
			})
			if tripped {
				return errors.WrapFatal(errors.ErrWatchdogTimeout,
					"mgmt", "heartbeatLoop", "await ack")
			}
			return nil
		}
	}
}

func (e *Environment) deliver(ev message.Event) {
	select {
	case e.notify <- ev:
	default:
		e.logger.Debug("notification dropped", "type", ev.Type.String())
	}
}

func parseNames(raw []string) ([]uuid.UUID, error) {
	names := make([]uuid.UUID, len(raw))
	for i, s := range raw {
		name, err := uuid.Parse(s)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: parent id %q", errors.ErrMalformedField, s),
				"mgmt", "parseNames", "parse uuid")
		}
		names[i] = name
	}
	return names, nil
}

func namesToStrings(names []uuid.UUID) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n.String()
	}
	return out
}
