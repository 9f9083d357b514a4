package env

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ctrl-z-9000-times/npc-maker/ctrl"
	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/message"
	"github.com/ctrl-z-9000-times/npc-maker/metric"
)

// Death causes, used as metric labels and log fields.
const (
	CauseNatural    = "natural"
	CauseController = "controller"
)

// Binding pairs one live individual with its controller subprocess. At
// most one binding exists per individual at a time.
type Binding struct {
	Birth  *message.Birth
	Driver *ctrl.Driver
}

// RegistryOptions configure the individual registry.
type RegistryOptions struct {
	// SpecPath is handed to every controller as its environment header.
	SpecPath string

	// Driver options applied to every controller subprocess.
	Driver ctrl.DriverOptions

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Registry tracks the live individuals of an environment and their
// controller bindings. It is the join point between the controller driver
// pool and the evolution link: births instantiate controllers, deaths tear
// them down and report upstream exactly once.
type Registry struct {
	specPath   string
	driverOpts ctrl.DriverOptions
	logger     *slog.Logger
	metrics    *metric.Metrics

	// reportDeath forwards a death to the evolution service. Usually
	// (*evo.Link).ReportDeath.
	reportDeath func(name string) error

	// mu also serializes Save and Load against births and deaths, so a
	// snapshot always sees a consistent binding set.
	mu   sync.Mutex
	live map[string]*Binding
}

// NewRegistry builds an empty registry. reportDeath may be nil when no
// evolution service is attached.
func NewRegistry(reportDeath func(name string) error, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if reportDeath == nil {
		reportDeath = func(string) error { return nil }
	}
	return &Registry{
		specPath:    opts.SpecPath,
		driverOpts:  opts.Driver,
		logger:      logger,
		metrics:     opts.Metrics,
		reportDeath: reportDeath,
		live:        make(map[string]*Binding),
	}
}

// Birth instantiates a controller for the individual, loads its genome and
// registers the binding. A birth for an already-live identity is a logged
// protocol error and a no-op.
func (r *Registry) Birth(b *message.Birth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.birthLocked(b)
}

func (r *Registry) birthLocked(b *message.Birth) error {
	if _, ok := r.live[b.Name]; ok {
		r.logger.Warn("duplicate birth ignored", "individual", b.Name)
		if r.metrics != nil {
			r.metrics.DuplicateEvents.WithLabelValues("Birth").Inc()
		}
		return errors.WrapRecoverable(
			fmt.Errorf("%w: individual %s is already live", errors.ErrDuplicateEvent, b.Name),
			"env", "Birth", "deduplicate")
	}

	driver, err := ctrl.Start(b.Controller, r.specPath, b.Population, r.driverOpts)
	if err != nil {
		return errors.Wrap(err, "env", "Birth", "start controller")
	}
	if err := driver.Genome(b.Genome); err != nil {
		driver.Kill()
		return errors.Wrap(err, "env", "Birth", "load genome")
	}

	r.live[b.Name] = &Binding{Birth: b, Driver: driver}
	r.logger.Debug("individual born",
		"individual", b.Name, "population", b.Population)
	if r.metrics != nil {
		r.metrics.Births.WithLabelValues(b.Population).Inc()
		r.metrics.LiveBindings.WithLabelValues(b.Population).Inc()
	}
	return nil
}

// Death tears down the individual's controller binding and reports the
// death upstream, exactly once. A death for an unknown or already-dead
// identity is a logged no-op.
func (r *Registry) Death(name string) error {
	return r.death(name, CauseNatural)
}

func (r *Registry) death(name, cause string) error {
	r.mu.Lock()
	binding, ok := r.live[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("duplicate death ignored", "individual", name)
		if r.metrics != nil {
			r.metrics.DuplicateEvents.WithLabelValues("Death").Inc()
		}
		return errors.WrapRecoverable(
			fmt.Errorf("%w: individual %s is not live", errors.ErrDuplicateEvent, name),
			"env", "Death", "deduplicate")
	}
	delete(r.live, name)
	r.mu.Unlock()

	_ = binding.Driver.Quit()
	r.logger.Debug("individual died",
		"individual", name, "population", binding.Birth.Population, "cause", cause)
	if r.metrics != nil {
		r.metrics.Deaths.WithLabelValues(binding.Birth.Population, cause).Inc()
		r.metrics.LiveBindings.WithLabelValues(binding.Birth.Population).Dec()
	}
	return r.reportDeath(name)
}

// ReapDead finds bindings whose controller subprocess died on its own and
// processes each as a death. This is infrastructure failure, distinct from
// a natural death reported by the simulation, but it reports upstream the
// same way. Non-blocking; simulation loops call it every tick.
func (r *Registry) ReapDead() []string {
	r.mu.Lock()
	var dead []string
	for name, binding := range r.live {
		select {
		case <-binding.Driver.Died():
			dead = append(dead, name)
		default:
		}
	}
	r.mu.Unlock()

	for _, name := range dead {
		binding, ok := r.lookup(name)
		if !ok {
			continue
		}
		r.logger.Warn("controller died unexpectedly",
			"individual", name, "population", binding.Birth.Population)
		if r.metrics != nil {
			r.metrics.ControllerDeads.WithLabelValues(binding.Birth.Population).Inc()
		}
		if err := r.death(name, CauseController); err != nil {
			r.logger.Error("death report failed", "individual", name, "error", err)
		}
	}
	return dead
}

func (r *Registry) lookup(name string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.live[name]
	return binding, ok
}

// Binding returns the live binding for an individual.
func (r *Registry) Binding(name string) (*Binding, bool) {
	return r.lookup(name)
}

// Len reports how many individuals are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Names lists the live individuals.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.live))
	for name := range r.live {
		names = append(names, name)
	}
	return names
}

// Quit kills every controller immediately. Nothing is reported upstream;
// abnormal termination loses in-flight individuals silently.
func (r *Registry) Quit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killAllLocked()
}

func (r *Registry) killAllLocked() {
	for name, binding := range r.live {
		binding.Driver.Kill()
		if r.metrics != nil {
			r.metrics.LiveBindings.WithLabelValues(binding.Birth.Population).Dec()
		}
		delete(r.live, name)
	}
}

type snapshotEntry struct {
	Birth *message.Birth `json:"birth"`
	State []byte         `json:"state"`
}

type snapshot struct {
	Individuals []snapshotEntry `json:"individuals"`
}

// Save writes every live binding's birth record and controller state to
// path. The binding set is frozen for the duration: no birth or death can
// interleave with the snapshot. Overwrites atomically.
func (r *Registry) Save(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := snapshot{Individuals: make([]snapshotEntry, 0, len(r.live))}
	for _, binding := range r.live {
		state, err := binding.Driver.Save()
		if err != nil {
			return errors.Wrap(err, "env", "Save", "save controller state")
		}
		snap.Individuals = append(snap.Individuals,
			snapshotEntry{Birth: binding.Birth, State: state})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.WrapInvalid(err, "env", "Save", "encode snapshot")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "env", "Save", "write snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "env", "Save", "rename snapshot")
	}
	return nil
}

// Load replaces the whole live set with the snapshot at path. Every
// current controller is killed first; the replacements are spawned fresh
// and given their saved state.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "env", "Load", "read snapshot")
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedField, err),
			"env", "Load", "decode snapshot")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.killAllLocked()
	for _, entry := range snap.Individuals {
		if err := r.birthLocked(entry.Birth); err != nil {
			return err
		}
		if err := r.live[entry.Birth.Name].Driver.Load(entry.State); err != nil {
			return errors.Wrap(err, "env", "Load", "restore controller state")
		}
	}
	return nil
}
