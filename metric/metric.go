// Package metric defines the framework's Prometheus instrumentation. One
// Metrics value is shared by the engine's components; environments and
// controllers are labeled so several of each can report through it.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the engine's core instruments.
type Metrics struct {
	// Environment lifecycle.
	EnvironmentState *prometheus.GaugeVec
	CommandsReceived *prometheus.CounterVec
	CommandsDropped  *prometheus.CounterVec
	AcksSent         *prometheus.CounterVec
	WatchdogTrips    *prometheus.CounterVec

	// Individuals and controllers.
	Births          *prometheus.CounterVec
	Deaths          *prometheus.CounterVec
	LiveBindings    *prometheus.GaugeVec
	ControllerDeads *prometheus.CounterVec

	// Protocol health.
	ProtocolErrors  *prometheus.CounterVec
	DuplicateEvents *prometheus.CounterVec
}

// NewMetrics creates the engine's instruments, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		EnvironmentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "npcmaker",
				Subsystem: "environment",
				Name:      "state",
				Help:      "Control state (0=stopped, 1=running, 2=paused)",
			},
			[]string{"environment"},
		),
		CommandsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "environment",
				Name:      "commands_received_total",
				Help:      "Control commands received from management",
			},
			[]string{"environment", "command"},
		),
		CommandsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "environment",
				Name:      "commands_dropped_total",
				Help:      "Control commands superseded by a newer command before processing",
			},
			[]string{"environment", "command"},
		),
		AcksSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "environment",
				Name:      "acks_sent_total",
				Help:      "State announcements sent to management",
			},
			[]string{"environment", "command"},
		),
		WatchdogTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "management",
				Name:      "watchdog_trips_total",
				Help:      "Heartbeat timeouts declaring an environment unresponsive",
			},
			[]string{"environment"},
		),
		Births: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "registry",
				Name:      "births_total",
				Help:      "Individuals instantiated",
			},
			[]string{"population"},
		),
		Deaths: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "registry",
				Name:      "deaths_total",
				Help:      "Individual deaths reported upstream",
			},
			[]string{"population", "cause"},
		),
		LiveBindings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "npcmaker",
				Subsystem: "registry",
				Name:      "live_bindings",
				Help:      "Controller bindings currently live",
			},
			[]string{"population"},
		),
		ControllerDeads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "controller",
				Name:      "died_total",
				Help:      "Controller subprocesses that died unexpectedly",
			},
			[]string{"population"},
		),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "protocol",
				Name:      "errors_total",
				Help:      "Malformed or unknown messages by stream",
			},
			[]string{"stream"},
		),
		DuplicateEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "npcmaker",
				Subsystem: "protocol",
				Name:      "duplicate_events_total",
				Help:      "Duplicate Birth and Death events ignored",
			},
			[]string{"event"},
		),
	}
}

// Register installs the instruments on a Prometheus registry.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EnvironmentState,
		m.CommandsReceived,
		m.CommandsDropped,
		m.AcksSent,
		m.WatchdogTrips,
		m.Births,
		m.Deaths,
		m.LiveBindings,
		m.ControllerDeads,
		m.ProtocolErrors,
		m.DuplicateEvents,
	}
}

// NewRegistry builds a Prometheus registry carrying the engine metrics and
// the standard Go runtime collectors.
func NewRegistry() (*prometheus.Registry, *Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		return nil, nil, err
	}
	return reg, m, nil
}
