// Package main implements the entry point for the NPC Maker management
// program. It runs an evolution service, launches the configured
// environment processes, and supervises them with heartbeats until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ctrl-z-9000-times/npc-maker/config"
	envpkg "github.com/ctrl-z-9000-times/npc-maker/env"
	"github.com/ctrl-z-9000-times/npc-maker/envspec"
	"github.com/ctrl-z-9000-times/npc-maker/evo"
	"github.com/ctrl-z-9000-times/npc-maker/health"
	"github.com/ctrl-z-9000-times/npc-maker/message"
	"github.com/ctrl-z-9000-times/npc-maker/metric"
	"github.com/ctrl-z-9000-times/npc-maker/mgmt"
	"github.com/ctrl-z-9000-times/npc-maker/proc"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "npcmaker"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, cliCfg)

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting NPC Maker management",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"environments", len(cfg.Environments))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, metrics, err := metric.NewRegistry()
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(appName)

	if cfg.Metrics.Enabled {
		startObservabilityServer(ctx, cfg.Metrics.Addr, registry, monitor, logger)
	}

	svc, cleanup, err := setupEvolution(cfg, monitor, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return runEnvironments(ctx, cfg, svc, metrics, monitor, logger)
}

// startObservabilityServer serves /metrics and /healthz until the context
// ends. Failures here are logged, never fatal: the engine outlives its
// observability surface.
func startObservabilityServer(
	ctx context.Context,
	addr string,
	registry *prometheus.Registry,
	monitor *health.Monitor,
	logger *slog.Logger,
) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", monitor.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("observability server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// setupEvolution builds the evolution service the configuration asks for:
// a local population manager, optionally also served over NATS, or a
// client for a remote NATS service.
func setupEvolution(
	cfg *config.Config,
	monitor *health.Monitor,
	logger *slog.Logger,
) (evo.Service, func(), error) {
	cleanup := func() {}

	switch cfg.Evolution.Mode {
	case "local":
		replacement, err := cfg.Replacement()
		if err != nil {
			return nil, nil, err
		}
		evolution, err := evo.NewEvolution(evo.EvolutionConfig{
			Population:      cfg.Evolution.Population,
			Controller:      cfg.Evolution.Controller,
			Replacement:     replacement,
			Size:            cfg.Evolution.Size,
			NumParents:      cfg.Evolution.NumParents,
			Dir:             cfg.Evolution.Dir,
			LeaderboardSize: cfg.Evolution.LeaderboardSize,
			HallOfFameSize:  cfg.Evolution.HallOfFameSize,
		}, &cloneGenetics{seedPath: cfg.Evolution.SeedGenome})
		if err != nil {
			return nil, nil, err
		}
		if cfg.Evolution.Dir != "" {
			if err := evolution.Resume(); err != nil {
				return nil, nil, err
			}
			logger.Info("resumed population",
				"population", cfg.Evolution.Population,
				"alive", len(evolution.Population()),
				"ascension", evolution.Ascension())
		}
		monitor.Register("evolution", func() health.Status {
			return health.Healthy("evolution",
				fmt.Sprintf("%d alive, ascension %d",
					len(evolution.Population()), evolution.Ascension()))
		})

		// With a NATS URL set the local population also answers remote
		// environments on the same subjects a client would use.
		if cfg.Evolution.NATSURL != "" {
			nc, err := nats.Connect(cfg.Evolution.NATSURL, nats.Name(appName))
			if err != nil {
				return nil, nil, fmt.Errorf("connect to NATS: %w", err)
			}
			server, err := evo.ServeNATS(nc, cfg.Evolution.SubjectPrefix, evolution)
			if err != nil {
				nc.Close()
				return nil, nil, err
			}
			logger.Info("serving evolution over NATS",
				"url", cfg.Evolution.NATSURL,
				"prefix", cfg.Evolution.SubjectPrefix)
			cleanup = func() {
				server.Drain()
				nc.Close()
			}
		}
		return evolution, cleanup, nil

	case "nats":
		nc, err := nats.Connect(cfg.Evolution.NATSURL, nats.Name(appName))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		monitor.Register("evolution", func() health.Status {
			if nc.IsConnected() {
				return health.Healthy("evolution", "NATS connected")
			}
			return health.Degraded("evolution", "NATS disconnected")
		})
		svc := evo.NewNATSService(nc, cfg.Evolution.SubjectPrefix, cfg.Evolution.BirthTimeout)
		return svc, func() { nc.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown evolution mode %q", cfg.Evolution.Mode)
	}
}

// runEnvironments launches every configured environment, seeds it, and
// supervises until all exit or the context is interrupted.
func runEnvironments(
	ctx context.Context,
	cfg *config.Config,
	svc evo.Service,
	metrics *metric.Metrics,
	monitor *health.Monitor,
	logger *slog.Logger,
) error {
	environments := make([]*mgmt.Environment, 0, len(cfg.Environments))
	group, ctx := errgroup.WithContext(ctx)

	for i, envCfg := range cfg.Environments {
		spec, err := envspec.Load(envCfg.Spec)
		if err != nil {
			killAll(environments)
			return err
		}

		env, err := mgmt.Launch(ctx, spec, mgmt.Options{
			Settings:          envCfg.Settings,
			Mode:              envpkg.Mode(envCfg.Mode),
			Evolution:         svc,
			HeartbeatInterval: cfg.Heartbeat.Interval,
			HeartbeatTimeout:  cfg.Heartbeat.Timeout,
			Stderr:            stderrPolicy(cfg.Controller.Stderr),
			StderrPath:        stderrPath(cfg.Controller, spec.Name, i),
			Logger:            logger.With("environment", spec.Name),
			Metrics:           metrics,
		})
		if err != nil {
			killAll(environments)
			return err
		}
		environments = append(environments, env)

		checkName := fmt.Sprintf("environment:%s", spec.Name)
		monitor.Register(checkName, func() health.Status {
			return health.Healthy(checkName, "state "+env.State().String())
		})

		if err := env.Start(); err != nil {
			killAll(environments)
			return err
		}
		if err := seedEnvironment(env, spec, svc, cfg, envCfg.Seed, logger); err != nil {
			killAll(environments)
			return err
		}

		group.Go(env.Wait)
	}

	// Interrupt means quit every environment gracefully; crash or
	// watchdog trip in one (errgroup context) takes the rest down too.
	go func() {
		<-ctx.Done()
		for _, env := range environments {
			_ = env.Quit()
		}
	}()

	err := group.Wait()
	logger.Info("all environments exited")
	return err
}

// seedEnvironment asks the evolution service for the initial individuals
// and sends them down as Birth commands.
func seedEnvironment(
	env *mgmt.Environment,
	spec *envspec.Spec,
	svc evo.Service,
	cfg *config.Config,
	count int,
	logger *slog.Logger,
) error {
	if count == 0 {
		return nil
	}
	population := cfg.Evolution.Population
	if population == "" && len(spec.Populations) > 0 {
		population = spec.Populations[0].Name
	}
	for i := 0; i < count; i++ {
		ind, err := svc.Birth(population, nil)
		if err != nil {
			return fmt.Errorf("seed birth %d/%d: %w", i+1, count, err)
		}
		ind.Environment = spec.Name
		birth := &message.Birth{
			Population: ind.Population,
			Name:       ind.Name.String(),
			Controller: ind.Controller,
			Genome:     ind.Genome,
		}
		if err := env.Birth(birth); err != nil {
			return err
		}
	}
	logger.Info("seeded environment", "environment", spec.Name,
		"population", population, "count", count)
	return nil
}

func killAll(environments []*mgmt.Environment) {
	for _, env := range environments {
		env.Kill()
	}
}

func stderrPolicy(policy string) proc.StderrPolicy {
	switch policy {
	case "discard":
		return proc.StderrDiscard
	case "file":
		return proc.StderrFile
	default:
		return proc.StderrInherit
	}
}

func stderrPath(cfg config.ControllerConfig, specName string, index int) string {
	if cfg.Stderr != "file" {
		return ""
	}
	return filepath.Join(cfg.StderrDir, fmt.Sprintf("%s-%d.log", specName, index))
}
