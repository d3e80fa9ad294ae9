// Package supervisor wires the Registry (C1), Worker Lifecycle (C2), Health
// Monitor (C3), State Store (C4), and gRPC Multiplexer + Backend Pool (C5)
// into a single cooperating system, and owns the startup and shutdown
// sequencing for all of them.
package supervisor

import (
	"context"
	"fmt"

	"github.com/teiops/tei-manager/pkg/apierr"
	"github.com/teiops/tei-manager/pkg/backend"
	"github.com/teiops/tei-manager/pkg/config"
	"github.com/teiops/tei-manager/pkg/gateway"
	"github.com/teiops/tei-manager/pkg/lifecycle"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/monitor"
	"github.com/teiops/tei-manager/pkg/registry"
	"github.com/teiops/tei-manager/pkg/state"
	"github.com/teiops/tei-manager/pkg/wire"
)

// Supervisor owns every long-lived component and is the single object a
// management surface (REST, CLI) or the gRPC gateway needs a handle to.
type Supervisor struct {
	cfg    *config.Config
	logger *logging.Logger

	Registry  *registry.Registry
	Lifecycle *lifecycle.Manager
	Monitor   *monitor.Monitor
	Pool      *backend.Pool
	Store     *state.Store
	Gateway   *gateway.Gateway
	Server    *gateway.Server
}

// New constructs every component and wires them together, but starts
// nothing: call Run to restore persisted workers and begin serving.
func New(cfg *config.Config, logger *logging.Logger) (*Supervisor, error) {
	codec, err := wire.NewCodec(wire.CodecJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to build wire codec: %w", err)
	}

	store := state.New(cfg.State.File)

	sup := &Supervisor{cfg: cfg, logger: logger, Store: store}

	sup.Registry = registry.New(registry.Options{
		MaxInstances:   cfg.Instances.MaxInstances,
		PortRangeStart: cfg.Instances.PortStart,
		PortRangeEnd:   cfg.Instances.PortEnd,
		ReservedPorts:  []int{cfg.API.APIPort, cfg.API.GRPCPort},
		Persist:        sup.persist,
	})

	sup.Lifecycle = lifecycle.New(sup.Registry, logger, lifecycle.Options{
		BinaryPath:      cfg.Worker.BinaryPath,
		LogDir:          cfg.Worker.LogDir,
		GracefulTimeout: cfg.Worker.GracefulTimeout,
		StartupDeadline: cfg.Worker.StartupDeadline,
		OnUnexpectedExit: func(name string, err error) {
			logger.WithWorker(name).Warn("worker process exited unexpectedly, awaiting probe to confirm", "error", err)
		},
	})

	sup.Pool = backend.New(sup.Registry, backend.Config{
		RequestTimeout:     cfg.Pool.RequestTimeout,
		IdleTTL:            cfg.Pool.IdleTTL,
		PruneInterval:      cfg.Pool.PruneInterval,
		MaxParallelStreams: uint32(cfg.Pool.MaxParallelStreams),
	}, codec, logger)

	prober := monitor.NewGRPCProber(codec, cfg.Health.Interval/2)
	sup.Monitor = monitor.New(sup.Registry, sup.Lifecycle, prober, monitor.Config{
		InitialDelay:           cfg.Health.InitialDelay,
		Interval:               cfg.Health.Interval,
		MaxConsecutiveFailures: cfg.Health.MaxFailuresBeforeRestart,
	}, logger, func(name string, dim int) {
		logger.WithWorker(name).Info("worker promoted to running", "embedding_dim", dim)
	})

	sup.Gateway = gateway.New(sup.Registry, sup.Pool, gateway.Config{
		RequestTimeout:      cfg.Pool.RequestTimeout,
		ArrowMaxFanOut:      cfg.Arrow.MaxFanOut,
		DefaultEmbeddingDim: cfg.Arrow.DefaultEmbeddingDim,
	}, logger)

	sup.Server = gateway.NewServer(sup.Gateway, codec, gateway.ServerConfig{
		Addr:                    fmt.Sprintf(":%d", cfg.API.GRPCPort),
		MaxParallelStreams:      uint32(cfg.Pool.MaxParallelStreams),
		GracefulShutdownTimeout: cfg.API.GracefulShutdownTimeout,
	}, logger)

	return sup, nil
}

// persist is the registry's PersistFunc (§4.4): wraps the declared worker
// configs with the supervisor-level block and saves atomically.
func (s *Supervisor) persist(cfgs []registry.WorkerConfig) error {
	return s.Store.Save(state.Snapshot{
		Supervisor: state.SupervisorBlock{
			APIPort:                 s.cfg.API.APIPort,
			GRPCPort:                s.cfg.API.GRPCPort,
			GracefulShutdownSeconds: int(s.cfg.API.GracefulShutdownTimeout.Seconds()),
			LogDir:                  s.cfg.Worker.LogDir,
			PortRangeStart:          s.cfg.Instances.PortStart,
			PortRangeEnd:            s.cfg.Instances.PortEnd,
			MaxInstances:            s.cfg.Instances.MaxInstances,
			AutoRestoreOnRestart:    s.cfg.Instances.AutoRestoreOnStart,
		},
		Instances: cfgs,
	})
}

// Add validates and registers a new worker (§4.1 add); it does not start it.
func (s *Supervisor) Add(cfg registry.WorkerConfig) (registry.WorkerView, error) {
	return s.Registry.Add(cfg)
}

// Get returns one worker's current view.
func (s *Supervisor) Get(name string) (registry.WorkerView, bool) {
	return s.Registry.Get(name)
}

// List returns every worker's current view.
func (s *Supervisor) List() []registry.WorkerView {
	return s.Registry.List()
}

// StartWorker spawns the worker's process and begins health-probing it.
func (s *Supervisor) StartWorker(ctx context.Context, name string) error {
	if err := s.Lifecycle.Start(ctx, name); err != nil {
		return err
	}
	s.Monitor.Watch(name)
	return nil
}

// StopWorker cancels the worker's probe task and drops its pooled transport
// before killing its process, matching the teardown order in §9
// ("cancel monitor -> drain pool entry -> kill process").
func (s *Supervisor) StopWorker(ctx context.Context, name string) error {
	s.Monitor.Stop(name)
	s.Pool.Evict(name)
	if err := s.Lifecycle.Stop(ctx, name); err != nil {
		return err
	}
	return nil
}

// RestartWorker stops and restarts a worker's probe task around the
// lifecycle restart, so the new process gets a fresh InitialDelay before
// probing begins (§4.2 restart, §4.3).
func (s *Supervisor) RestartWorker(ctx context.Context, name string) error {
	s.Monitor.Stop(name)
	s.Pool.Evict(name)
	if err := s.Lifecycle.Restart(ctx, name); err != nil {
		return err
	}
	s.Monitor.Watch(name)
	return nil
}

// Remove stops a running worker first, then removes its record, per §3
// "a record is destroyed by delete (stop first, then remove and persist)".
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	view, ok := s.Registry.Get(name)
	if !ok {
		return apierr.New(apierr.KindNotFound, "worker %q not found", name)
	}

	switch view.Runtime.Status {
	case registry.StatusRunning, registry.StatusStarting, registry.StatusStopping:
		if err := s.StopWorker(ctx, name); err != nil {
			return err
		}
	}

	return s.Registry.Remove(name)
}

// Run restores the persisted fleet (§4.4 restore_on_startup), starts the
// pool's prune loop, and begins serving the gateway. It blocks until the
// gateway's listener returns (normally once Shutdown triggers a graceful
// stop).
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := s.Store.RestoreOnStartup(s.Registry, func(name string) error {
		return s.StartWorker(ctx, name)
	}, s.cfg.Instances.AutoRestoreOnStart); err != nil {
		return fmt.Errorf("failed to restore persisted workers: %w", err)
	}

	s.Pool.Run(ctx)

	return s.Server.ListenAndServe()
}

// Shutdown runs the graceful shutdown sequence from §9: drain the gateway,
// cancel every health probe, drain the backend pool, persist once more
// (configuration only), then stop every child process in parallel under a
// joint deadline.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.Server.Shutdown(ctx)
	s.Monitor.StopAll()
	s.Pool.Shutdown()

	if err := s.persist(s.Registry.Snapshot()); err != nil {
		s.logger.Error("failed to persist state during shutdown", "error", err)
	}

	s.Lifecycle.StopAll(ctx)
}
