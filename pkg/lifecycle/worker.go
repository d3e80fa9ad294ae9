// Package lifecycle implements the Worker Lifecycle component (C2): spawning,
// stopping, and restarting the OS process backing one registry record.
//
// Adapted from the teacher's pkg/pyproc/worker.go, which managed a single
// Python child process the same way; here the state machine is driven from
// outside (the registry owns status) and readiness is promoted by the health
// monitor (C3), not by this package waiting on a socket.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/teiops/tei-manager/pkg/apierr"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/registry"
)

// ExitListener is notified when a worker's process exits while the registry
// still has it as Starting or Running. The reaper marks the worker Failed
// before notifying; the health monitor keeps probing a Failed worker, and
// its failed probes are what trigger any auto-restart.
type ExitListener func(name string, err error)

// Options configures a Manager.
type Options struct {
	BinaryPath      string
	LogDir          string
	GracefulTimeout time.Duration
	StartupDeadline time.Duration
	OnUnexpectedExit ExitListener
}

// Manager owns the OS process for every worker record.
type Manager struct {
	reg     *registry.Registry
	logger  *logging.Logger
	opts    Options
	logSink *LogSinkManager

	mu       sync.Mutex // guards handles map membership only
	handles  map[string]*handle
}

// handle is the process-level state for one worker, not exposed outside this
// package; registry.WorkerRuntime is the externally visible projection.
type handle struct {
	mu       sync.Mutex // serializes start/stop/restart for this worker
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Manager bound to reg.
func New(reg *registry.Registry, logger *logging.Logger, opts Options) *Manager {
	if opts.GracefulTimeout == 0 {
		opts.GracefulTimeout = 5 * time.Second
	}
	if opts.StartupDeadline == 0 {
		opts.StartupDeadline = 60 * time.Second
	}
	return &Manager{
		reg:     reg,
		logger:  logger,
		opts:    opts,
		logSink: NewLogSinkManager(opts.LogDir),
		handles: make(map[string]*handle),
	}
}

func (m *Manager) handleFor(name string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	if !ok {
		h = &handle{stopCh: make(chan struct{}), doneCh: make(chan struct{})}
		m.handles[name] = h
	}
	return h
}

// buildArgs constructs the worker's argument vector from its config,
// guaranteeing the exactly-once-argument invariant from §6.
func buildArgs(cfg registry.WorkerConfig) []string {
	args := []string{
		"--model-id", cfg.ModelID,
		"--port", strconv.Itoa(cfg.Port),
	}
	if cfg.MaxBatchTokens > 0 {
		args = append(args, "--max-batch-tokens", strconv.Itoa(cfg.MaxBatchTokens))
	}
	if cfg.MaxConcurrentRequests > 0 {
		args = append(args, "--max-concurrent-requests", strconv.Itoa(cfg.MaxConcurrentRequests))
	}
	if cfg.Pooling != "" {
		args = append(args, "--pooling", cfg.Pooling)
	}
	args = append(args, cfg.ExtraArgs...)
	return args
}

// buildEnv scopes GPU visibility to exactly the configured device, per §4.2.
func buildEnv(cfg registry.WorkerConfig) []string {
	env := os.Environ()
	if cfg.GPUID != nil {
		env = append(env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", *cfg.GPUID))
	}
	return env
}

// Start spawns the worker process. Idempotent if already Running.
func (m *Manager) Start(ctx context.Context, name string) error {
	view, ok := m.reg.Get(name)
	if !ok {
		return apierr.New(apierr.KindNotFound, "worker %q not found", name)
	}

	h := m.handleFor(name)
	h.mu.Lock()
	defer h.mu.Unlock()

	if view.Runtime.Status == registry.StatusRunning {
		return nil // idempotent
	}

	log := m.logger.WithWorker(name)
	log.InfoContext(ctx, "starting worker", "model_id", view.Config.ModelID, "port", view.Config.Port)

	logFile, err := m.logSink.Open(name)
	if err != nil {
		log.WarnContext(ctx, "failed to open log sink, falling back to discard", "error", err)
	}

	cmd := exec.Command(m.opts.BinaryPath, buildArgs(view.Config)...)
	cmd.Env = buildEnv(view.Config)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	} else {
		cmd.Stdout = nil
		cmd.Stderr = nil
	}

	if err := m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
		rt.Status = registry.StatusStarting
	}); err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
			rt.Status = registry.StatusFailed
			rt.PID = 0
		})
		if logFile != nil {
			_ = logFile.Close()
		}
		return apierr.Wrap(apierr.KindInternal, err, "failed to spawn worker %q", name)
	}

	h.cmd = cmd
	h.waitOnce = sync.Once{}
	h.waitErr = nil
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	pid := cmd.Process.Pid
	startedAt := time.Now()
	_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
		rt.PID = pid
		rt.StartedAt = startedAt
		rt.LogSink = m.logSink.PathFor(name)
	})

	go m.reap(name, h, logFile)

	log.InfoContext(ctx, "worker process started", "pid", pid)
	return nil
}

// reap waits for the process to exit and updates the registry accordingly.
// This is the "dedicated reaper" from §4.2.
func (m *Manager) reap(name string, h *handle, logFile *os.File) {
	defer close(h.doneCh)
	if logFile != nil {
		defer logFile.Close()
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- h.wait()
	}()

	select {
	case <-h.stopCh:
		<-waitCh // drain, process already being stopped deliberately
		return
	case err := <-waitCh:
		view, ok := m.reg.Get(name)
		if !ok {
			return
		}
		if view.Runtime.Status == registry.StatusRunning || view.Runtime.Status == registry.StatusStarting {
			m.logger.WithWorker(name).Warn("worker process exited unexpectedly", "error", err)
			_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
				rt.Status = registry.StatusFailed
				rt.PID = 0
			})
			if m.opts.OnUnexpectedExit != nil {
				m.opts.OnUnexpectedExit(name, err)
			}
		}
	}
}

func (h *handle) wait() error {
	h.waitOnce.Do(func() {
		if h.cmd != nil {
			h.waitErr = h.cmd.Wait()
		}
	})
	return h.waitErr
}

// Stop transitions Running/Starting -> Stopping -> Stopped, sending a
// graceful signal then a hard kill after GracefulTimeout.
func (m *Manager) Stop(ctx context.Context, name string) error {
	h := m.handleFor(name)
	h.mu.Lock()
	defer h.mu.Unlock()

	view, ok := m.reg.Get(name)
	if !ok {
		return apierr.New(apierr.KindNotFound, "worker %q not found", name)
	}
	if view.Runtime.Status == registry.StatusStopped || view.Runtime.Status == registry.StatusCreated {
		return nil
	}

	_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
		rt.Status = registry.StatusStopping
	})

	cmd := h.cmd
	if cmd == nil || cmd.Process == nil {
		_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
			rt.Status = registry.StatusStopped
			rt.PID = 0
		})
		return nil
	}

	select {
	case <-h.stopCh:
		// already closed by a concurrent Stop; nothing to signal again.
	default:
		close(h.stopCh)
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		m.logger.WithWorker(name).Warn("failed to send interrupt", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.wait() }()

	select {
	case <-done:
	case <-time.After(m.opts.GracefulTimeout):
		m.logger.WithWorker(name).Warn("worker did not exit gracefully, killing")
		if err := cmd.Process.Kill(); err != nil {
			m.logger.WithWorker(name).Error("failed to kill worker", "error", err)
		}
		<-done
	}

	<-h.doneCh

	_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
		rt.Status = registry.StatusStopped
		rt.PID = 0
	})
	return nil
}

// Restart stops then starts the worker, incrementing its restart counter
// atomically from the caller's perspective.
func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "restart: stop failed")
	}
	if err := m.Start(ctx, name); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "restart: start failed")
	}
	return m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
		rt.Restarts++
	})
}

// StopAll stops every tracked worker in parallel with a joint deadline, used
// by the supervisor during graceful shutdown (§9).
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.Stop(ctx, name); err != nil {
				m.logger.WithWorker(name).Error("failed to stop during shutdown", "error", err)
			}
		}(name)
	}
	wg.Wait()
}
