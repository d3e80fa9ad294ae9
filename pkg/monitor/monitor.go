// Package monitor implements the Health Monitor (C3): one cooperative probe
// task per live worker that drives Starting->Running promotion and
// auto-restart decisions.
//
// The per-worker task pattern is grounded in cuemby-warren's
// pkg/worker/health_monitor.go (one goroutine per monitored unit, a
// cancelFunc map for teardown) generalized from container health checks to
// a single gRPC liveness probe per worker, per §4.3 of the specification.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/registry"
)

// Prober issues one liveness probe against the worker listening at addr and
// returns its reported embedding dimension on success.
type Prober interface {
	Probe(ctx context.Context, addr string) (dim int, err error)
}

// Restarter is the subset of lifecycle.Manager the monitor needs to trigger
// an auto-restart.
type Restarter interface {
	Restart(ctx context.Context, name string) error
}

// Config tunes probe cadence (§4.3).
type Config struct {
	InitialDelay           time.Duration
	Interval               time.Duration
	MaxConsecutiveFailures int // 0 disables auto-restart
}

// PromotionListener is notified the first time a worker's probe succeeds
// after Starting, so the backend pool can mark it eligible.
type PromotionListener func(name string, embeddingDim int)

// Monitor supervises the probe task for every Running/Starting/Failed worker.
type Monitor struct {
	reg       *registry.Registry
	restarter Restarter
	prober    Prober
	cfg       Config
	logger    *logging.Logger
	onPromote PromotionListener

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor.
func New(reg *registry.Registry, restarter Restarter, prober Prober, cfg Config, logger *logging.Logger, onPromote PromotionListener) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Monitor{
		reg:       reg,
		restarter: restarter,
		prober:    prober,
		cfg:       cfg,
		logger:    logger,
		onPromote: onPromote,
		cancel:    make(map[string]context.CancelFunc),
	}
}

// Watch starts the probe task for name. Calling Watch twice for the same
// worker without an intervening Stop replaces the prior task.
func (m *Monitor) Watch(name string) {
	m.mu.Lock()
	if cancel, ok := m.cancel[name]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel[name] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, name)
}

// Stop cancels the probe task for name. Must be called before the process is
// killed, to avoid a spurious restart racing the deliberate stop (§4.3).
func (m *Monitor) Stop(name string) {
	m.mu.Lock()
	cancel, ok := m.cancel[name]
	delete(m.cancel, name)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every running probe task and waits for them to return.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	for name, cancel := range m.cancel {
		cancel()
		delete(m.cancel, name)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, name string) {
	defer m.wg.Done()

	log := m.logger.WithWorker(name)

	select {
	case <-time.After(m.cfg.InitialDelay):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.probeOnce(ctx, name, log)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, name string, log *logging.Logger) {
	view, ok := m.reg.Get(name)
	if !ok {
		return
	}
	// A Failed worker (its process exited unexpectedly) keeps being probed so
	// that failed probes drive the auto-restart.
	switch view.Runtime.Status {
	case registry.StatusRunning, registry.StatusStarting, registry.StatusFailed:
	default:
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval/2)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", view.Config.Port)
	dim, err := m.prober.Probe(probeCtx, addr)
	now := time.Now()

	if err == nil {
		wasStarting := view.Runtime.Status == registry.StatusStarting
		_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
			rt.Health.ConsecutiveFailures = 0
			rt.Health.LastCheckAt = now
			rt.Health.LastSuccessAt = now
			if rt.Status == registry.StatusStarting {
				rt.Status = registry.StatusRunning
			}
			if dim > 0 {
				rt.Health.EmbeddingDim = dim
			}
		})
		if wasStarting {
			log.InfoContext(ctx, "worker promoted to running", "embedding_dim", dim)
			if m.onPromote != nil {
				m.onPromote(name, dim)
			}
		}
		return
	}

	var failures int
	_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
		rt.Health.ConsecutiveFailures++
		rt.Health.LastCheckAt = now
		failures = rt.Health.ConsecutiveFailures
	})
	log.WarnContext(ctx, "probe failed", "error", err, "consecutive_failures", failures)

	if m.cfg.MaxConsecutiveFailures > 0 && failures >= m.cfg.MaxConsecutiveFailures {
		log.WarnContext(ctx, "max consecutive failures reached, restarting")
		_ = m.reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) {
			rt.Health.ConsecutiveFailures = 0
		})
		if err := m.restarter.Restart(ctx, name); err != nil {
			log.ErrorContext(ctx, "auto-restart failed", "error", err)
		}
	}
}
