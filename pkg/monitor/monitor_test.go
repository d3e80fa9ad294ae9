package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/registry"
)

type fakeProber struct {
	mu      sync.Mutex
	succeed bool
	dim     int
	calls   atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context, addr string) (int, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.succeed {
		return 0, errors.New("probe failed")
	}
	return p.dim, nil
}

func (p *fakeProber) setSucceed(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.succeed = v
}

type fakeRestarter struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRestarter) Restart(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *fakeRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestRegistryWithStartingWorker(t *testing.T, name string) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{
		MaxInstances:   10,
		PortRangeStart: 20000,
		PortRangeEnd:   21000,
		BindProbe:      func(int) bool { return true },
	})
	if _, err := reg.Add(registry.WorkerConfig{Name: name, ModelID: "m", Port: 20000}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) { rt.Status = registry.StatusStarting }); err != nil {
		t.Fatalf("MutateRuntime failed: %v", err)
	}
	return reg
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "text"})
}

func TestMonitorPromotesStartingToRunningOnFirstSuccess(t *testing.T) {
	reg := newTestRegistryWithStartingWorker(t, "a")
	prober := &fakeProber{succeed: true, dim: 768}
	restarter := &fakeRestarter{}

	promoted := make(chan int, 1)
	m := New(reg, restarter, prober, Config{
		InitialDelay: 0,
		Interval:     20 * time.Millisecond,
	}, testLogger(), func(name string, dim int) {
		promoted <- dim
	})

	m.Watch("a")
	defer m.StopAll()

	select {
	case dim := <-promoted:
		if dim != 768 {
			t.Fatalf("expected promoted dim 768, got %d", dim)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for promotion")
	}

	view, _ := reg.Get("a")
	if view.Runtime.Status != registry.StatusRunning {
		t.Fatalf("expected StatusRunning after first success, got %s", view.Runtime.Status)
	}
}

func TestMonitorAutoRestartsAfterMaxFailures(t *testing.T) {
	reg := newTestRegistryWithStartingWorker(t, "a")
	_ = reg.MutateRuntime("a", func(rt *registry.WorkerRuntime) { rt.Status = registry.StatusRunning })

	prober := &fakeProber{succeed: false}
	restarter := &fakeRestarter{}

	m := New(reg, restarter, prober, Config{
		InitialDelay:           0,
		Interval:               10 * time.Millisecond,
		MaxConsecutiveFailures: 3,
	}, testLogger(), nil)

	m.Watch("a")
	defer m.StopAll()

	deadline := time.After(2 * time.Second)
	for restarter.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for auto-restart")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitorStopCancelsProbeTask(t *testing.T) {
	reg := newTestRegistryWithStartingWorker(t, "a")
	_ = reg.MutateRuntime("a", func(rt *registry.WorkerRuntime) { rt.Status = registry.StatusRunning })

	prober := &fakeProber{succeed: true, dim: 1}
	restarter := &fakeRestarter{}

	m := New(reg, restarter, prober, Config{
		InitialDelay: 0,
		Interval:     5 * time.Millisecond,
	}, testLogger(), nil)

	m.Watch("a")
	time.Sleep(30 * time.Millisecond)
	m.Stop("a")

	before := prober.calls.Load()
	time.Sleep(50 * time.Millisecond)
	after := prober.calls.Load()

	if after > before+1 {
		t.Fatalf("expected probing to stop after Stop, calls went from %d to %d", before, after)
	}
}
