package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/teiops/tei-manager/pkg/apierr"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/registry"
	"github.com/teiops/tei-manager/pkg/wire"
)

func testRegistryWithRunningWorker(t *testing.T, name string, port int) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{
		MaxInstances:   10,
		PortRangeStart: 20000,
		PortRangeEnd:   21000,
		BindProbe:      func(int) bool { return true },
	})
	if _, err := reg.Add(registry.WorkerConfig{Name: name, ModelID: "m", Port: port}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := reg.MutateRuntime(name, func(rt *registry.WorkerRuntime) { rt.Status = registry.StatusRunning }); err != nil {
		t.Fatalf("MutateRuntime failed: %v", err)
	}
	return reg
}

func testPool(t *testing.T, reg *registry.Registry) *Pool {
	t.Helper()
	codec, err := wire.NewCodec(wire.CodecJSON)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	logger := logging.New(logging.Config{Level: "error", Format: "text"})
	return New(reg, Config{}, codec, logger)
}

func TestAcquireCachesConnectionPerName(t *testing.T) {
	reg := testRegistryWithRunningWorker(t, "a", 20001)
	p := testPool(t, reg)
	defer p.Shutdown()

	conn1, err := p.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	conn2, err := p.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if conn1 != conn2 {
		t.Fatal("expected the same cached connection on repeated Acquire")
	}
	if p.Size() != 1 {
		t.Fatalf("expected pool size 1, got %d", p.Size())
	}
}

func TestAcquireUnknownWorkerIsNotFound(t *testing.T) {
	reg := registry.New(registry.Options{MaxInstances: 10, PortRangeStart: 20000, PortRangeEnd: 21000, BindProbe: func(int) bool { return true }})
	p := testPool(t, reg)
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), "ghost")
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAcquireNonRunningWorkerIsUnavailable(t *testing.T) {
	reg := registry.New(registry.Options{MaxInstances: 10, PortRangeStart: 20000, PortRangeEnd: 21000, BindProbe: func(int) bool { return true }})
	if _, err := reg.Add(registry.WorkerConfig{Name: "a", ModelID: "m", Port: 20002}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	p := testPool(t, reg)
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), "a")
	if apierr.KindOf(err) != apierr.KindUnavailable {
		t.Fatalf("expected Unavailable for a non-running worker, got %v", err)
	}
}

func TestAcquireConcurrentMissesDialOnce(t *testing.T) {
	reg := testRegistryWithRunningWorker(t, "a", 20003)
	p := testPool(t, reg)
	defer p.Shutdown()

	const n = 20
	var wg sync.WaitGroup
	conns := make([]interface{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := p.Acquire(context.Background(), "a")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if conns[i] != conns[0] {
			t.Fatal("expected every concurrent Acquire to resolve to the same singleflight-dialed connection")
		}
	}
	if p.Size() != 1 {
		t.Fatalf("expected exactly one pooled entry after concurrent misses, got %d", p.Size())
	}
}

func TestEvictClosesAndRemovesEntry(t *testing.T) {
	reg := testRegistryWithRunningWorker(t, "a", 20004)
	p := testPool(t, reg)
	defer p.Shutdown()

	if _, err := p.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Evict("a")
	if p.Size() != 0 {
		t.Fatalf("expected pool size 0 after Evict, got %d", p.Size())
	}

	// Evicting an absent name is a no-op, not an error.
	p.Evict("a")
}

func TestShutdownClosesAllConnections(t *testing.T) {
	reg := testRegistryWithRunningWorker(t, "a", 20005)
	if _, err := reg.Add(registry.WorkerConfig{Name: "b", ModelID: "m", Port: 20006}); err != nil {
		t.Fatalf("Add b failed: %v", err)
	}
	if err := reg.MutateRuntime("b", func(rt *registry.WorkerRuntime) { rt.Status = registry.StatusRunning }); err != nil {
		t.Fatalf("MutateRuntime failed: %v", err)
	}
	p := testPool(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)

	if _, err := p.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire a failed: %v", err)
	}
	if _, err := p.Acquire(context.Background(), "b"); err != nil {
		t.Fatalf("Acquire b failed: %v", err)
	}

	p.Shutdown()
	if p.Size() != 0 {
		t.Fatalf("expected pool size 0 after Shutdown, got %d", p.Size())
	}
}

func TestMetricsTrackConnectionLifecycle(t *testing.T) {
	reg := testRegistryWithRunningWorker(t, "a", 20007)
	p := testPool(t, reg)
	defer p.Shutdown()

	if _, err := p.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	snap := p.Metrics()
	if snap.ConnectionsCreated != 1 {
		t.Fatalf("expected 1 connection created, got %d", snap.ConnectionsCreated)
	}
	if snap.ConnectionsActive != 1 {
		t.Fatalf("expected 1 active connection, got %d", snap.ConnectionsActive)
	}

	p.Evict("a")
	snap = p.Metrics()
	if snap.ConnectionsDestroyed != 1 {
		t.Fatalf("expected 1 connection destroyed, got %d", snap.ConnectionsDestroyed)
	}
}

func TestRecordCallUpdatesRequestCountersAndLatency(t *testing.T) {
	reg := testRegistryWithRunningWorker(t, "a", 20009)
	p := testPool(t, reg)
	defer p.Shutdown()

	p.RecordCall(5*time.Millisecond, nil, false)
	p.RecordCall(10*time.Millisecond, context.DeadlineExceeded, true)
	p.RecordCall(15*time.Millisecond, apierr.New(apierr.KindUnavailable, "down"), false)

	snap := p.Metrics()
	if snap.RequestsTotal != 3 {
		t.Fatalf("expected 3 total requests, got %d", snap.RequestsTotal)
	}
	if snap.RequestsSucceeded != 1 {
		t.Fatalf("expected 1 succeeded request, got %d", snap.RequestsSucceeded)
	}
	if snap.RequestsTimeout != 1 {
		t.Fatalf("expected 1 timed out request, got %d", snap.RequestsTimeout)
	}
	if snap.RequestsFailed != 1 {
		t.Fatalf("expected 1 failed request, got %d", snap.RequestsFailed)
	}
	if snap.LatencyP50 == 0 {
		t.Fatal("expected a non-zero p50 latency after recording calls")
	}
}

func TestPruneEvictsIdleEntries(t *testing.T) {
	reg := testRegistryWithRunningWorker(t, "a", 20008)
	p := testPool(t, reg)
	p.cfg.IdleTTL = time.Millisecond
	defer p.Shutdown()

	if _, err := p.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	p.pruneOnce()

	if p.Size() != 0 {
		t.Fatalf("expected idle entry to be pruned, pool size is %d", p.Size())
	}
}
