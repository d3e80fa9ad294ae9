// Package backend implements the gRPC connection pool half of C5: a
// keyed-by-name cache of client transports to running workers, with a
// singleflight dial guard, keepalive, and idle-TTL eviction (§4.5 "Backend
// connection pool").
//
// Grounded in the teacher's pkg/pyproc/pool.go (round-robin Unix-socket pool
// with a per-connection channel) and pool_metrics.go (latency percentile
// tracking), generalized from a fixed-size homogeneous worker pool to a
// dynamic name-keyed pool of gRPC transports, and from connect-per-call to
// one persistent multiplexed HTTP/2 connection per worker.
package backend

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/teiops/tei-manager/pkg/apierr"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/registry"
	"github.com/teiops/tei-manager/pkg/wire"
)

// numShards is the bucket count for the pool's sharded map. Routing lookups
// only ever contend with other callers hashing to the same shard, instead of
// every Acquire in the process serializing behind one lock (§4.5, §5).
const numShards = 32

// Config tunes the pool (§4.5, §5).
type Config struct {
	DialTimeout        time.Duration
	RequestTimeout     time.Duration
	IdleTTL            time.Duration
	PruneInterval      time.Duration
	KeepaliveTime      time.Duration
	KeepaliveTimeout   time.Duration
	MaxParallelStreams uint32
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Minute
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 30 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
}

// entry is one cached backend transport.
type entry struct {
	conn       *grpc.ClientConn
	lastUsedAt atomic.Int64 // unix nanos
}

func (e *entry) touch() {
	e.lastUsedAt.Store(time.Now().UnixNano())
}

func (e *entry) idleSince() time.Time {
	return time.Unix(0, e.lastUsedAt.Load())
}

// shard is one bucket of the sharded-by-name entry map, each independently
// locked so routing lookups for different workers never serialize.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Pool is the sharded-by-name backend connection pool.
type Pool struct {
	reg    *registry.Registry
	cfg    Config
	logger *logging.Logger
	codec  wire.Codec

	shards [numShards]*shard

	dialGroup singleflight.Group
	metrics   *Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pool bound to reg. Eviction does not start until Run is
// called.
func New(reg *registry.Registry, cfg Config, codec wire.Codec, logger *logging.Logger) *Pool {
	cfg.setDefaults()
	p := &Pool{
		reg:     reg,
		cfg:     cfg,
		logger:  logger,
		codec:   codec,
		metrics: NewMetrics(),
		stopCh:  make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return p
}

// shardFor returns the shard owning name, hashed with xxh3 to spread
// adjacent worker names across buckets.
func (p *Pool) shardFor(name string) *shard {
	return p.shards[xxh3.HashString(name)%numShards]
}

// Run starts the background idle/stale-entry prune task. Call once.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(1)
	go p.pruneLoop(ctx)
}

func (p *Pool) pruneLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pruneOnce()
		}
	}
}

func (p *Pool) pruneOnce() {
	now := time.Now()
	pruned := 0

	for _, sh := range p.shards {
		var stale []string

		sh.mu.RLock()
		for name, e := range sh.entries {
			view, ok := p.reg.Get(name)
			if !ok || view.Runtime.Status != registry.StatusRunning || now.Sub(e.idleSince()) > p.cfg.IdleTTL {
				stale = append(stale, name)
			}
		}
		sh.mu.RUnlock()

		if len(stale) == 0 {
			continue
		}

		sh.mu.Lock()
		for _, name := range stale {
			if e, ok := sh.entries[name]; ok {
				delete(sh.entries, name)
				_ = e.conn.Close()
				p.metrics.ConnectionsDestroyed.Add(1)
			}
		}
		sh.mu.Unlock()
		pruned += len(stale)
	}

	if pruned > 0 {
		p.logger.Info("pruned idle backend connections", "count", pruned)
	}
}

// dial establishes a new keepalive-enabled HTTP/2 connection to addr using
// the shared wire codec in place of protobuf. grpc.NewClient does not block
// on the initial connection; the transport connects lazily on first RPC,
// same as the teacher's GRPCTransport.connect.
func (p *Pool) dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.GRPCCodec(p.codec))),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                p.cfg.KeepaliveTime,
			Timeout:             p.cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
}

// Acquire resolves name to a Running worker and returns its pooled
// transport, dialing lazily and at-most-once per concurrent miss
// (§4.5 "Backend connection pool").
func (p *Pool) Acquire(ctx context.Context, name string) (*grpc.ClientConn, error) {
	view, ok := p.reg.Get(name)
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "worker %q not found", name)
	}
	if view.Runtime.Status != registry.StatusRunning {
		return nil, apierr.New(apierr.KindUnavailable, "worker %q is %s, not running", name, view.Runtime.Status)
	}

	sh := p.shardFor(name)

	sh.mu.RLock()
	e, ok := sh.entries[name]
	sh.mu.RUnlock()
	if ok {
		e.touch()
		return e.conn, nil
	}

	addr := addrFor(view.Config.Port)
	result, err, _ := p.dialGroup.Do(name, func() (interface{}, error) {
		// Re-check under the singleflight key in case a concurrent caller
		// already won the race while we were blocked entering Do.
		sh.mu.RLock()
		if existing, ok := sh.entries[name]; ok {
			sh.mu.RUnlock()
			return existing, nil
		}
		sh.mu.RUnlock()

		conn, err := p.dial(addr)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindUnavailable, err, "failed to dial worker %q", name)
		}
		newEntry := &entry{conn: conn}
		newEntry.touch()

		sh.mu.Lock()
		sh.entries[name] = newEntry
		sh.mu.Unlock()

		p.metrics.ConnectionsCreated.Add(1)
		return newEntry, nil
	})
	if err != nil {
		return nil, err
	}

	got := result.(*entry)
	got.touch()
	return got.conn, nil
}

// Evict closes and removes the cached transport for name, if any, used when
// a worker stops or is removed so the pool never holds a dangling
// connection.
func (p *Pool) Evict(name string) {
	sh := p.shardFor(name)
	sh.mu.Lock()
	e, ok := sh.entries[name]
	if ok {
		delete(sh.entries, name)
	}
	sh.mu.Unlock()
	if ok {
		_ = e.conn.Close()
		p.metrics.ConnectionsDestroyed.Add(1)
	}
}

// Shutdown stops the prune loop and closes every pooled connection, as
// required by the multiplexer's graceful shutdown sequence (§4.5, §9).
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	for _, sh := range p.shards {
		sh.mu.Lock()
		for name, e := range sh.entries {
			_ = e.conn.Close()
			delete(sh.entries, name)
			p.metrics.ConnectionsDestroyed.Add(1)
		}
		sh.mu.Unlock()
	}
}

// Size returns the number of currently pooled connections, for tests and
// diagnostics.
func (p *Pool) Size() int {
	total := 0
	for _, sh := range p.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// Metrics exposes the pool's metrics snapshot.
func (p *Pool) Metrics() MetricsSnapshot {
	snap := p.metrics.Snapshot()
	snap.ConnectionsActive = int32(p.Size())
	return snap
}

// RecordCall records the outcome of one forwarded RPC against the pool's
// request-level counters and latency window, for callers (the gateway) that
// sit on the other side of the forwarding call and own the timing.
func (p *Pool) RecordCall(d time.Duration, err error, timedOut bool) {
	p.metrics.recordCall(d, err, timedOut)
}

func addrFor(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
