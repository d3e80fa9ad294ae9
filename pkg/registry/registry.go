package registry

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/teiops/tei-manager/pkg/apierr"
)

// PersistFunc is invoked after every mutation that must be durable (add,
// remove, config change). Runtime-only transitions never call it (§4.4).
type PersistFunc func(snapshot []WorkerConfig) error

// Options configures a Registry.
type Options struct {
	MaxInstances    int
	PortRangeStart  int
	PortRangeEnd    int
	ReservedPorts   []int // the supervisor's own api_port/grpc_port
	Persist         PersistFunc
	BindProbe       func(port int) bool // nil uses a real TCP bind probe
}

// Registry owns the (config, runtime) map keyed by worker name.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*record
	order    []string // insertion order, for deterministic list() and snapshots
	opts     Options
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.BindProbe == nil {
		opts.BindProbe = tcpBindProbe
	}
	return &Registry{
		records: make(map[string]*record),
		opts:    opts,
	}
}

func tcpBindProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func validateConfig(cfg WorkerConfig) error {
	if cfg.Name == "" {
		return apierr.New(apierr.KindInvalidConfig, "name must not be empty")
	}
	if strings.ContainsAny(cfg.Name, string(filepath.Separator)+"/\\") {
		return apierr.New(apierr.KindInvalidConfig, "name %q must not contain path separators", cfg.Name)
	}
	if cfg.Port != 0 && cfg.Port < 1024 {
		return apierr.New(apierr.KindInvalidConfig, "port %d must be >= 1024", cfg.Port)
	}
	if cfg.GPUID != nil && *cfg.GPUID < 0 {
		return apierr.New(apierr.KindInvalidConfig, "gpu_id must be non-negative")
	}
	if cfg.MaxBatchTokens < 0 || cfg.MaxConcurrentRequests < 0 {
		return apierr.New(apierr.KindInvalidConfig, "sizing hints must be non-negative")
	}
	reserved := map[string]bool{"--model-id": true, "--port": true}
	if cfg.MaxBatchTokens > 0 {
		reserved["--max-batch-tokens"] = true
	}
	if cfg.MaxConcurrentRequests > 0 {
		reserved["--max-concurrent-requests"] = true
	}
	if cfg.Pooling != "" {
		reserved["--pooling"] = true
	}
	for _, a := range cfg.ExtraArgs {
		if reserved[a] {
			return apierr.New(apierr.KindInvalidConfig, "extra_args must not duplicate supervisor-managed option %q", a)
		}
	}
	return nil
}

// Add validates cfg, reserves a port, inserts a Created record, and persists
// the new snapshot.
func (r *Registry) Add(cfg WorkerConfig) (WorkerView, error) {
	if err := validateConfig(cfg); err != nil {
		return WorkerView{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[cfg.Name]; exists {
		return WorkerView{}, apierr.New(apierr.KindAlreadyExists, "worker %q already registered", cfg.Name)
	}
	if r.opts.MaxInstances > 0 && len(r.records) >= r.opts.MaxInstances {
		return WorkerView{}, apierr.New(apierr.KindCapacityExceeded, "max_instances (%d) reached", r.opts.MaxInstances)
	}

	if cfg.Port != 0 {
		if r.portInUseLocked(cfg.Port) {
			return WorkerView{}, apierr.New(apierr.KindPortConflict, "port %d already in use", cfg.Port)
		}
		if !r.opts.BindProbe(cfg.Port) {
			return WorkerView{}, apierr.New(apierr.KindPortConflict, "port %d failed bind probe", cfg.Port)
		}
	} else {
		port, err := r.allocatePortLocked()
		if err != nil {
			return WorkerView{}, err
		}
		cfg.Port = port
	}

	rec := &record{
		config: cfg,
		runtime: WorkerRuntime{
			Status:    StatusCreated,
			CreatedAt: time.Now(),
		},
	}
	r.records[cfg.Name] = rec
	r.order = append(r.order, cfg.Name)

	if err := r.persistLocked(); err != nil {
		// Roll back the in-memory insert: a failed save must not leave the
		// registry and the durable snapshot disagreeing about existence.
		delete(r.records, cfg.Name)
		r.order = r.order[:len(r.order)-1]
		return WorkerView{}, apierr.Wrap(apierr.KindInternal, err, "failed to persist state after add")
	}

	return rec.view(), nil
}

func (r *Registry) portInUseLocked(port int) bool {
	for _, rec := range r.records {
		if rec.config.Port == port {
			return true
		}
	}
	for _, p := range r.opts.ReservedPorts {
		if p == port {
			return true
		}
	}
	return false
}

// allocatePortLocked performs the linear scan described in §4.1. The caller
// must hold r.mu for writing.
func (r *Registry) allocatePortLocked() (int, error) {
	for port := r.opts.PortRangeStart; port <= r.opts.PortRangeEnd; port++ {
		if r.portInUseLocked(port) {
			continue
		}
		if !r.opts.BindProbe(port) {
			continue
		}
		return port, nil
	}
	return 0, apierr.New(apierr.KindPortExhausted, "no free port in [%d, %d]", r.opts.PortRangeStart, r.opts.PortRangeEnd)
}

// Get returns a consistent view of one worker.
func (r *Registry) Get(name string) (WorkerView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return WorkerView{}, false
	}
	return rec.view(), true
}

// List returns a consistent snapshot of every worker, in insertion order.
func (r *Registry) List() []WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]WorkerView, 0, len(r.order))
	for _, name := range r.order {
		views = append(views, r.records[name].view())
	}
	return views
}

// Remove deletes a worker record if it is in a terminal lifecycle state.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return apierr.New(apierr.KindNotFound, "worker %q not found", name)
	}
	switch rec.runtime.Status {
	case StatusCreated, StatusStopped, StatusFailed:
	default:
		return apierr.New(apierr.KindBusy, "worker %q is %s, stop it before removing", name, rec.runtime.Status)
	}

	delete(r.records, name)
	r.order = removeName(r.order, name)

	if err := r.persistLocked(); err != nil {
		// The in-memory removal already happened; the spec only requires the
		// durable side to eventually converge, so we surface the error but
		// do not attempt to resurrect the record.
		return apierr.Wrap(apierr.KindInternal, err, "failed to persist state after remove")
	}
	return nil
}

func removeName(order []string, name string) []string {
	for i, n := range order {
		if n == name {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// MutateRuntime executes fn under an exclusive lock on the runtime fields of
// one record, without touching config and without persisting (§4.4: pure
// runtime transitions are never persisted).
func (r *Registry) MutateRuntime(name string, fn func(*WorkerRuntime)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return apierr.New(apierr.KindNotFound, "worker %q not found", name)
	}
	fn(&rec.runtime)
	return nil
}

// AddRestoring inserts cfg without persisting or port-availability checks
// beyond conflict detection; used only by state restoration (§4.4) to avoid
// rewrite storms while replaying an already-durable snapshot.
func (r *Registry) AddRestoring(cfg WorkerConfig) (WorkerView, error) {
	if err := validateConfig(cfg); err != nil {
		return WorkerView{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[cfg.Name]; exists {
		return WorkerView{}, apierr.New(apierr.KindAlreadyExists, "worker %q already registered", cfg.Name)
	}
	if cfg.Port != 0 && r.portInUseLocked(cfg.Port) {
		return WorkerView{}, apierr.New(apierr.KindPortConflict, "port %d already in use", cfg.Port)
	}

	rec := &record{
		config:  cfg,
		runtime: WorkerRuntime{Status: StatusCreated, CreatedAt: time.Now()},
	}
	r.records[cfg.Name] = rec
	r.order = append(r.order, cfg.Name)
	return rec.view(), nil
}

// Snapshot returns every worker's declarative config, in insertion order,
// for C4 to persist.
func (r *Registry) Snapshot() []WorkerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfgs := make([]WorkerConfig, 0, len(r.order))
	for _, name := range r.order {
		cfgs = append(cfgs, r.records[name].config)
	}
	return cfgs
}

func (r *Registry) persistLocked() error {
	if r.opts.Persist == nil {
		return nil
	}
	cfgs := make([]WorkerConfig, 0, len(r.order))
	for _, name := range r.order {
		cfgs = append(cfgs, r.records[name].config)
	}
	return r.opts.Persist(cfgs)
}
