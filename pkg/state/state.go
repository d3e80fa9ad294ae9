// Package state implements the Durable State Layer (C4): an atomic,
// human-readable snapshot of the declared worker fleet, written with
// temp-file-then-rename semantics so a crash never leaves a truncated file
// observable (§4.4, §8 invariant 4).
package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teiops/tei-manager/pkg/apierr"
	"github.com/teiops/tei-manager/pkg/registry"
)

// SupervisorBlock is the supervisor-level config block stored alongside the
// instance list (§3 StateSnapshot).
type SupervisorBlock struct {
	APIPort                 int    `toml:"api_port"`
	GRPCPort                int    `toml:"grpc_port"`
	GracefulShutdownSeconds int    `toml:"graceful_shutdown_timeout_seconds"`
	LogDir                  string `toml:"log_dir"`
	PortRangeStart          int    `toml:"instance_port_start"`
	PortRangeEnd            int    `toml:"instance_port_end"`
	MaxInstances            int    `toml:"max_instances"`
	AutoRestoreOnRestart    bool   `toml:"auto_restore_on_restart"`
}

// Snapshot is the full durable view: no WorkerRuntime fields appear here,
// because PIDs and status are meaningless across a supervisor restart.
type Snapshot struct {
	Supervisor SupervisorBlock          `toml:"supervisor"`
	Instances  []registry.WorkerConfig  `toml:"instances"`
}

// Store persists and loads Snapshots to a single file path.
type Store struct {
	path string
}

// New creates a Store backed by path.
func New(path string) *Store {
	return &Store{path: path}
}

// Save serializes snapshot to a sibling temp file and atomically renames it
// over the target, so readers never observe a partial write.
func (s *Store) Save(snapshot Snapshot) error {
	data, err := toml.Marshal(snapshot)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "failed to marshal state snapshot")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "failed to create state directory %q", dir)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "failed to create temp state file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindInternal, err, "failed to write temp state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindInternal, err, "failed to fsync temp state file")
	}
	if err := tmp.Close(); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "failed to close temp state file")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "failed to rename state file into place")
	}
	return nil
}

// Load parses the snapshot at s.path. A missing file yields an empty,
// zero-value Snapshot rather than an error.
func (s *Store) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, apierr.Wrap(apierr.KindInternal, err, "failed to read state file %q", s.path)
	}

	var snap Snapshot
	if err := toml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, apierr.Wrap(apierr.KindInternal, err, "failed to parse state file %q", s.path)
	}
	return snap, nil
}

// RestoreOnStartup replays every persisted WorkerConfig into reg via
// AddRestoring (bypassing persistence to avoid a rewrite storm) and, if
// autoStart is true, starts each one via start.
func (s *Store) RestoreOnStartup(reg *registry.Registry, start func(name string) error, autoStart bool) (Snapshot, error) {
	snap, err := s.Load()
	if err != nil {
		return Snapshot{}, err
	}

	for _, cfg := range snap.Instances {
		if _, err := reg.AddRestoring(cfg); err != nil {
			return snap, apierr.Wrap(apierr.KindInternal, err, "failed to restore worker %q", cfg.Name)
		}
		if autoStart && start != nil {
			if err := start(cfg.Name); err != nil {
				return snap, fmt.Errorf("failed to start restored worker %q: %w", cfg.Name, err)
			}
		}
	}
	return snap, nil
}
