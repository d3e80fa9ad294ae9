// Package registry implements the in-memory worker registry (C1): name and
// port uniqueness, instance capacity, and the (config, runtime) pair each
// worker record owns.
package registry

import "time"

// Status is the worker lifecycle state, modeled as an enumerated sum per §9
// of the specification rather than a collection of booleans.
type Status int32

const (
	StatusCreated Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "Created"
	case StatusStarting:
		return "Starting"
	case StatusRunning:
		return "Running"
	case StatusStopping:
		return "Stopping"
	case StatusStopped:
		return "Stopped"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// WorkerConfig is the declarative identity of a worker (§3).
type WorkerConfig struct {
	Name                  string   `mapstructure:"name" toml:"name"`
	ModelID               string   `mapstructure:"model_id" toml:"model_id"`
	Port                  int      `mapstructure:"port" toml:"port"`
	GPUID                 *int     `mapstructure:"gpu_id" toml:"gpu_id,omitempty"`
	MaxBatchTokens        int      `mapstructure:"max_batch_tokens" toml:"max_batch_tokens"`
	MaxConcurrentRequests int      `mapstructure:"max_concurrent_requests" toml:"max_concurrent_requests"`
	Pooling               string   `mapstructure:"pooling" toml:"pooling,omitempty"`
	ExtraArgs             []string `mapstructure:"extra_args" toml:"extra_args,omitempty"`
}

// HealthRuntime tracks the health monitor's view of one worker.
type HealthRuntime struct {
	ConsecutiveFailures int
	LastCheckAt         time.Time
	LastSuccessAt       time.Time
	EmbeddingDim        int // cached from the worker's Info RPC, 0 until known
}

// WorkerRuntime is volatile state, never persisted (§3).
type WorkerRuntime struct {
	PID       int // 0 when absent
	Status    Status
	CreatedAt time.Time
	StartedAt time.Time
	Restarts  int
	Health    HealthRuntime
	LogSink   string
}

// WorkerView is a read-only snapshot of one record, safe to hand to callers
// outside the registry's lock.
type WorkerView struct {
	Config  WorkerConfig
	Runtime WorkerRuntime
}

// record is the registry's internal representation; callers never see *record
// directly, only WorkerView copies.
type record struct {
	config  WorkerConfig
	runtime WorkerRuntime
}

func (r *record) view() WorkerView {
	return WorkerView{Config: r.config, Runtime: r.runtime}
}
