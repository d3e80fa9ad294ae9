package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teiops/tei-manager/pkg/config"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		API: config.APIConfig{
			APIPort:                 0,
			GRPCPort:                0,
			GracefulShutdownTimeout: time.Second,
		},
		Instances: config.InstancesConfig{
			MaxInstances: 4,
			PortStart:    21100,
			PortEnd:      21200,
		},
		Health: config.HealthConfig{
			InitialDelay:             10 * time.Millisecond,
			Interval:                 20 * time.Millisecond,
			MaxFailuresBeforeRestart: 3,
		},
		Pool: config.PoolConfig{
			RequestTimeout: time.Second,
		},
		State: config.StateConfig{
			File: filepath.Join(dir, "state.toml"),
		},
		Worker: config.WorkerConfig{
			BinaryPath:      "/bin/true",
			LogDir:          filepath.Join(dir, "logs"),
			GracefulTimeout: 200 * time.Millisecond,
			StartupDeadline: time.Second,
		},
		Arrow: config.ArrowConfig{
			DefaultEmbeddingDim: 384,
			MaxFanOut:           8,
		},
		Logging: logging.Config{Level: "error", Format: "text"},
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	logger := logging.New(cfg.Logging)

	sup, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if sup.Registry == nil || sup.Lifecycle == nil || sup.Monitor == nil ||
		sup.Pool == nil || sup.Store == nil || sup.Gateway == nil || sup.Server == nil {
		t.Fatal("expected every component to be wired")
	}
}

func TestAddGetListRemoveRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	logger := logging.New(cfg.Logging)
	sup, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := sup.Add(registry.WorkerConfig{Name: "a", ModelID: "m"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	view, ok := sup.Get("a")
	if !ok || view.Config.Name != "a" {
		t.Fatalf("expected to find worker a, got %+v ok=%v", view, ok)
	}

	if len(sup.List()) != 1 {
		t.Fatalf("expected 1 worker listed, got %d", len(sup.List()))
	}

	if err := sup.Remove(context.Background(), "a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := sup.Get("a"); ok {
		t.Fatal("expected worker to be gone after Remove")
	}
}

func TestRemoveUnknownWorkerIsNotFound(t *testing.T) {
	cfg := testConfig(t)
	logger := logging.New(cfg.Logging)
	sup, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := sup.Remove(context.Background(), "ghost"); err == nil {
		t.Fatal("expected an error removing an unknown worker")
	}
}

func TestShutdownPersistsFinalSnapshotWithoutStartingAnything(t *testing.T) {
	cfg := testConfig(t)
	logger := logging.New(cfg.Logging)
	sup, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := sup.Add(registry.WorkerConfig{Name: "a", ModelID: "m"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	sup.Pool.Run(context.Background())
	sup.Shutdown(context.Background())

	if _, err := os.Stat(cfg.State.File); err != nil {
		t.Fatalf("expected state file to exist after Shutdown: %v", err)
	}
}
