package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/teiops/tei-manager/pkg/registry"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.toml")
	s := New(path)

	snap := Snapshot{
		Supervisor: SupervisorBlock{
			APIPort:        8080,
			GRPCPort:       9090,
			LogDir:         "/var/log/tei-manager",
			PortRangeStart: 20000,
			PortRangeEnd:   21000,
			MaxInstances:   16,
		},
		Instances: []registry.WorkerConfig{
			{Name: "a", ModelID: "m-small", Port: 20000},
			{Name: "b", ModelID: "m-large", Port: 20001, ExtraArgs: []string{"--dtype", "float16"}},
		},
	}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got.Supervisor.APIPort != snap.Supervisor.APIPort || got.Supervisor.GRPCPort != snap.Supervisor.GRPCPort {
		t.Fatalf("supervisor block mismatch: got %+v, want %+v", got.Supervisor, snap.Supervisor)
	}
	if len(got.Instances) != 2 || got.Instances[0].Name != "a" || got.Instances[1].Name != "b" {
		t.Fatalf("unexpected instances after round trip: %+v", got.Instances)
	}
	if len(got.Instances[1].ExtraArgs) != 2 || got.Instances[1].ExtraArgs[0] != "--dtype" {
		t.Fatalf("extra_args not preserved: %+v", got.Instances[1].ExtraArgs)
	}
}

func TestLoadMissingFileYieldsEmptySnapshot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.toml"))

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}
	if len(snap.Instances) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestSaveNeverLeavesTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.toml")
	s := New(path)

	if err := s.Save(Snapshot{Instances: []registry.WorkerConfig{{Name: "a", ModelID: "m"}}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.toml" {
		t.Fatalf("expected only the final state file in %s, got %+v", dir, entries)
	}
}

func TestRestoreOnStartupReplaysWithoutPersistingAndHonorsAutoStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.toml")
	s := New(path)

	if err := s.Save(Snapshot{Instances: []registry.WorkerConfig{
		{Name: "a", ModelID: "m", Port: 20000},
		{Name: "b", ModelID: "m", Port: 20001},
	}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reg := registry.New(registry.Options{
		MaxInstances:   10,
		PortRangeStart: 20000,
		PortRangeEnd:   21000,
		BindProbe:      func(int) bool { return true },
		Persist: func([]registry.WorkerConfig) error {
			t.Fatal("restore must not trigger a persist (rewrite storm)")
			return nil
		},
	})

	var started []string
	_, err := s.RestoreOnStartup(reg, func(name string) error {
		started = append(started, name)
		return nil
	}, true)
	if err != nil {
		t.Fatalf("RestoreOnStartup failed: %v", err)
	}

	if len(reg.List()) != 2 {
		t.Fatalf("expected 2 restored workers, got %d", len(reg.List()))
	}
	if len(started) != 2 {
		t.Fatalf("expected autoStart to start both workers, got %v", started)
	}
}

func TestRestoreOnStartupWithoutAutoStartDoesNotStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.toml")
	s := New(path)
	if err := s.Save(Snapshot{Instances: []registry.WorkerConfig{{Name: "a", ModelID: "m", Port: 20000}}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reg := registry.New(registry.Options{
		MaxInstances: 10, PortRangeStart: 20000, PortRangeEnd: 21000,
		BindProbe: func(int) bool { return true },
	})

	called := false
	if _, err := s.RestoreOnStartup(reg, func(name string) error {
		called = true
		return nil
	}, false); err != nil {
		t.Fatalf("RestoreOnStartup failed: %v", err)
	}
	if called {
		t.Fatal("start should not be invoked when autoStart is false")
	}
}
