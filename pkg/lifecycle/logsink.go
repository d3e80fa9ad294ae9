package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogSinkManager generates and cleans up per-worker log file paths, adapted
// from the teacher's socket.go SocketManager (which did the same thing for
// Unix socket paths).
type LogSinkManager struct {
	dir string
}

// NewLogSinkManager creates a manager rooted at dir, falling back to a
// writable temp directory if dir cannot be created (§6: "log_dir with
// writable fallback").
func NewLogSinkManager(dir string) *LogSinkManager {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fallback := filepath.Join(os.TempDir(), "tei-manager-logs")
		_ = os.MkdirAll(fallback, 0o755)
		dir = fallback
	}
	return &LogSinkManager{dir: dir}
}

// PathFor returns the log file path for one worker.
func (m *LogSinkManager) PathFor(name string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.log", name))
}

// Open opens (creating if needed, appending otherwise) the log file for a
// worker's stdout/stderr.
func (m *LogSinkManager) Open(name string) (*os.File, error) {
	return os.OpenFile(m.PathFor(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
