//go:build integration

package integration

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	builtPath string
	buildErr  error
)

// binaryPath builds the CLI once per test run and returns its path
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			buildErr = fmt.Errorf("failed to get current file path")
			return
		}
		root := filepath.Dir(filepath.Dir(filename))
		dir, err := os.MkdirTemp("", "agent-supervisor-it")
		if err != nil {
			buildErr = err
			return
		}
		builtPath = filepath.Join(dir, "agent-supervisor")
		cmd := exec.Command("go", "build", "-o", builtPath, "./cmd/agent-supervisor")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("building binary: %v\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtPath
}

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// writeConfig writes a config file pointing at dbPath and returns its path
func writeConfig(t *testing.T, dbPath string, port int, extra string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.toml")

	config := fmt.Sprintf(`[supervisor]
max_workers = 2
worker_timeout_ms = 5000
isolation = "process"
kill_grace_ms = 500

[limits]
heap_limit_mb = 512

[telemetry]
memory_report_interval_ms = 200

[storage]
database_path = %q

[web]
enabled = true
host = "127.0.0.1"
port = %d
%s`, dbPath, port, extra)

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

// writeFile writes content to name inside a temp dir and returns the path
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// freePort returns a TCP port nothing listens on right now
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
