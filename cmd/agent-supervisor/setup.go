package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/agent-supervisor/internal/config"
	"github.com/hochfrequenz/agent-supervisor/internal/launcher"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
	"github.com/hochfrequenz/agent-supervisor/internal/taskbody"
	"github.com/hochfrequenz/agent-supervisor/internal/worker"
	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func openStore(cfg *config.Config) (*sessionstore.Store, error) {
	path := cfg.Storage.DatabasePath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := sessionstore.New(path)
	if err != nil {
		return nil, fmt.Errorf("opening session store %s: %w", path, err)
	}
	return store, nil
}

// registry holds the task bodies this binary can run
func registry() *worker.Registry {
	reg := worker.NewRegistry()
	taskbody.Register(reg)
	return reg
}

func newLauncher(cfg *config.Config) launcher.Launcher {
	if cfg.Supervisor.Isolation == config.IsolationInProc {
		return launcher.NewInProcess(registry())
	}
	return &launcher.Process{
		Args:      []string{workerCommand},
		KillGrace: cfg.KillGrace(),
	}
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		SupervisorID:  cfg.Supervisor.ID,
		MaxWorkers:    cfg.Supervisor.MaxWorkers,
		WorkerTimeout: cfg.WorkerTimeout(),
		Limits: workerprotocol.Limits{
			HeapLimitMB: cfg.Limits.HeapLimitMB,
			GCPercent:   cfg.Limits.GCPercent,
			MaxStackMB:  cfg.Limits.MaxStackMB,
		},
		MemoryReportInterval: cfg.MemoryReportInterval(),
		GCHighWaterPct:       cfg.Telemetry.GCHighWaterPct,
		MemoryWarnPct:        cfg.Telemetry.MemoryWarnPct,
	}
}

func newSupervisor(cfg *config.Config, store *sessionstore.Store) (*supervisor.Supervisor, error) {
	return supervisor.New(supervisorConfig(cfg), store, newLauncher(cfg))
}
