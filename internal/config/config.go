package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file looked up from the working
// directory upwards
const LocalConfigName = ".agent-supervisor.toml"

// Isolation modes for execution units
const (
	IsolationProcess = "process"
	IsolationInProc  = "inproc"
)

// Config holds all application configuration
type Config struct {
	Supervisor    SupervisorConfig    `toml:"supervisor"`
	Limits        LimitsConfig        `toml:"limits"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
	Storage       StorageConfig       `toml:"storage"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
	Schedules     []ScheduleConfig    `toml:"schedule"`
}

// SupervisorConfig holds pool settings
type SupervisorConfig struct {
	// ID of the supervisor instance; generated per start when empty
	ID              string `toml:"id"`
	MaxWorkers      int    `toml:"max_workers"`
	WorkerTimeoutMs int    `toml:"worker_timeout_ms"`
	Isolation       string `toml:"isolation"`
	KillGraceMs     int    `toml:"kill_grace_ms"`
}

// LimitsConfig holds the per-unit resource ceilings
type LimitsConfig struct {
	HeapLimitMB int `toml:"heap_limit_mb"`
	GCPercent   int `toml:"gc_percent"`
	MaxStackMB  int `toml:"max_stack_mb"`
}

// TelemetryConfig holds memory reporting settings
type TelemetryConfig struct {
	MemoryReportIntervalMs int     `toml:"memory_report_interval_ms"`
	GCHighWaterPct         float64 `toml:"gc_high_water_pct"`
	MemoryWarnPct          float64 `toml:"memory_warn_pct"`
}

// StorageConfig holds session store settings
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	Host    string `toml:"host"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// ScheduleConfig describes a spawn that recurs on a cron schedule
type ScheduleConfig struct {
	Name        string         `toml:"name"`
	Cron        string         `toml:"cron"`
	AgentType   string         `toml:"agent_type"`
	Description string         `toml:"description"`
	Payload     map[string]any `toml:"payload"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Supervisor: SupervisorConfig{
			MaxWorkers:      4,
			WorkerTimeoutMs: 600000,
			Isolation:       IsolationProcess,
			KillGraceMs:     5000,
		},
		Limits: LimitsConfig{
			HeapLimitMB: 4096,
		},
		Telemetry: TelemetryConfig{
			MemoryReportIntervalMs: 10000,
			GCHighWaterPct:         80,
			MemoryWarnPct:          90,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(home, ".agent-supervisor", "sessions.db"),
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
			Host:    "127.0.0.1",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.Storage.DatabasePath = ExpandPath(cfg.Storage.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithLocalFallback loads explicitPath if given, else the nearest
// LocalConfigName, else the user config at DefaultConfigPath.
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	return Load(ResolvePath(explicitPath))
}

// ResolvePath returns the config file LoadWithLocalFallback would read
func ResolvePath(explicitPath string) string {
	if explicitPath != "" {
		return ExpandPath(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return local
	}
	return DefaultConfigPath()
}

// FindLocalConfig searches the working directory and its parents for
// LocalConfigName and returns its path, or "" if there is none.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks value ranges and fills zero values with defaults
func (c *Config) Validate() error {
	def := Default()
	var errs []error

	if c.Supervisor.MaxWorkers == 0 {
		c.Supervisor.MaxWorkers = def.Supervisor.MaxWorkers
	}
	if c.Supervisor.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_workers must be positive, got %d", c.Supervisor.MaxWorkers))
	}
	if c.Supervisor.WorkerTimeoutMs == 0 {
		c.Supervisor.WorkerTimeoutMs = def.Supervisor.WorkerTimeoutMs
	}
	if c.Supervisor.WorkerTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("supervisor.worker_timeout_ms must be positive, got %d", c.Supervisor.WorkerTimeoutMs))
	}
	switch c.Supervisor.Isolation {
	case "":
		c.Supervisor.Isolation = def.Supervisor.Isolation
	case IsolationProcess, IsolationInProc:
	default:
		errs = append(errs, fmt.Errorf("supervisor.isolation must be %q or %q, got %q", IsolationProcess, IsolationInProc, c.Supervisor.Isolation))
	}
	if c.Supervisor.KillGraceMs <= 0 {
		c.Supervisor.KillGraceMs = def.Supervisor.KillGraceMs
	}

	if c.Limits.HeapLimitMB == 0 {
		c.Limits.HeapLimitMB = def.Limits.HeapLimitMB
	}
	if c.Limits.HeapLimitMB < 0 || c.Limits.MaxStackMB < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}

	if c.Telemetry.MemoryReportIntervalMs <= 0 {
		c.Telemetry.MemoryReportIntervalMs = def.Telemetry.MemoryReportIntervalMs
	}
	if c.Telemetry.GCHighWaterPct == 0 {
		c.Telemetry.GCHighWaterPct = def.Telemetry.GCHighWaterPct
	}
	if c.Telemetry.MemoryWarnPct == 0 {
		c.Telemetry.MemoryWarnPct = def.Telemetry.MemoryWarnPct
	}
	if c.Telemetry.GCHighWaterPct < 0 || c.Telemetry.GCHighWaterPct > 100 {
		errs = append(errs, fmt.Errorf("telemetry.gc_high_water_pct must be within 0-100, got %v", c.Telemetry.GCHighWaterPct))
	}
	if c.Telemetry.MemoryWarnPct < 0 || c.Telemetry.MemoryWarnPct > 100 {
		errs = append(errs, fmt.Errorf("telemetry.memory_warn_pct must be within 0-100, got %v", c.Telemetry.MemoryWarnPct))
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = def.Storage.DatabasePath
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port out of range: %d", c.Web.Port))
	}

	names := make(map[string]bool)
	for i, s := range c.Schedules {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("schedule %d: name is required", i))
		case names[s.Name]:
			errs = append(errs, fmt.Errorf("schedule %q: duplicate name", s.Name))
		}
		names[s.Name] = true
		if s.Cron == "" {
			errs = append(errs, fmt.Errorf("schedule %q: cron is required", s.Name))
		}
		if s.AgentType == "" {
			errs = append(errs, fmt.Errorf("schedule %q: agent_type is required", s.Name))
		}
	}

	return errors.Join(errs...)
}

// WorkerTimeout returns the per-unit wall-clock ceiling
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Supervisor.WorkerTimeoutMs) * time.Millisecond
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Supervisor.KillGraceMs) * time.Millisecond
}

// MemoryReportInterval returns the telemetry interval of a unit
func (c *Config) MemoryReportInterval() time.Duration {
	return time.Duration(c.Telemetry.MemoryReportIntervalMs) * time.Millisecond
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-supervisor", "config.toml")
}
