package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single configuration structure for the orchestrator.
// It is loaded once at startup and injected into constructors; nothing
// reads the environment after Load returns.
type Config struct {
	StateDir   string           `yaml:"state_dir"`
	Epoch      EpochConfig      `yaml:"epoch"`
	IPC        IPCConfig        `yaml:"ipc"`
	EventLog   EventLogConfig   `yaml:"event_log"`
	Health     HealthConfig     `yaml:"health"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Resources  ResourceConfig   `yaml:"resources"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Startup    StartupConfig    `yaml:"startup"`
	Server     ServerConfig     `yaml:"server"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Alert      AlertConfig      `yaml:"alert"`
	Log        LogConfig        `yaml:"log"`
	Components []ComponentSpec  `yaml:"components"`
}

// ComponentSpec declares one managed process. The orchestrator turns
// these into startup definitions and supervised components.
type ComponentSpec struct {
	Name              string   `yaml:"name"`
	Command           []string `yaml:"command"`
	Criticality       string   `yaml:"criticality"` // required, degraded_ok, optional
	Strategy          string   `yaml:"strategy"`    // fail, continue, retry_then_continue
	DependsOn         []string `yaml:"depends_on"`
	SoftDependsOn     []string `yaml:"soft_depends_on"`
	StartupTimeoutSec int      `yaml:"startup_timeout_sec"`
	HealthEndpoint    string   `yaml:"health_endpoint"`
	NeedsPort         bool     `yaml:"needs_port"`
	Capability        string   `yaml:"capability"` // defaults to the component name
}

type EpochConfig struct {
	SupervisorID string `yaml:"supervisor_id"`
}

type IPCConfig struct {
	LockTimeoutSec      int `yaml:"lock_timeout_sec"`
	LockStaleTimeoutSec int `yaml:"lock_stale_timeout_sec"`
	HeartbeatStaleSec   int `yaml:"heartbeat_stale_sec"`
	HeartbeatDeadSec    int `yaml:"heartbeat_dead_sec"`
	PollIntervalMs      int `yaml:"poll_interval_ms"`
}

type EventLogConfig struct {
	RetentionSec    int    `yaml:"retention_sec"`
	DedupWindowSize int    `yaml:"dedup_window_size"`
	DedupWindowSec  int    `yaml:"dedup_window_sec"`
	StreamEnabled   bool   `yaml:"stream_enabled"`
	RedisURL        string `yaml:"redis_url"`
	StreamNamespace string `yaml:"stream_namespace"`
}

type HealthConfig struct {
	DegradeStreak    int `yaml:"degrade_streak"`
	RecoverStreak    int `yaml:"recover_streak"`
	MinDwellMs       int `yaml:"min_dwell_ms"`
	ProbeTimeoutMs   int `yaml:"probe_timeout_ms"`
	SampleIntervalMs int `yaml:"sample_interval_ms"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSec        int `yaml:"window_sec"`
	ResetTimeoutSec  int `yaml:"reset_timeout_sec"`
}

type ResourceConfig struct {
	PortRangeStart  int `yaml:"port_range_start"`
	PortRangeEnd    int `yaml:"port_range_end"`
	ReapIntervalSec int `yaml:"reap_interval_sec"`
}

type SupervisorConfig struct {
	BackoffBaseMs     int     `yaml:"backoff_base_ms"`
	BackoffMaxMs      int     `yaml:"backoff_max_ms"`
	MaxRetries        int     `yaml:"max_retries"`
	ProbeIntervalMs   int     `yaml:"probe_interval_ms"`
	RestartsPerMinute float64 `yaml:"restarts_per_minute"`
	RestartBurst      int     `yaml:"restart_burst"`
}

type StartupConfig struct {
	DefaultComponentTimeoutSec int `yaml:"default_component_timeout_sec"`
	HealthyPollIntervalMs      int `yaml:"healthy_poll_interval_ms"`
}

type ServerConfig struct {
	HealthPort int `yaml:"health_port"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type AlertConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	WebhookURL      string `yaml:"webhook_url"`
	CooldownSec     int    `yaml:"cooldown_sec"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load builds the configuration from defaults, an optional YAML file
// (TRIAD_CONFIG), and environment variable overrides, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("TRIAD_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir: filepath.Join(home, ".triad"),
		IPC: IPCConfig{
			LockTimeoutSec:      30,
			LockStaleTimeoutSec: 300,
			HeartbeatStaleSec:   15,
			HeartbeatDeadSec:    60,
			PollIntervalMs:      100,
		},
		EventLog: EventLogConfig{
			RetentionSec:    24 * 60 * 60,
			DedupWindowSize: 4096,
			DedupWindowSec:  600,
			StreamNamespace: "triad",
		},
		Health: HealthConfig{
			DegradeStreak:    2,
			RecoverStreak:    2,
			MinDwellMs:       2000,
			ProbeTimeoutMs:   3000,
			SampleIntervalMs: 5000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			WindowSec:        60,
			ResetTimeoutSec:  30,
		},
		Resources: ResourceConfig{
			PortRangeStart:  8200,
			PortRangeEnd:    8299,
			ReapIntervalSec: 10,
		},
		Supervisor: SupervisorConfig{
			BackoffBaseMs:     1000,
			BackoffMaxMs:      30000,
			MaxRetries:        3,
			ProbeIntervalMs:   2000,
			RestartsPerMinute: 6,
			RestartBurst:      3,
		},
		Startup: StartupConfig{
			DefaultComponentTimeoutSec: 60,
			HealthyPollIntervalMs:      250,
		},
		Server: ServerConfig{
			HealthPort: 8095,
		},
		Alert: AlertConfig{
			CooldownSec: 300,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) applyEnv() {
	c.StateDir = getEnv("TRIAD_DIR", c.StateDir)
	c.Epoch.SupervisorID = getEnv("TRIAD_SUPERVISOR_ID", c.Epoch.SupervisorID)

	c.IPC.LockTimeoutSec = getEnvInt("TRIAD_LOCK_TIMEOUT_SEC", c.IPC.LockTimeoutSec)
	c.IPC.LockStaleTimeoutSec = getEnvInt("TRIAD_LOCK_STALE_TIMEOUT_SEC", c.IPC.LockStaleTimeoutSec)
	c.IPC.HeartbeatStaleSec = getEnvInt("TRIAD_HEARTBEAT_STALE_SEC", c.IPC.HeartbeatStaleSec)
	c.IPC.HeartbeatDeadSec = getEnvInt("TRIAD_HEARTBEAT_DEAD_SEC", c.IPC.HeartbeatDeadSec)
	c.IPC.PollIntervalMs = getEnvInt("TRIAD_IPC_POLL_INTERVAL_MS", c.IPC.PollIntervalMs)

	c.EventLog.RetentionSec = getEnvInt("TRIAD_EVENT_RETENTION_SEC", c.EventLog.RetentionSec)
	c.EventLog.DedupWindowSize = getEnvInt("TRIAD_EVENT_DEDUP_WINDOW", c.EventLog.DedupWindowSize)
	c.EventLog.DedupWindowSec = getEnvInt("TRIAD_EVENT_DEDUP_WINDOW_SEC", c.EventLog.DedupWindowSec)
	c.EventLog.StreamEnabled = getEnvBool("TRIAD_EVENT_STREAM_ENABLED", c.EventLog.StreamEnabled)
	c.EventLog.RedisURL = getEnv("TRIAD_REDIS_URL", c.EventLog.RedisURL)
	c.EventLog.StreamNamespace = getEnv("TRIAD_STREAM_NAMESPACE", c.EventLog.StreamNamespace)

	c.Health.DegradeStreak = getEnvInt("TRIAD_HEALTH_DEGRADE_STREAK", c.Health.DegradeStreak)
	c.Health.RecoverStreak = getEnvInt("TRIAD_HEALTH_RECOVER_STREAK", c.Health.RecoverStreak)
	c.Health.MinDwellMs = getEnvInt("TRIAD_HEALTH_MIN_DWELL_MS", c.Health.MinDwellMs)
	c.Health.ProbeTimeoutMs = getEnvInt("TRIAD_HEALTH_PROBE_TIMEOUT_MS", c.Health.ProbeTimeoutMs)
	c.Health.SampleIntervalMs = getEnvInt("TRIAD_HEALTH_SAMPLE_INTERVAL_MS", c.Health.SampleIntervalMs)

	c.Breaker.FailureThreshold = getEnvInt("TRIAD_BREAKER_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.WindowSec = getEnvInt("TRIAD_BREAKER_WINDOW_SEC", c.Breaker.WindowSec)
	c.Breaker.ResetTimeoutSec = getEnvInt("TRIAD_BREAKER_RESET_SEC", c.Breaker.ResetTimeoutSec)

	c.Resources.PortRangeStart = getEnvInt("TRIAD_PORT_RANGE_START", c.Resources.PortRangeStart)
	c.Resources.PortRangeEnd = getEnvInt("TRIAD_PORT_RANGE_END", c.Resources.PortRangeEnd)
	c.Resources.ReapIntervalSec = getEnvInt("TRIAD_RESOURCE_REAP_SEC", c.Resources.ReapIntervalSec)

	c.Supervisor.BackoffBaseMs = getEnvInt("TRIAD_RESTART_BACKOFF_BASE_MS", c.Supervisor.BackoffBaseMs)
	c.Supervisor.BackoffMaxMs = getEnvInt("TRIAD_RESTART_BACKOFF_MAX_MS", c.Supervisor.BackoffMaxMs)
	c.Supervisor.MaxRetries = getEnvInt("TRIAD_RESTART_MAX_RETRIES", c.Supervisor.MaxRetries)
	c.Supervisor.ProbeIntervalMs = getEnvInt("TRIAD_PROBE_INTERVAL_MS", c.Supervisor.ProbeIntervalMs)

	c.Startup.DefaultComponentTimeoutSec = getEnvInt("TRIAD_STARTUP_TIMEOUT_SEC", c.Startup.DefaultComponentTimeoutSec)

	c.Server.HealthPort = getEnvInt("TRIAD_HEALTH_PORT", c.Server.HealthPort)

	c.Tracing.Enabled = getEnvBool("TRIAD_TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("TRIAD_TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Insecure = getEnvBool("TRIAD_TRACING_INSECURE", c.Tracing.Insecure)

	c.Alert.SlackWebhookURL = getEnv("TRIAD_ALERT_SLACK_WEBHOOK", c.Alert.SlackWebhookURL)
	c.Alert.WebhookURL = getEnv("TRIAD_ALERT_WEBHOOK", c.Alert.WebhookURL)
	c.Alert.CooldownSec = getEnvInt("TRIAD_ALERT_COOLDOWN_SEC", c.Alert.CooldownSec)

	c.Log.Level = getEnv("TRIAD_LOG_LEVEL", c.Log.Level)
}

func (c *Config) validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state dir is required")
	}
	if c.IPC.LockTimeoutSec <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %d", c.IPC.LockTimeoutSec)
	}
	if c.IPC.LockStaleTimeoutSec <= c.IPC.LockTimeoutSec {
		return fmt.Errorf("stale lock timeout (%ds) must exceed lock timeout (%ds)",
			c.IPC.LockStaleTimeoutSec, c.IPC.LockTimeoutSec)
	}
	if c.Health.DegradeStreak < 1 || c.Health.RecoverStreak < 1 {
		return fmt.Errorf("health streaks must be at least 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Resources.PortRangeEnd < c.Resources.PortRangeStart {
		return fmt.Errorf("port range end (%d) is below start (%d)",
			c.Resources.PortRangeEnd, c.Resources.PortRangeStart)
	}
	if c.EventLog.StreamEnabled && c.EventLog.RedisURL == "" {
		return fmt.Errorf("event stream mirror enabled but redis URL is empty")
	}
	seen := make(map[string]bool, len(c.Components))
	for _, comp := range c.Components {
		if comp.Name == "" {
			return fmt.Errorf("component with empty name")
		}
		if seen[comp.Name] {
			return fmt.Errorf("duplicate component %q", comp.Name)
		}
		seen[comp.Name] = true
		if len(comp.Command) == 0 {
			return fmt.Errorf("component %q has no command", comp.Name)
		}
	}
	return nil
}

// Duration accessors keep call sites free of unit conversions.

func (c IPCConfig) LockTimeout() time.Duration      { return time.Duration(c.LockTimeoutSec) * time.Second }
func (c IPCConfig) LockStaleTimeout() time.Duration { return time.Duration(c.LockStaleTimeoutSec) * time.Second }
func (c IPCConfig) HeartbeatStale() time.Duration   { return time.Duration(c.HeartbeatStaleSec) * time.Second }
func (c IPCConfig) HeartbeatDead() time.Duration    { return time.Duration(c.HeartbeatDeadSec) * time.Second }
func (c IPCConfig) PollInterval() time.Duration     { return time.Duration(c.PollIntervalMs) * time.Millisecond }

func (c EventLogConfig) Retention() time.Duration   { return time.Duration(c.RetentionSec) * time.Second }
func (c EventLogConfig) DedupWindow() time.Duration { return time.Duration(c.DedupWindowSec) * time.Second }

func (c HealthConfig) MinDwell() time.Duration       { return time.Duration(c.MinDwellMs) * time.Millisecond }
func (c HealthConfig) ProbeTimeout() time.Duration   { return time.Duration(c.ProbeTimeoutMs) * time.Millisecond }
func (c HealthConfig) SampleInterval() time.Duration { return time.Duration(c.SampleIntervalMs) * time.Millisecond }

func (c BreakerConfig) Window() time.Duration       { return time.Duration(c.WindowSec) * time.Second }
func (c BreakerConfig) ResetTimeout() time.Duration { return time.Duration(c.ResetTimeoutSec) * time.Second }

func (c SupervisorConfig) BackoffBase() time.Duration   { return time.Duration(c.BackoffBaseMs) * time.Millisecond }
func (c SupervisorConfig) BackoffMax() time.Duration    { return time.Duration(c.BackoffMaxMs) * time.Millisecond }
func (c SupervisorConfig) ProbeInterval() time.Duration { return time.Duration(c.ProbeIntervalMs) * time.Millisecond }

func (c StartupConfig) DefaultComponentTimeout() time.Duration {
	return time.Duration(c.DefaultComponentTimeoutSec) * time.Second
}

func (c StartupConfig) HealthyPollInterval() time.Duration {
	return time.Duration(c.HealthyPollIntervalMs) * time.Millisecond
}

func (c ResourceConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSec) * time.Second
}

func (c AlertConfig) Cooldown() time.Duration { return time.Duration(c.CooldownSec) * time.Second }

func (c ComponentSpec) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
