package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all opflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`

	Workers      int      `json:"workers"`
	MaxAttempts  int      `json:"max_attempts"`
	PollInterval Duration `json:"poll_interval"`
	StepTimeout  Duration `json:"step_timeout"`
	TaskTimeout  Duration `json:"task_timeout"`
	DrainTimeout Duration `json:"drain_timeout"`

	RedisURL   string   `json:"redis_url,omitempty"`
	RateLimit  int      `json:"rate_limit"`
	RateWindow Duration `json:"rate_window"`

	AIProvider string `json:"ai_provider"`
	AIEndpoint string `json:"ai_endpoint,omitempty"`
	AIAPIKey   string `json:"ai_api_key,omitempty"`
	AIModel    string `json:"ai_model,omitempty"`

	MessagingWebhookURL string `json:"messaging_webhook_url,omitempty"`

	Scheduler         bool     `json:"scheduler"`
	SchedulerInterval Duration `json:"scheduler_interval"`
	StallAfter        Duration `json:"stall_after"`
}

// Duration is a time.Duration that reads and writes as "30s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are seconds.
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(opflowDir(), "opflow.db"),
		LogLevel:          "info",
		Workers:           4,
		MaxAttempts:       3,
		PollInterval:      Duration(time.Second),
		StepTimeout:       Duration(60 * time.Second),
		TaskTimeout:       Duration(2 * time.Minute),
		DrainTimeout:      Duration(30 * time.Second),
		RateLimit:         100,
		RateWindow:        Duration(time.Minute),
		AIProvider:        "mock",
		Scheduler:         true,
		SchedulerInterval: Duration(time.Minute),
		StallAfter:        Duration(5 * time.Minute),
	}
}

func opflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opflow"
	}
	return filepath.Join(home, ".opflow")
}

func settingsPath() string {
	return filepath.Join(opflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(opflowDir(), "opflow.pid")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	envString("OPFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	envString("OPFLOW_DB_PATH", &cfg.DBPath)
	envString("OPFLOW_LOG_LEVEL", &cfg.LogLevel)
	envInt("OPFLOW_WORKERS", &cfg.Workers)
	envInt("OPFLOW_MAX_ATTEMPTS", &cfg.MaxAttempts)
	envDuration("OPFLOW_POLL_INTERVAL", &cfg.PollInterval)
	envDuration("OPFLOW_STEP_TIMEOUT", &cfg.StepTimeout)
	envDuration("OPFLOW_TASK_TIMEOUT", &cfg.TaskTimeout)
	envDuration("OPFLOW_DRAIN_TIMEOUT", &cfg.DrainTimeout)
	envString("OPFLOW_REDIS_URL", &cfg.RedisURL)
	envInt("OPFLOW_RATE_LIMIT", &cfg.RateLimit)
	envDuration("OPFLOW_RATE_WINDOW", &cfg.RateWindow)
	envString("OPFLOW_AI_PROVIDER", &cfg.AIProvider)
	envString("OPFLOW_AI_ENDPOINT", &cfg.AIEndpoint)
	envString("OPFLOW_AI_API_KEY", &cfg.AIAPIKey)
	envString("OPFLOW_AI_MODEL", &cfg.AIModel)
	envString("OPFLOW_MESSAGING_WEBHOOK_URL", &cfg.MessagingWebhookURL)
	envBool("OPFLOW_SCHEDULER", &cfg.Scheduler)
	envDuration("OPFLOW_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	envDuration("OPFLOW_STALL_AFTER", &cfg.StallAfter)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.AIProvider {
	case "mock":
	case "http":
		if c.AIEndpoint == "" {
			return fmt.Errorf("ai_endpoint is required when ai_provider is http")
		}
	default:
		return fmt.Errorf("ai_provider must be mock or http, got %q", c.AIProvider)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged  bool
	RateLimitChanged bool
	RestartNeeded    []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.RateLimit != new.RateLimit || old.RateWindow != new.RateWindow || old.RedisURL != new.RedisURL {
		d.RateLimitChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.Workers != new.Workers {
		d.RestartNeeded = append(d.RestartNeeded, "workers")
	}
	if old.AIProvider != new.AIProvider || old.AIEndpoint != new.AIEndpoint || old.AIModel != new.AIModel {
		d.RestartNeeded = append(d.RestartNeeded, "ai_provider")
	}
	if old.Scheduler != new.Scheduler {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler")
	}
	return d
}
