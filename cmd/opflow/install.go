package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// runInstall writes settings.json from flags, then asks a running server to
// reload it. With no server running and -start set, it starts one.
func runInstall(args []string) error {
	def := defaultConfig()
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", def.ListenAddr, "TCP listen address")
	dbPath := fs.String("db-path", "", "database path (default: ~/.opflow/opflow.db)")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	workers := fs.Int("workers", def.Workers, "queue worker count")
	redisURL := fs.String("redis-url", "", "redis URL for shared rate-limit counters")
	rateLimit := fs.Int("rate-limit", def.RateLimit, "requests per window per caller (0 disables)")
	rateWindow := fs.Duration("rate-window", def.RateWindow.D(), "rate-limit window")
	aiProvider := fs.String("ai-provider", def.AIProvider, "AI provider: mock or http")
	aiEndpoint := fs.String("ai-endpoint", "", "OpenAI-compatible base URL")
	aiModel := fs.String("ai-model", "", "model name")
	webhook := fs.String("messaging-webhook-url", "", "webhook that delivers outbound messages")
	scheduler := fs.Bool("scheduler", def.Scheduler, "run the cron scheduler")
	start := fs.Bool("start", false, "start the server if none is running")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := opflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	cfg := def
	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	cfg.Workers = *workers
	cfg.RedisURL = *redisURL
	cfg.RateLimit = *rateLimit
	cfg.RateWindow = Duration(*rateWindow)
	cfg.AIProvider = *aiProvider
	cfg.AIEndpoint = *aiEndpoint
	cfg.AIModel = *aiModel
	cfg.MessagingWebhookURL = *webhook
	cfg.Scheduler = *scheduler
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "opflow.db")
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	// The API key stays in the environment (OPFLOW_AI_API_KEY), never on disk.
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	if signalRunningServer() {
		return nil
	}
	if *start {
		return runServe(nil)
	}
	fmt.Println("No running server found; start one with: opflow serve")
	return nil
}

// signalRunningServer sends SIGHUP to a running opflow server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks liveness.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
