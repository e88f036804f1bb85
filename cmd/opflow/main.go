package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/opflow/internal/logging"
	flowmcp "github.com/rendis/opflow/pkg/mcp"
)

const usage = `usage: opflow <command> [flags]

commands:
  serve     run the HTTP API, queue workers and cron scheduler (default)
  mcp       run the MCP stdio server with queue workers
  install   write ~/.opflow/settings.json and reload a running server
  version   print the version
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		exitOn(runServe(args))
	case "mcp":
		exitOn(runMCP(args))
	case "install":
		exitOn(runInstall(args))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides config)")
	noScheduler := fs.Bool("no-scheduler", false, "do not run the cron scheduler in this process")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *noScheduler {
		cfg.Scheduler = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := a.handler(ctx, cfg)
	if err != nil {
		return err
	}
	swapper := newHandlerSwapper(srv.Handler())

	stopBackground, err := a.startBackground(ctx, cfg.Scheduler)
	if err != nil {
		return err
	}
	defer stopBackground()

	writePID()
	defer os.Remove(pidPath())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("opflow listening", "addr", cfg.ListenAddr, "version", version)
		serveErr <- httpSrv.ListenAndServe()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-hup:
			cfg = a.reload(ctx, cfg, swapper)
		case <-ctx.Done():
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		}
	}
}

// reload re-reads the configuration and applies what can change live.
// It returns the configuration now in effect.
func (a *app) reload(ctx context.Context, current Config, swapper *handlerSwapper) Config {
	next, err := loadConfig()
	if err != nil {
		a.logger.Error("reload: keeping current configuration", "error", err)
		return current
	}
	next.ListenAddr = current.ListenAddr
	diff := diffConfigs(current, next)

	applied := current
	if diff.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		applied.LogLevel = next.LogLevel
	}
	if diff.RateLimitChanged {
		srv, err := a.handler(ctx, next)
		if err != nil {
			a.logger.Error("reload: rate limiter not rebuilt", "error", err)
		} else {
			swapper.Swap(srv.Handler())
			applied.RateLimit, applied.RateWindow, applied.RedisURL = next.RateLimit, next.RateWindow, next.RedisURL
		}
	}
	if len(diff.RestartNeeded) > 0 {
		a.logger.Warn("reload: restart required to apply", "fields", diff.RestartNeeded)
	}
	a.logger.Info("configuration reloaded", "log_level", applied.LogLevel, "rate_limit", applied.RateLimit)
	return applied
}

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	withScheduler := fs.Bool("scheduler", false, "also run the cron scheduler in this process")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	stopBackground, err := a.startBackground(ctx, *withScheduler)
	if err != nil {
		return err
	}
	defer stopBackground()

	srv := flowmcp.NewFlowServer(flowmcp.FlowServerDeps{
		Executions: a.execs,
		Jobs:       a.jobs,
		Events:     a.events,
		Hub:        a.hub,
		Version:    version,
		Logger:     a.logger,
	})
	a.logger.Info("opflow MCP server on stdio", "version", version)
	return srv.Serve(ctx)
}

func writePID() {
	if err := os.MkdirAll(opflowDir(), 0o700); err != nil {
		return
	}
	_ = os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
