package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/opflow/internal/api"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/providers"
	"github.com/rendis/opflow/internal/queue"
	"github.com/rendis/opflow/internal/ratelimit"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/steps"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/validation"
)

// app is the fully wired process: store, queue, engines and scheduler.
type app struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger

	store     *store.LibSQLStore
	queue     *queue.DurableQueue
	metrics   *metrics.Recorder
	hub       *streaming.MemoryHub
	execs     *engine.ExecutionEngine
	jobs      *engine.JobEngine
	workflows *engine.WorkflowService
	events    *engine.EventService
	scheduler *scheduler.Scheduler
	redis     *redis.Client
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, level)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, level: level, logger: logger, store: st}
	if err := a.wire(); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg, logger := a.cfg, a.logger
	a.metrics = metrics.New()
	a.hub = streaming.NewMemoryHub(streaming.WithDropHook(a.metrics.StreamDropped))
	a.queue = queue.New(a.store, queue.Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval.D(),
		MaxAttempts:  cfg.MaxAttempts,
		DrainTimeout: cfg.DrainTimeout.D(),
	}, logger, a.metrics)

	ai := newAIProvider(cfg, logger)
	registry, err := steps.NewBuiltinRegistry(steps.Deps{
		AI:        ai,
		Messenger: newMessenger(cfg, logger),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(registry, celEngine,
		expressions.NewInterpolator(expressions.NewExprEngine()))
	if err != nil {
		return err
	}

	a.execs, err = engine.NewExecutionEngine(engine.ExecutionDeps{
		Store:   a.store,
		Steps:   registry,
		CEL:     celEngine,
		Queue:   a.queue,
		Hub:     a.hub,
		Metrics: a.metrics,
		Logger:  logger,
	}, engine.ExecutionConfig{StepTimeout: cfg.StepTimeout.D()})
	if err != nil {
		return err
	}
	a.jobs, err = engine.NewJobEngine(engine.JobDeps{
		Store:       a.store,
		Executions:  a.execs,
		Interpreter: providers.NewProviderInterpreter(ai),
		Queue:       a.queue,
		Hub:         a.hub,
		Metrics:     a.metrics,
		Logger:      logger,
	}, engine.JobConfig{TaskTimeout: cfg.TaskTimeout.D()})
	if err != nil {
		return err
	}
	a.workflows = engine.NewWorkflowService(a.store, validator, logger)
	a.events = engine.NewEventService(a.store, a.execs, logger)

	a.queue.Register(queue.FamilyWorkflow, a.execs.HandleTask)
	a.queue.Register(queue.FamilyAutomation, a.jobs.HandleTask)

	a.scheduler = scheduler.NewScheduler(a.store, a.jobs, logger, scheduler.Config{
		Interval:   cfg.SchedulerInterval.D(),
		StallAfter: cfg.StallAfter.D(),
	}, a.execs, a.jobs)
	return nil
}

func newAIProvider(cfg Config, logger *slog.Logger) providers.AIProvider {
	if cfg.AIProvider == "http" {
		return providers.NewHTTPProvider(providers.HTTPConfig{
			Endpoint: cfg.AIEndpoint,
			APIKey:   cfg.AIAPIKey,
			Model:    cfg.AIModel,
		})
	}
	return providers.NewMockProvider(logger)
}

func newMessenger(cfg Config, logger *slog.Logger) providers.Messenger {
	if cfg.MessagingWebhookURL != "" {
		return providers.NewWebhookMessenger(cfg.MessagingWebhookURL, 0)
	}
	return providers.NewLogMessenger(logger)
}

// limiter builds the rate limiter for cfg. A redis_url selects the shared
// Redis counter; otherwise counts are kept per process.
func (a *app) limiter(ctx context.Context, cfg Config) (ratelimit.Limiter, error) {
	rc := ratelimit.Config{Limit: cfg.RateLimit, Window: cfg.RateWindow.D()}
	if cfg.RedisURL == "" {
		return ratelimit.NewMemoryLimiter(rc), nil
	}
	if a.redis == nil {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			a.logger.Warn("redis unreachable; rate limiting fails open until it recovers", "error", err)
		}
		a.redis = client
	}
	return ratelimit.NewRedisLimiter(a.redis, rc), nil
}

// handler builds the REST handler with the limiter for cfg.
func (a *app) handler(ctx context.Context, cfg Config) (*api.Server, error) {
	lim, err := a.limiter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return api.New(api.Deps{
		Executions: a.execs,
		Jobs:       a.jobs,
		Workflows:  a.workflows,
		Events:     a.events,
		Scheduler:  a.scheduler,
		Hub:        a.hub,
		Limiter:    lim,
		Metrics:    a.metrics,
		Ready:      func(ctx context.Context) error { return a.store.DB().PingContext(ctx) },
		Logger:     a.logger,
	}), nil
}

// startBackground runs missed schedules, then starts the queue consumer and
// the scheduler loop. The returned function stops both.
func (a *app) startBackground(ctx context.Context, withScheduler bool) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	queueDone := make(chan error, 1)
	go func() { queueDone <- a.queue.Run(ctx) }()

	if withScheduler {
		if err := a.scheduler.RecoverMissed(ctx); err != nil {
			a.logger.Error("missed schedule recovery failed", "error", err)
		}
		if err := a.scheduler.Start(ctx); err != nil {
			cancel()
			<-queueDone
			return nil, err
		}
	}

	return func() {
		if withScheduler {
			_ = a.scheduler.Stop()
		}
		cancel()
		if err := <-queueDone; err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("queue consumer exited", "error", err)
		}
	}, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}
