package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sequor/sequor/internal/backoff"
	"github.com/sequor/sequor/internal/cache"
	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/config"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/events"
	"github.com/sequor/sequor/internal/orchestration"
	"github.com/sequor/sequor/internal/queue"
	"github.com/sequor/sequor/internal/readiness"
	"github.com/sequor/sequor/internal/registry"
	"github.com/sequor/sequor/internal/store"
)

// runtime holds the wired orchestrator components shared by the CLI commands.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	clk    clock.Clock

	store       store.Store
	registry    *registry.Registry
	bus         *events.Bus
	counters    *events.CounterSubscriber
	queue       queue.Queue
	service     *orchestration.Service
	coordinator *orchestration.Coordinator

	closers []func() error
}

// close releases runtime resources in reverse acquisition order.
func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn().Err(err).Msg("runtime shutdown error")
		}
	}
}

// buildRuntime wires the orchestrator from configuration: the Postgres store
// when a database URL is configured (in-memory otherwise), redis-backed cache
// and queue when redis is reachable (in-process otherwise), and the
// coordinator stack on top.
func buildRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, registerHandlers func(*registry.Registry) error) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, clk: clock.RealClock{}}

	if err := rt.buildStore(ctx); err != nil {
		return nil, err
	}

	redisClient := rt.buildRedis(ctx)

	rt.registry = registry.New()
	if registerHandlers != nil {
		if err := registerHandlers(rt.registry); err != nil {
			rt.close()
			return nil, fmt.Errorf("register handlers: %w", err)
		}
	}

	rt.bus = events.NewBus(logger)
	if err := rt.bus.SubscribeAll(events.NewTelemetrySubscriber(logger, cfg.Telemetry.CorrelationIDHeader)); err != nil {
		rt.close()
		return nil, fmt.Errorf("subscribe telemetry: %w", err)
	}
	rt.counters = events.NewCounterSubscriber()
	if err := rt.bus.SubscribeAll(rt.counters); err != nil {
		rt.close()
		return nil, fmt.Errorf("subscribe counters: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		logger.Debug().Interface("event_counts", rt.counters.Snapshot()).Msg("event counters at shutdown")
		return nil
	})

	calc := backoff.NewCalculator(backoffConfig(cfg.Backoff))
	engine := readiness.NewEngine(calc, rt.clk)

	backend := cache.Detect(ctx, redisClient, rt.clk, logger)
	aggregateCache := cache.New(backend, cache.Config{
		TTL:    cfg.Cache.TTL,
		MinTTL: cfg.Cache.MinTTL,
		MaxTTL: cfg.Cache.MaxTTL,
	}, logger)

	if redisClient != nil {
		rt.queue = queue.NewRedisQueue(redisClient, rt.clk, cfg.Redis.QueueKey, cfg.Redis.PollInterval)
	} else {
		rt.queue = queue.NewMemoryQueue(rt.clk, queue.DefaultPollInterval)
	}
	rt.closers = append(rt.closers, rt.queue.Close)

	execCfg := executionConfig(cfg.Execution)
	conc := orchestration.NewConcurrencyCalculator(rt.store, aggregateCache, execCfg, logger)
	executor := orchestration.NewExecutor(rt.store, rt.registry, calc, conc, rt.bus, rt.clk, execCfg, logger)
	rt.coordinator = orchestration.NewCoordinator(rt.store, engine, executor, calc, rt.queue, rt.bus, rt.clk, logger)
	rt.service = orchestration.NewService(rt.store, rt.registry, engine, rt.queue, rt.bus, rt.clk, logger)

	return rt, nil
}

// buildStore opens Postgres when configured, running migrations if enabled,
// and falls back to the in-memory store otherwise.
func (rt *runtime) buildStore(ctx context.Context) error {
	if rt.cfg.Database.URL == "" {
		rt.logger.Warn().Msg("no database configured, using in-memory store")
		rt.store = store.NewMemory(rt.clk)
		return nil
	}

	db, err := store.Open(ctx, rt.cfg.Database.URL, rt.cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, db.Close)

	if rt.cfg.Database.MigrateOnStart {
		if err = store.Migrate(ctx, db.DB); err != nil {
			rt.close()
			return err
		}
	}

	rt.store = store.NewPostgres(db, rt.clk)
	return nil
}

// buildRedis connects to redis when configured and reachable; nil otherwise.
func (rt *runtime) buildRedis(ctx context.Context) *redis.Client {
	if rt.cfg.Redis.Addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		rt.logger.Warn().Err(err).Str("addr", rt.cfg.Redis.Addr).
			Msg("redis unreachable, using in-process cache and queue")
		_ = client.Close()
		return nil
	}

	rt.closers = append(rt.closers, client.Close)
	return client
}

// backoffConfig maps the config section onto the calculator's knobs.
func backoffConfig(cfg config.BackoffConfig) backoff.Config {
	delays := make(map[constants.ExecutionStatus]int, len(cfg.ReenqueueDelays))
	for status, seconds := range cfg.ReenqueueDelays {
		delays[constants.ExecutionStatus(status)] = seconds
	}
	return backoff.Config{
		DefaultBackoffSeconds:        cfg.DefaultBackoffSeconds,
		MaxBackoffSeconds:            cfg.MaxBackoffSeconds,
		BackoffMultiplier:            cfg.Multiplier,
		JitterEnabled:                cfg.JitterEnabled,
		JitterMaxPercentage:          cfg.JitterMaxPercentage,
		ReenqueueDelays:              delays,
		DefaultReenqueueDelaySeconds: cfg.DefaultReenqueueDelaySeconds,
		BufferSeconds:                cfg.BufferSeconds,
	}
}

// executionConfig maps the config section onto the executor's knobs.
func executionConfig(cfg config.ExecutionConfig) orchestration.ExecutionConfig {
	return orchestration.ExecutionConfig{
		MinConcurrentSteps:       cfg.MinConcurrentSteps,
		MaxConcurrentSteps:       cfg.MaxConcurrentSteps,
		BatchBaseTimeout:         cfg.BatchBaseTimeout,
		BatchPerStepTimeout:      cfg.BatchPerStepTimeout,
		BatchMaxTimeout:          cfg.BatchMaxTimeout,
		ConcurrencyCacheDuration: cfg.ConcurrencyCacheDuration,
	}
}
