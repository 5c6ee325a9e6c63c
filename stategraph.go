// Package stategraph assembles the orchestration core from configuration.
//
// Usage:
//
//	core, err := stategraph.New(stategraph.DefaultConfig(), nil)
//	if err != nil {
//		return err
//	}
//	defer core.Close(context.Background())
//
//	b := graph.New[pipelineState]("pipeline").WithLogger(core.Logger())
//	// ... add nodes and edges ...
//	g, err := b.Compile(core.GraphOptions()...)
//
// New selects the checkpoint and task store backends (memory, redis,
// database), wires the agent registry, message bus, heartbeat sweeper
// and supervisor, and attaches Prometheus collectors and OpenTelemetry
// export when the configuration enables them. Every constituent package
// remains usable on its own; this package only composes them.
package stategraph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/stategraph/agent"
	"github.com/BaSui01/stategraph/checkpoint"
	"github.com/BaSui01/stategraph/config"
	"github.com/BaSui01/stategraph/graph"
	"github.com/BaSui01/stategraph/internal/database"
	"github.com/BaSui01/stategraph/internal/metrics"
	"github.com/BaSui01/stategraph/internal/telemetry"
	"github.com/BaSui01/stategraph/supervisor"
	"github.com/BaSui01/stategraph/task"
	"github.com/BaSui01/stategraph/worker"
)

// Version is the library version.
const Version = "0.1.0"

// Re-export configuration entry points so embedding applications rarely
// need to import config/ directly.

// Config is the assembly configuration consumed by [New].
type Config = config.Config

// DefaultConfig returns the default configuration.
var DefaultConfig = config.DefaultConfig

// LoadConfig builds a configuration from defaults, an optional YAML
// file, and STATEGRAPH_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.NewLoader().WithConfigPath(path).Load()
}

// MustLoadConfig loads configuration from a YAML file, panicking on
// failure.
var MustLoadConfig = config.MustLoad

// Core holds the assembled orchestration components. Create one with
// [New] and release it with [Core.Close].
type Core struct {
	config *config.Config
	logger *zap.Logger

	checkpoints checkpoint.Store
	tasks       task.Store
	queue       task.Queue
	registry    *agent.Registry
	bus         *agent.MessageBus
	sweeper     *agent.HeartbeatSweeper
	sup         *supervisor.Supervisor

	collector *metrics.Collector
	tele      *telemetry.Providers
	dbPool    *database.PoolManager

	closeOnce sync.Once
	closeErr  error
}

// New assembles a Core from the configuration. A nil cfg uses
// [DefaultConfig]; a nil logger builds one from cfg.Log. New validates
// the configuration, opens the configured store backends, and starts
// the heartbeat sweeper when enabled. On error, everything already
// opened is released.
func New(cfg *config.Config, logger *zap.Logger) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cfg.Log.BuildLogger()
	}

	c := &Core{config: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		c.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	tele, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	c.tele = tele

	if err := c.openStores(); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}

	c.queue = task.NewMemoryQueue()
	c.registry = agent.NewRegistry(logger)
	c.bus = agent.NewMessageBus(c.registry, agent.BusConfig{
		MaxDispatchWorkers: cfg.Bus.MaxDispatchWorkers,
		DispatchQueueSize:  cfg.Bus.DispatchQueueSize,
	}, logger)

	sup, err := supervisor.New(c.tasks, c.queue, logger,
		supervisor.WithWorkerPool(supervisor.NewWorkerPool(logger)),
	)
	if err != nil {
		_ = c.Close(context.Background())
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	c.sup = sup

	if cfg.Sweeper.Enabled {
		c.sweeper = agent.NewHeartbeatSweeper(agent.SweeperConfig{
			Interval:   cfg.Sweeper.Interval,
			StaleAfter: cfg.Sweeper.StaleAfter,
		}, c.registry, logger)
		if err := c.sweeper.Start(context.Background()); err != nil {
			_ = c.Close(context.Background())
			return nil, fmt.Errorf("start heartbeat sweeper: %w", err)
		}
	}

	c.registerObservers()

	logger.Info("stategraph core assembled",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("task_backend", cfg.Task.Backend),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	return c, nil
}

// openStores opens the configured backends. A shared database pool is
// opened once when either store uses the database backend; both stores
// then migrate their own tables over the same connection.
func (c *Core) openStores() error {
	needDB := c.config.Checkpoint.Backend == config.BackendDatabase ||
		c.config.Task.Backend == config.BackendDatabase
	if needDB {
		db, err := database.Open(c.config.Database, c.logger)
		if err != nil {
			return err
		}
		pool, err := database.NewPoolManager(db, database.PoolConfigFrom(c.config.Database), c.logger)
		if err != nil {
			return err
		}
		c.dbPool = pool
	}

	cps, err := c.openCheckpointStore()
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	c.checkpoints = cps

	ts, err := c.openTaskStore()
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	c.tasks = ts

	if c.collector != nil {
		c.checkpoints = metrics.InstrumentCheckpointStore(c.checkpoints, c.collector)
		c.tasks = metrics.InstrumentTaskStore(c.tasks, c.collector)
	}
	return nil
}

func (c *Core) openCheckpointStore() (checkpoint.Store, error) {
	switch c.config.Checkpoint.Backend {
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.BackendRedis:
		return checkpoint.NewRedisStore(checkpoint.RedisConfig{
			Addr:         c.config.Redis.Addr,
			Password:     c.config.Redis.Password,
			DB:           c.config.Redis.DB,
			PoolSize:     c.config.Redis.PoolSize,
			MinIdleConns: c.config.Redis.MinIdleConns,
			KeyPrefix:    c.config.Redis.KeyPrefix,
		})
	case config.BackendDatabase:
		return checkpoint.NewDBStore(c.dbPool.DB())
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", c.config.Checkpoint.Backend)
	}
}

func (c *Core) openTaskStore() (task.Store, error) {
	switch c.config.Task.Backend {
	case config.BackendMemory:
		return task.NewMemoryStore(), nil
	case config.BackendRedis:
		return task.NewRedisStore(task.RedisConfig{
			Addr:         c.config.Redis.Addr,
			Password:     c.config.Redis.Password,
			DB:           c.config.Redis.DB,
			PoolSize:     c.config.Redis.PoolSize,
			MinIdleConns: c.config.Redis.MinIdleConns,
			KeyPrefix:    c.config.Redis.KeyPrefix,
		})
	case config.BackendDatabase:
		return task.NewDBStore(c.dbPool.DB())
	default:
		return nil, fmt.Errorf("unknown task backend %q", c.config.Task.Backend)
	}
}

// registerObservers points the collector's gauge metrics at the live
// components. Values are read at scrape time.
func (c *Core) registerObservers() {
	if c.collector == nil {
		return
	}
	queue := c.queue
	c.collector.ObserveTaskQueueDepth(func() int {
		n, err := queue.Len(context.Background())
		if err != nil {
			return 0
		}
		return n
	})
	c.collector.ObserveAgents(c.registry.Count)
	c.collector.ObserveBus(c.bus.Stats)
	if c.dbPool != nil {
		c.collector.ObserveDBPool(c.config.Database.Name, c.dbPool.Stats)
	}
}

// GraphOptions returns the compile options implied by the
// configuration: the step ceiling, checkpointing against the configured
// store, and metrics and tracing hooks when enabled. Extra options are
// appended after these and may override any of them.
func (c *Core) GraphOptions(extra ...graph.CompileOption) []graph.CompileOption {
	opts := []graph.CompileOption{
		graph.WithMaxSteps(c.config.Graph.MaxSteps),
		graph.WithCheckpointing(c.checkpoints, c.config.Checkpoint.Interval),
	}
	if c.collector != nil {
		opts = append(opts, graph.WithObserver(c.collector.GraphObserver()))
	}
	if c.tele.Enabled() {
		opts = append(opts, graph.WithTracer(c.tele.Tracer("stategraph/graph")))
	}
	return append(opts, extra...)
}

// NewWorker creates a worker runtime bound to the core's supervisor,
// queue, store and registry, tuned by the worker section of the
// configuration. The caller registers handlers and starts it.
func (c *Core) NewWorker(agentID, agentType string) (*worker.Runtime, error) {
	wc := worker.DefaultConfig(agentID, agentType)
	wc.MaxConcurrentTasks = c.config.Worker.MaxConcurrentTasks
	wc.PollRate = rate.Limit(c.config.Worker.PollRate)
	wc.HeartbeatInterval = c.config.Worker.HeartbeatInterval
	return worker.New(wc, c.sup, c.queue, c.tasks, c.registry, c.logger)
}

// Config returns the configuration the core was assembled from.
func (c *Core) Config() *config.Config { return c.config }

// Logger returns the logger shared by the core's components.
func (c *Core) Logger() *zap.Logger { return c.logger }

// CheckpointStore returns the configured checkpoint store. When metrics
// are enabled the store is instrumented.
func (c *Core) CheckpointStore() checkpoint.Store { return c.checkpoints }

// TaskStore returns the configured task store. When metrics are enabled
// the store is instrumented.
func (c *Core) TaskStore() task.Store { return c.tasks }

// Queue returns the task queue shared by the supervisor and workers.
func (c *Core) Queue() task.Queue { return c.queue }

// Registry returns the agent registry.
func (c *Core) Registry() *agent.Registry { return c.registry }

// Bus returns the message bus.
func (c *Core) Bus() *agent.MessageBus { return c.bus }

// Supervisor returns the task supervisor.
func (c *Core) Supervisor() *supervisor.Supervisor { return c.sup }

// MetricsRegistry returns the Prometheus registry backing the core's
// collectors, or nil when metrics are disabled. Hand it to
// promhttp.HandlerFor to expose a scrape endpoint.
func (c *Core) MetricsRegistry() *prometheus.Registry {
	if c.collector == nil {
		return nil
	}
	return c.collector.Registry()
}

// Ping verifies every backing store the core holds a connection to.
func (c *Core) Ping(ctx context.Context) error {
	var errs []error
	if err := c.checkpoints.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint store: %w", err))
	}
	if err := c.tasks.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task store: %w", err))
	}
	if c.dbPool != nil {
		if err := c.dbPool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database pool: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the core: the sweeper and bus stop, the queue closes,
// stores and the database pool release their connections, and telemetry
// flushes. Close is idempotent; later calls return the first result.
func (c *Core) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.sweeper != nil {
			errs = append(errs, c.sweeper.Stop(ctx))
		}
		if c.bus != nil {
			errs = append(errs, c.bus.Close())
		}
		if c.queue != nil {
			errs = append(errs, c.queue.Close())
		}
		if c.tasks != nil {
			errs = append(errs, c.tasks.Close())
		}
		if c.checkpoints != nil {
			errs = append(errs, c.checkpoints.Close())
		}
		if c.dbPool != nil {
			errs = append(errs, c.dbPool.Close())
		}
		if c.tele != nil {
			errs = append(errs, c.tele.Shutdown(ctx))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
