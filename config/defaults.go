package config

import "time"

// DefaultConfig returns a configuration that runs fully in-process:
// memory backends, moderate dispatcher and worker bounds, console
// logging at info.
func DefaultConfig() *Config {
	return &Config{
		Graph:      DefaultGraphConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Task:       DefaultTaskConfig(),
		Bus:        DefaultBusConfig(),
		Worker:     DefaultWorkerConfig(),
		Sweeper:    DefaultSweeperConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Metrics:    DefaultMetricsConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultGraphConfig returns the default execution bounds.
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		MaxSteps: 100,
	}
}

// DefaultCheckpointConfig checkpoints in memory after every completed
// node.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:  BackendMemory,
		Interval: 1,
	}
}

// DefaultTaskConfig stores tasks in memory.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Backend: BackendMemory,
	}
}

// DefaultBusConfig returns the default dispatcher bounds.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxDispatchWorkers: 64,
		DispatchQueueSize:  1024,
	}
}

// DefaultWorkerConfig returns moderate worker concurrency and polling.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxConcurrentTasks: 4,
		PollRate:           20,
		HeartbeatInterval:  15 * time.Second,
	}
}

// DefaultSweeperConfig enables the heartbeat sweeper with generous
// staleness.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Enabled:    true,
		Interval:   30 * time.Second,
		StaleAfter: 90 * time.Second,
	}
}

// DefaultRedisConfig points at a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "stategraph:",
	}
}

// DefaultDatabaseConfig targets a local in-file SQLite database.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "stategraph.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DefaultLogConfig logs info and above as console output.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "console",
		OutputPaths:  []string{"stderr"},
		EnableCaller: false,
	}
}

// DefaultMetricsConfig enables collectors under the stategraph
// namespace.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "stategraph",
	}
}

// DefaultTelemetryConfig leaves tracing off until an endpoint is
// configured.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stategraph",
		SampleRate:   1.0,
	}
}
