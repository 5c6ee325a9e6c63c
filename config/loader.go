// Package config loads the library's assembly configuration from
// defaults, an optional YAML file, and environment variable overrides,
// in that order.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stategraph.yaml").
//	    WithEnvPrefix("STATEGRAPH").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects everything needed to assemble the orchestration core:
// graph execution bounds, backend selection for checkpoints and tasks,
// bus and worker tuning, and the ambient logging/metrics/telemetry
// settings.
type Config struct {
	Graph      GraphConfig      `yaml:"graph" env:"GRAPH"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	Task       TaskConfig       `yaml:"task" env:"TASK"`
	Bus        BusConfig        `yaml:"bus" env:"BUS"`
	Worker     WorkerConfig     `yaml:"worker" env:"WORKER"`
	Sweeper    SweeperConfig    `yaml:"sweeper" env:"SWEEPER"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// Backend names accepted by CheckpointConfig and TaskConfig.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

// GraphConfig bounds graph execution.
type GraphConfig struct {
	// MaxSteps is the default node execution ceiling per run.
	MaxSteps int `yaml:"max_steps" env:"MAX_STEPS"`
}

// CheckpointConfig selects the checkpoint backend and cadence.
type CheckpointConfig struct {
	// Backend is one of memory, redis, database.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Interval checkpoints after every Nth completed node.
	Interval int `yaml:"interval" env:"INTERVAL"`
}

// TaskConfig selects the task store backend.
type TaskConfig struct {
	// Backend is one of memory, redis, database.
	Backend string `yaml:"backend" env:"BACKEND"`
}

// BusConfig tunes the message bus dispatcher.
type BusConfig struct {
	MaxDispatchWorkers int `yaml:"max_dispatch_workers" env:"MAX_DISPATCH_WORKERS"`
	DispatchQueueSize  int `yaml:"dispatch_queue_size" env:"DISPATCH_QUEUE_SIZE"`
}

// WorkerConfig tunes in-process worker runtimes.
type WorkerConfig struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" env:"MAX_CONCURRENT_TASKS"`
	// PollRate is queue polls per second.
	PollRate          float64       `yaml:"poll_rate" env:"POLL_RATE"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
}

// SweeperConfig tunes the registry heartbeat sweeper.
type SweeperConfig struct {
	Enabled    bool          `yaml:"enabled" env:"ENABLED"`
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
}

// RedisConfig is the shared Redis connection configuration for
// redis-backed checkpoint and task stores.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	KeyPrefix    string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig is the relational database configuration for
// database-backed stores.
type DatabaseConfig struct {
	// Driver is one of postgres, mysql, sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures the zap logger the library components share.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig configures the OpenTelemetry bootstrap.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader assembles a Config. Precedence: defaults, then the YAML file,
// then environment variables.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the STATEGRAPH env prefix and no file.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "STATEGRAPH",
	}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and env vars still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation step run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", l.configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct, composing env keys from the prefix
// and the field env tags (PREFIX_SECTION_FIELD).
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration accepts forms like "30s" and "5m".
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated values for string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from a file, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for values the assembly cannot work
// with.
func (c *Config) Validate() error {
	var errs []string

	if c.Graph.MaxSteps <= 0 {
		errs = append(errs, "graph.max_steps must be positive")
	}
	if c.Checkpoint.Interval < 1 {
		errs = append(errs, "checkpoint.interval must be at least 1")
	}
	if !validBackend(c.Checkpoint.Backend) {
		errs = append(errs, fmt.Sprintf("checkpoint.backend %q is not one of memory, redis, database", c.Checkpoint.Backend))
	}
	if !validBackend(c.Task.Backend) {
		errs = append(errs, fmt.Sprintf("task.backend %q is not one of memory, redis, database", c.Task.Backend))
	}
	if c.Bus.MaxDispatchWorkers <= 0 || c.Bus.DispatchQueueSize <= 0 {
		errs = append(errs, "bus dispatcher bounds must be positive")
	}
	if c.Worker.MaxConcurrentTasks < 1 {
		errs = append(errs, "worker.max_concurrent_tasks must be at least 1")
	}
	if c.Worker.PollRate <= 0 {
		errs = append(errs, "worker.poll_rate must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validBackend(name string) bool {
	switch name {
	case BackendMemory, BackendRedis, BackendDatabase:
		return true
	}
	return false
}

// DSN returns the connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
