package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a staging node
type Config struct {
	NodeID    string          `yaml:"node_id"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Staging   StagingConfig   `yaml:"staging"`
	Filter    FilterConfig    `yaml:"filter"`
	CommitLog CommitLogConfig `yaml:"commit_log"`
	Store     StoreConfig     `yaml:"store"`
	Bench     BenchConfig     `yaml:"bench"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StagingConfig holds queue configuration
type StagingConfig struct {
	InitialQueueSize        int `yaml:"initial_queue_size"`
	FilterCreationThreshold int `yaml:"filter_creation_threshold"`
	TransportBatchThreshold int `yaml:"transport_batch_threshold"`
}

// FilterConfig holds bloom filter and producer configuration
type FilterConfig struct {
	ExpectedInsertions int     `yaml:"expected_insertions"`
	FalsePositiveRate  float64 `yaml:"false_positive_rate"`
	HashCacheSize      int     `yaml:"hash_cache_size"`
	PoolSize           int     `yaml:"pool_size"`
	Workers            int     `yaml:"workers"`
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	SyncWrites  bool   `yaml:"sync_writes"`
	SegmentSize int64  `yaml:"segment_size"`
}

// StoreConfig selects and configures the permanent store
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL store configuration
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// RedisConfig holds Redis store configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	// WaitAOF makes synced batches wait until the server has fsynced them
	// to its append-only file. Without it a synced batch is only atomic.
	WaitAOF        bool          `yaml:"wait_aof"`
	WaitAOFTimeout time.Duration `yaml:"wait_aof_timeout"`
}

// BenchConfig holds benchmark driver configuration
type BenchConfig struct {
	Values               int     `yaml:"values"`
	Transactions         int     `yaml:"transactions"`
	WritesPerTransaction int     `yaml:"writes_per_transaction"`
	WritesPerSecond      float64 `yaml:"writes_per_second"`
	OutputPath           string  `yaml:"output_path"`
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a file, then applies environment
// overrides
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// LoadFromEnv builds a configuration from defaults and environment overrides
func LoadFromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	setDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides reads CONCOURSE_* variables, which take precedence
// over the file
func applyEnvironmentOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("CONCOURSE")
	v.AutomaticEnv()

	if nodeID := v.GetString("node_id"); nodeID != "" {
		cfg.NodeID = nodeID
	}
	if level := v.GetString("log_level"); level != "" {
		cfg.Logging.Level = level
	}
	if backend := v.GetString("store_backend"); backend != "" {
		cfg.Store.Backend = backend
	}
	if dsn := v.GetString("postgres_dsn"); dsn != "" {
		cfg.Store.Postgres.DSN = dsn
	}
	if addr := v.GetString("redis_addr"); addr != "" {
		cfg.Store.Redis.Addr = addr
	}
	if v.GetString("metrics_port") != "" {
		if port := v.GetInt("metrics_port"); port != 0 {
			cfg.Metrics.Port = port
		}
	}
	if dir := v.GetString("commit_log_dir"); dir != "" {
		cfg.CommitLog.Dir = dir
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeID = host
		} else {
			cfg.NodeID = "concourse"
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.ShutdownTimeout == 0 {
		cfg.Metrics.ShutdownTimeout = 5 * time.Second
	}

	if cfg.Staging.InitialQueueSize == 0 {
		cfg.Staging.InitialQueueSize = 16
	}
	if cfg.Staging.FilterCreationThreshold == 0 {
		cfg.Staging.FilterCreationThreshold = 10
	}
	if cfg.Staging.TransportBatchThreshold == 0 {
		cfg.Staging.TransportBatchThreshold = 10000
	}

	if cfg.Filter.ExpectedInsertions == 0 {
		cfg.Filter.ExpectedInsertions = 500000
	}
	if cfg.Filter.FalsePositiveRate == 0 {
		cfg.Filter.FalsePositiveRate = 0.03
	}
	if cfg.Filter.HashCacheSize == 0 {
		cfg.Filter.HashCacheSize = 10000
	}
	if cfg.Filter.PoolSize == 0 {
		cfg.Filter.PoolSize = 2
	}
	if cfg.Filter.Workers == 0 {
		cfg.Filter.Workers = 1
	}

	if cfg.CommitLog.Dir == "" {
		cfg.CommitLog.Dir = "/var/lib/concourse/commitlog"
	}
	if cfg.CommitLog.SegmentSize == 0 {
		cfg.CommitLog.SegmentSize = 64 << 20 // 64MB
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Store.Postgres.Table == "" {
		cfg.Store.Postgres.Table = "writes"
	}
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = "localhost:6379"
	}
	if cfg.Store.Redis.Stream == "" {
		cfg.Store.Redis.Stream = "concourse"
	}
	if cfg.Store.Redis.WaitAOFTimeout == 0 {
		cfg.Store.Redis.WaitAOFTimeout = time.Second
	}

	if cfg.Bench.Values == 0 {
		cfg.Bench.Values = 100000
	}
	if cfg.Bench.Transactions == 0 {
		cfg.Bench.Transactions = 64
	}
	if cfg.Bench.WritesPerTransaction == 0 {
		cfg.Bench.WritesPerTransaction = 100
	}
	if cfg.Bench.OutputPath == "" {
		cfg.Bench.OutputPath = filepath.Join(os.TempDir(), "concourse-values.bin")
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if c.Staging.FilterCreationThreshold < 1 {
		return fmt.Errorf("staging.filter_creation_threshold must be positive")
	}
	if c.Staging.TransportBatchThreshold < 1 {
		return fmt.Errorf("staging.transport_batch_threshold must be positive")
	}
	if c.Filter.FalsePositiveRate <= 0 || c.Filter.FalsePositiveRate >= 1 {
		return fmt.Errorf("filter.false_positive_rate must be between 0 and 1")
	}
	if c.Filter.ExpectedInsertions < 1 {
		return fmt.Errorf("filter.expected_insertions must be positive")
	}
	if c.Filter.PoolSize < 1 || c.Filter.Workers < 1 {
		return fmt.Errorf("filter.pool_size and filter.workers must be positive")
	}
	if c.Bench.WritesPerSecond < 0 {
		return fmt.Errorf("bench.writes_per_second cannot be negative")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
		if !identifierPattern.MatchString(c.Store.Postgres.Table) {
			return fmt.Errorf("store.postgres.table %q is not a valid identifier", c.Store.Postgres.Table)
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
