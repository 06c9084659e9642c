// Package config loads the daemon configuration from a file with
// environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend selects the storage implementation.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// RedisConfig connects the Redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig connects the Postgres backend.
type PostgresConfig struct {
	ConnString string `mapstructure:"conn_string"`
}

// Config is the daemon configuration.
type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`

	TickInterval           time.Duration `mapstructure:"tick_interval"`
	Workers                int           `mapstructure:"workers"`
	SnapshotInterval       time.Duration `mapstructure:"snapshot_interval"`
	IntegrityCheckInterval time.Duration `mapstructure:"integrity_check_interval"`
	PersistenceInterval    time.Duration `mapstructure:"persistence_interval"`

	MemoryBudgetBytes uint64 `mapstructure:"memory_budget_bytes"`
	GoroutineBudget   int    `mapstructure:"goroutine_budget"`
}

// Load reads path and applies TASKFORGE_-prefixed env overrides. A
// missing file is fine when path is empty: defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("backend", BackendMemory)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("tick_interval", 5*time.Second)
	v.SetDefault("workers", 4)
	v.SetDefault("snapshot_interval", 5*time.Minute)
	v.SetDefault("integrity_check_interval", 5*time.Minute)
	v.SetDefault("persistence_interval", 30*time.Second)

	v.SetEnvPrefix("TASKFORGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		dir := filepath.Dir(path)
		filename := filepath.Base(path)
		ext := filepath.Ext(filename)
		v.SetConfigName(strings.TrimSuffix(filename, ext))
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
