// Package config loads Askr configuration: defaults, then an optional
// YAML file, then ASKR_* environment overrides, in that precedence
// order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/askrdb/askr/pkg/txn"
)

// Config is the full configuration tree.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Query    QueryConfig    `yaml:"query"`
	Txn      TxnConfig      `yaml:"txn"`
}

// DatabaseConfig selects where blocks and the WAL live.
type DatabaseConfig struct {
	// DataDir is the on-disk location for the block store and WAL.
	// Empty means a fully in-memory database with no durability.
	DataDir string `yaml:"data_dir"`
	// WALPath overrides the WAL location. Empty derives
	// <data_dir>/askr.wal.
	WALPath string `yaml:"wal_path"`
	// BlockCacheSize is the block read cache capacity in entries.
	BlockCacheSize int `yaml:"block_cache_size"`
	// PlanCacheSize is the compiled plan cache capacity in entries.
	PlanCacheSize int `yaml:"plan_cache_size"`
}

// QueryConfig bounds query execution.
type QueryConfig struct {
	// MaxRows caps rows produced per query. Zero disables the cap.
	MaxRows int64 `yaml:"max_rows"`
	// Timeout caps per-query wall clock. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`
}

// TxnConfig sets transaction defaults.
type TxnConfig struct {
	// DefaultIsolation names the isolation level used when a caller
	// does not ask for one: read_uncommitted, read_committed,
	// repeatable_read, or serializable.
	DefaultIsolation string `yaml:"default_isolation"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			BlockCacheSize: 4096,
			PlanCacheSize:  256,
		},
		Query: QueryConfig{
			MaxRows: 1_000_000,
			Timeout: 30 * time.Second,
		},
		Txn: TxnConfig{
			DefaultIsolation: "read_committed",
		},
	}
}

// LoadFromFile overlays YAML from path onto cfg.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays ASKR_* environment variables onto cfg.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("ASKR_DATA_DIR"); v != "" {
		cfg.Database.DataDir = v
	}
	if v := os.Getenv("ASKR_WAL_PATH"); v != "" {
		cfg.Database.WALPath = v
	}
	if v := os.Getenv("ASKR_BLOCK_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ASKR_BLOCK_CACHE_SIZE: %w", err)
		}
		cfg.Database.BlockCacheSize = n
	}
	if v := os.Getenv("ASKR_PLAN_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ASKR_PLAN_CACHE_SIZE: %w", err)
		}
		cfg.Database.PlanCacheSize = n
	}
	if v := os.Getenv("ASKR_QUERY_MAX_ROWS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: ASKR_QUERY_MAX_ROWS: %w", err)
		}
		cfg.Query.MaxRows = n
	}
	if v := os.Getenv("ASKR_QUERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ASKR_QUERY_TIMEOUT: %w", err)
		}
		cfg.Query.Timeout = d
	}
	if v := os.Getenv("ASKR_TXN_ISOLATION"); v != "" {
		cfg.Txn.DefaultIsolation = v
	}
	return nil
}

// Load builds the effective configuration: defaults, then the YAML file
// at path when non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Database.BlockCacheSize < 0 {
		return fmt.Errorf("config: block_cache_size must be >= 0")
	}
	if c.Database.PlanCacheSize <= 0 {
		return fmt.Errorf("config: plan_cache_size must be > 0")
	}
	if c.Query.MaxRows < 0 {
		return fmt.Errorf("config: max_rows must be >= 0")
	}
	if c.Query.Timeout < 0 {
		return fmt.Errorf("config: timeout must be >= 0")
	}
	if _, err := txn.ParseIsolationLevel(c.Txn.DefaultIsolation); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Database.WALPath != "" && c.Database.DataDir == "" {
		return fmt.Errorf("config: wal_path requires data_dir")
	}
	return nil
}

// DefaultIsolation returns the parsed default isolation level.
// Validate has already vetted the string.
func (c *Config) DefaultIsolation() txn.IsolationLevel {
	level, _ := txn.ParseIsolationLevel(c.Txn.DefaultIsolation)
	return level
}
