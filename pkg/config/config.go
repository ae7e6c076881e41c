package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration struct. The four required knobs
// (Port, DataDir, MemtableThreshold, LogLevel) are read from
// environment variables; everything else is an optional tuning knob
// that can only be set via a YAML override file.
type Config struct {
	Port              int         `yaml:"port"`
	DataDir           string      `yaml:"data_dir"`
	MemtableThreshold int         `yaml:"memtable_threshold"`
	LogLevel          string      `yaml:"log_level"`
	Compaction        Compaction  `yaml:"compaction"`
	Cache             CacheConfig `yaml:"cache"`
}

// Compaction controls the background merge scheduler.
type Compaction struct {
	Interval    time.Duration `yaml:"interval"`
	MaxSSTables int           `yaml:"max_sstables"`
}

// CacheConfig sizes the SSTable block cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// Default returns the baseline configuration used before any
// environment or YAML override is applied.
func Default() Config {
	return Config{
		Port:              6364,
		DataDir:           "./tsdb_data",
		MemtableThreshold: 1000,
		LogLevel:          "info",
		Compaction: Compaction{
			Interval:    5 * time.Minute,
			MaxSSTables: 4,
		},
		Cache: CacheConfig{
			Capacity: 256,
		},
	}
}

// Load builds a Config starting from Default, applying a YAML
// override file if yamlPath is non-empty and exists, and finally
// applying the environment variables named in the HTTP surface
// (PORT, DATA_DIR, MEMTABLE_THRESHOLD, LOG_LEVEL) on top — env vars
// always win.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: PORT: %w", err)
		}
		cfg.Port = p
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MEMTABLE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: MEMTABLE_THRESHOLD: %w", err)
		}
		cfg.MemtableThreshold = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("config: port %d out of range", cfg.Port)
	}
	if cfg.MemtableThreshold < 1 {
		return Config{}, fmt.Errorf("config: memtable threshold must be >= 1")
	}
	if cfg.Compaction.MaxSSTables < 1 {
		return Config{}, fmt.Errorf("config: max_sstables must be >= 1")
	}
	if cfg.Cache.Capacity < 0 {
		return Config{}, fmt.Errorf("config: cache capacity must be >= 0")
	}

	return cfg, nil
}
