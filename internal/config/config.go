// Package config loads and validates uiscout configuration.
// Configuration lives in .scout/config.yaml; environment variables with a
// SCOUT_ prefix override individual fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all uiscout configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Exploration policy
	Exploration ExplorationConfig `yaml:"exploration"`

	// Storage paths and capacities
	Storage StorageConfig `yaml:"storage"`

	// Durable delivery queue
	Outbox OutboxConfig `yaml:"outbox"`

	// Snapshot adapter
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ExplorationConfig tunes the exploration loop and termination policy.
type ExplorationConfig struct {
	CoverageTarget     float64 `yaml:"coverage_target"`      // overall coverage to stop at in full-coverage mode
	FullCoverageGoal   bool    `yaml:"full_coverage_goal"`   // whether coverage target terminates the session
	MaxIterations      int     `yaml:"max_iterations"`       // hard per-session iteration cap
	NoProgressLimit    int     `yaml:"no_progress_limit"`    // consecutive no-progress events before STUCK
	RecoveryLimit      int     `yaml:"recovery_limit"`       // failed recovery attempts before giving up
	Epsilon            float64 `yaml:"epsilon"`              // exploration randomness on value ties
	VetoWindow         string  `yaml:"veto_window"`          // wait before committing to an action
	MaxTrackedTargets  int     `yaml:"max_tracked_targets"`  // LearnedMap retention cap
	MaxElementSummary  int     `yaml:"max_element_summary"`  // key element summaries kept per screen
}

// StorageConfig configures the SQLite stores.
type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`        // base directory, default .scout
	GraphDB       string `yaml:"graph_db"`        // navigation graph database
	ValuesDB      string `yaml:"values_db"`       // value table database
	OutboxDB      string `yaml:"outbox_db"`       // delivery queue database
	ValueCapacity int    `yaml:"value_capacity"`  // hard ceiling on value table size
	MinVisits     int    `yaml:"min_visits"`      // prune-first threshold
}

// OutboxConfig configures the durable delivery queue.
type OutboxConfig struct {
	Capacity     int    `yaml:"capacity"`      // max queued entries
	MaxRetries   int    `yaml:"max_retries"`   // drop ceiling per entry, clamped to [3,10]
	BackoffBase  string `yaml:"backoff_base"`  // base retry delay
	BackoffCap   string `yaml:"backoff_cap"`   // max retry delay
	FlushWorkers int    `yaml:"flush_workers"` // parallel per-destination flush goroutines
}

// SnapshotConfig configures the live snapshot adapter.
type SnapshotConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ControlURL string `yaml:"control_url"` // attach to an existing browser when set
	Headless   bool   `yaml:"headless"`
	Timeout    string `yaml:"timeout"`
}

// LoggingConfig configures categorized file logging (see internal/logging).
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "uiscout",
		Version: "0.3.0",

		Exploration: ExplorationConfig{
			CoverageTarget:    0.85,
			FullCoverageGoal:  true,
			MaxIterations:     500,
			NoProgressLimit:   5,
			RecoveryLimit:     3,
			Epsilon:           0.1,
			VetoWindow:        "300ms",
			MaxTrackedTargets: 25,
			MaxElementSummary: 20,
		},

		Storage: StorageConfig{
			DataDir:       ".scout",
			GraphDB:       "navgraph.db",
			ValuesDB:      "values.db",
			OutboxDB:      "outbox.db",
			ValueCapacity: 10000,
			MinVisits:     2,
		},

		Outbox: OutboxConfig{
			Capacity:     5000,
			MaxRetries:   5,
			BackoffBase:  "1s",
			BackoffCap:   "5m",
			FlushWorkers: 4,
		},

		Snapshot: SnapshotConfig{
			Enabled:  false,
			Headless: true,
			Timeout:  "30s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.validate()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.validate()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies SCOUT_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("SCOUT_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if target := os.Getenv("SCOUT_COVERAGE_TARGET"); target != "" {
		if v, err := strconv.ParseFloat(target, 64); err == nil {
			c.Exploration.CoverageTarget = v
		}
	}
	if iters := os.Getenv("SCOUT_MAX_ITERATIONS"); iters != "" {
		if v, err := strconv.Atoi(iters); err == nil {
			c.Exploration.MaxIterations = v
		}
	}
	if cap := os.Getenv("SCOUT_VALUE_CAPACITY"); cap != "" {
		if v, err := strconv.Atoi(cap); err == nil {
			c.Storage.ValueCapacity = v
		}
	}
	if retries := os.Getenv("SCOUT_OUTBOX_RETRIES"); retries != "" {
		if v, err := strconv.Atoi(retries); err == nil {
			c.Outbox.MaxRetries = v
		}
	}
	if url := os.Getenv("SCOUT_BROWSER_URL"); url != "" {
		c.Snapshot.ControlURL = url
		c.Snapshot.Enabled = true
	}
	if os.Getenv("SCOUT_DEBUG") == "1" {
		c.Logging.DebugMode = true
	}
}

// validate clamps out-of-range values instead of failing; a bad knob should
// never prevent an exploration run.
func (c *Config) validate() {
	if c.Exploration.CoverageTarget < 0 {
		c.Exploration.CoverageTarget = 0
	}
	if c.Exploration.CoverageTarget > 1 {
		c.Exploration.CoverageTarget = 1
	}
	if c.Exploration.NoProgressLimit <= 0 {
		c.Exploration.NoProgressLimit = 5
	}
	if c.Exploration.RecoveryLimit <= 0 {
		c.Exploration.RecoveryLimit = 3
	}
	if c.Exploration.MaxIterations <= 0 {
		c.Exploration.MaxIterations = 500
	}
	if c.Exploration.MaxElementSummary <= 0 || c.Exploration.MaxElementSummary > 20 {
		c.Exploration.MaxElementSummary = 20
	}
	if c.Exploration.MaxTrackedTargets <= 0 {
		c.Exploration.MaxTrackedTargets = 25
	}
	if c.Outbox.MaxRetries < 3 {
		c.Outbox.MaxRetries = 3
	}
	if c.Outbox.MaxRetries > 10 {
		c.Outbox.MaxRetries = 10
	}
	if c.Outbox.FlushWorkers <= 0 {
		c.Outbox.FlushWorkers = 4
	}
	if c.Storage.ValueCapacity <= 0 {
		c.Storage.ValueCapacity = 10000
	}
	if c.Storage.MinVisits < 0 {
		c.Storage.MinVisits = 0
	}
}

// BackoffBaseDuration parses the base retry delay, defaulting to 1s.
func (c OutboxConfig) BackoffBaseDuration() (time.Duration, error) {
	if c.BackoffBase == "" {
		return time.Second, nil
	}
	d, err := time.ParseDuration(c.BackoffBase)
	if err != nil {
		return time.Second, fmt.Errorf("invalid backoff_base %q: %w", c.BackoffBase, err)
	}
	if d <= 0 {
		return time.Second, fmt.Errorf("invalid backoff_base %q", c.BackoffBase)
	}
	return d, nil
}

// BackoffCapDuration parses the maximum retry delay, defaulting to 5m.
func (c OutboxConfig) BackoffCapDuration() (time.Duration, error) {
	if c.BackoffCap == "" {
		return 5 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.BackoffCap)
	if err != nil {
		return 5 * time.Minute, fmt.Errorf("invalid backoff_cap %q: %w", c.BackoffCap, err)
	}
	if d <= 0 {
		return 5 * time.Minute, fmt.Errorf("invalid backoff_cap %q", c.BackoffCap)
	}
	return d, nil
}

// GraphDBPath returns the absolute path of the navigation graph database.
func (c *Config) GraphDBPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.GraphDB)
}

// ValuesDBPath returns the absolute path of the value table database.
func (c *Config) ValuesDBPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.ValuesDB)
}

// OutboxDBPath returns the absolute path of the delivery queue database.
func (c *Config) OutboxDBPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.OutboxDB)
}
