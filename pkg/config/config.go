// Package config loads flowsched's configuration from YAML with a
// handful of environment-variable overrides for host-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects which scheduler implementation is active.
type Backend string

const (
	BackendCluster Backend = "cluster"
	BackendLocal   Backend = "local"
)

// Config is the root configuration object.
type Config struct {
	Version   string          `yaml:"version"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Local     LocalConfig     `yaml:"local"`
	Logging   LoggingConfig   `yaml:"logging"`
	Staging   StagingConfig   `yaml:"staging"`
}

// SchedulerConfig selects and times the active backend.
type SchedulerConfig struct {
	Backend         Backend       `yaml:"backend"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ClusterConfig configures the DRMAA-backed cluster scheduler.
type ClusterConfig struct {
	// ParallelConfigNames maps a parallel-job configuration name
	// (as referenced by a JobTemplate) to the cluster-specific
	// configuration name DRMAA expects.
	ParallelConfigNames map[string]string `yaml:"parallel_config_names"`

	// ParallelAttributeTemplates maps DRMAA attribute names to a
	// template string containing the placeholders {config_name} and
	// {max_node}.
	ParallelAttributeTemplates map[string]string `yaml:"parallel_attribute_templates"`

	// ParallelJobEnv lists environment variable keys to propagate
	// (as KEY=VALUE, right-trimmed) into the DRMAA template's
	// environment vector for parallel jobs.
	ParallelJobEnv []string `yaml:"parallel_job_env"`
}

// LocalConfig configures the local process-pool scheduler.
type LocalConfig struct {
	ProcNb       int           `yaml:"proc_nb"`
	MaxProcNb    int           `yaml:"max_proc_nb"`
	TickInterval time.Duration `yaml:"tick_interval"`

	// SingleCPUIdleThreshold/MultiCPUIdleThreshold are the idle-
	// fraction thresholds from the admission headroom rule.
	SingleCPUIdleThreshold float64 `yaml:"single_cpu_idle_threshold"`
	MultiCPUIdleThreshold  float64 `yaml:"multi_cpu_idle_threshold"`
	SampleMinInterval      time.Duration `yaml:"sample_min_interval"`
}

// LoggingConfig controls the process-wide default logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StagingConfig names the shared directory used to generate local
// paths for transfers and auto-assigned stdout/stderr files.
type StagingConfig struct {
	Directory string `yaml:"directory"`
}

// Default returns the built-in configuration used when no config file
// is present.
func Default() Config {
	return Config{
		Version: "1.0",
		Scheduler: SchedulerConfig{
			Backend:         BackendLocal,
			RefreshInterval: time.Second,
		},
		Cluster: ClusterConfig{
			ParallelConfigNames:        map[string]string{},
			ParallelAttributeTemplates: map[string]string{},
			ParallelJobEnv:             nil,
		},
		Local: LocalConfig{
			ProcNb:                 1,
			MaxProcNb:              0,
			TickInterval:           200 * time.Millisecond,
			SingleCPUIdleThreshold: 0.2,
			MultiCPUIdleThreshold:  0.8,
			SampleMinInterval:      100 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "INFO"},
		Staging: StagingConfig{Directory: "/var/lib/flowsched/staging"},
	}
}

// Load builds a Config starting from Default, overlaying the first
// YAML file found among the candidate paths (FLOWSCHED_CONFIG_PATH
// env var first, then the fixed search list), then applying
// environment-variable overrides. Returns the path that was loaded,
// or "built-in defaults (no config file found)" if none was found.
func Load() (*Config, string, error) {
	cfg := Default()

	path, err := loadFromFile(&cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	if v := os.Getenv("FLOWSCHED_STAGING_DIR"); v != "" {
		cfg.Staging.Directory = v
	}
	if v := os.Getenv("FLOWSCHED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLOWSCHED_BACKEND"); v != "" {
		cfg.Scheduler.Backend = Backend(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, path, nil
}

func loadFromFile(cfg *Config) (string, error) {
	candidates := []string{
		os.Getenv("FLOWSCHED_CONFIG_PATH"),
		"./flowsched.yml",
		"./config/flowsched.yml",
		"/etc/flowsched/flowsched.yml",
	}

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return path, nil
	}

	return "built-in defaults (no config file found)", nil
}

// Validate rejects configurations the schedulers could not run with.
func (c *Config) Validate() error {
	if c.Scheduler.Backend != BackendCluster && c.Scheduler.Backend != BackendLocal {
		return fmt.Errorf("invalid scheduler backend: %q", c.Scheduler.Backend)
	}
	if c.Scheduler.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if c.Local.ProcNb < 0 {
		return fmt.Errorf("local.proc_nb cannot be negative")
	}
	if c.Local.MaxProcNb < 0 {
		return fmt.Errorf("local.max_proc_nb cannot be negative")
	}
	if !filepath.IsAbs(c.Staging.Directory) {
		return fmt.Errorf("staging.directory must be an absolute path: %s", c.Staging.Directory)
	}
	return nil
}
