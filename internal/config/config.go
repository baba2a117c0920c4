// Package config loads agent loop tuning from a YAML file, with environment
// variable expansion and optional hot reload via fsnotify, the way the
// teacher's internal/config package layers file config under env overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaycore/agentcore/internal/agent"
)

// Config mirrors the tunable fields of agent.LoopConfig and
// agent.ExecutorConfig, plus the default model/system prompt, in a form
// that round-trips to YAML.
type Config struct {
	Model  string `yaml:"model"`
	System string `yaml:"system"`

	MaxIterations      int     `yaml:"max_iterations"`
	MaxErrorRetries    int     `yaml:"max_error_retries"`
	RetryDelay         string  `yaml:"retry_delay"`
	RetryBackoffFactor float64 `yaml:"retry_backoff_factor"`
	MaxRetryDelay      string  `yaml:"max_retry_delay"`
	DoomLoopThreshold  int     `yaml:"doom_loop_threshold"`

	MaxConcurrency  int    `yaml:"max_concurrency"`
	DefaultTimeout  string `yaml:"default_timeout"`
	DefaultRetries  int    `yaml:"default_retries"`
	RetryBackoff    string `yaml:"retry_backoff"`
	MaxRetryBackoff string `yaml:"max_retry_backoff"`

	AllowedTools []string `yaml:"allowed_tools"`
}

// Load reads a YAML config file, expanding ${VAR} references against the
// process environment the way the teacher's loader.go does before parsing,
// so secrets and per-deployment values never need to live in the file
// itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// LoopConfig converts the file-level config into an agent.LoopConfig with
// agent.DefaultLoopConfig() supplying any field left at its zero value.
func (c *Config) LoopConfig() *agent.LoopConfig {
	cfg := agent.DefaultLoopConfig()

	if c.MaxIterations > 0 {
		cfg.MaxIterations = c.MaxIterations
	}
	if c.MaxErrorRetries > 0 {
		cfg.MaxErrorRetries = c.MaxErrorRetries
	}
	if d, ok := parseDuration(c.RetryDelay); ok {
		cfg.RetryDelay = d
	}
	if c.RetryBackoffFactor > 0 {
		cfg.RetryBackoffFactor = c.RetryBackoffFactor
	}
	if d, ok := parseDuration(c.MaxRetryDelay); ok {
		cfg.MaxRetryDelay = d
	}
	if c.DoomLoopThreshold > 0 {
		cfg.DoomLoopThreshold = c.DoomLoopThreshold
	}
	cfg.ExecutorConfig = c.ExecutorConfig()
	return cfg
}

// ExecutorConfig converts the file-level config into an agent.ExecutorConfig
// with agent.DefaultExecutorConfig() supplying any field left unset.
func (c *Config) ExecutorConfig() *agent.ExecutorConfig {
	cfg := agent.DefaultExecutorConfig()

	if c.MaxConcurrency > 0 {
		cfg.MaxConcurrency = c.MaxConcurrency
	}
	if d, ok := parseDuration(c.DefaultTimeout); ok {
		cfg.DefaultTimeout = d
	}
	if c.DefaultRetries > 0 {
		cfg.DefaultRetries = c.DefaultRetries
	}
	if d, ok := parseDuration(c.RetryBackoff); ok {
		cfg.RetryBackoff = d
	}
	if d, ok := parseDuration(c.MaxRetryBackoff); ok {
		cfg.MaxRetryBackoff = d
	}
	return cfg
}

func parseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
