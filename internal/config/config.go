// ============================================================================
// Cuckoo-Mine Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Loads and validates the YAML configuration the mining client
// consumes. The core receives a validated Config value; no environment
// variables are part of the contract.
//
// Validation policy:
//   Configuration problems are fatal at startup. A bad node address or a
//   missing plugin directory surfaces as an error before any component
//   starts, never as a runtime surprise.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrConfig marks a fatal startup configuration problem.
	ErrConfig = errors.New("invalid configuration")
)

// Config is the complete client configuration, mapped from the YAML file.
// Durations are carried as integer milliseconds in the file and exposed as
// time.Duration through accessor methods.
type Config struct {
	Node struct {
		Addr  string `yaml:"addr"`  // host:port of the stratum node
		Login string `yaml:"login"` // login / wallet identity
		Pass  string `yaml:"pass"`
		Agent string `yaml:"agent"` // agent string reported at login
	} `yaml:"node"`

	Plugins struct {
		Dir              string            `yaml:"dir"`               // directory of solver plugin binaries
		Filter           string            `yaml:"filter"`            // substring filter on plugin names, empty = all
		DefaultInstances int               `yaml:"default_instances"` // instances per plugin unless overridden
		InstanceCounts   map[string]int    `yaml:"instance_counts"`   // per-plugin instance override, by plugin name
		Devices          map[string]string `yaml:"devices"`           // per-plugin device selector
		ReloadBudget     int               `yaml:"reload_budget"`     // errored-instance reloads before permanent unload
	} `yaml:"plugins"`

	Mining struct {
		PollIntervalMs    int `yaml:"poll_interval_ms"`    // solution/stat poll cadence
		LivenessTimeoutMs int `yaml:"liveness_timeout_ms"` // no stat progress while solving -> errored
		ShareGraceMs      int `yaml:"share_grace_ms"`      // window a superseded job's shares stay submittable
		CancelGraceMs     int `yaml:"cancel_grace_ms"`     // time an instance may take to quiesce after cancel
	} `yaml:"mining"`

	Stratum struct {
		KeepaliveIntervalMs int     `yaml:"keepalive_interval_ms"` // inbound silence before a keepalive is sent
		ResponseTimeoutMs   int     `yaml:"response_timeout_ms"`   // inbound silence treated as connection failure
		BackoffBaseMs       int     `yaml:"backoff_base_ms"`
		BackoffMaxMs        int     `yaml:"backoff_max_ms"`
		BackoffJitter       float64 `yaml:"backoff_jitter"` // fraction of the delay randomized, 0..1
	} `yaml:"stratum"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Load reads and parses the YAML file at path and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for fatal problems. It fills defaults
// for optional fields before checking the required ones.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Node.Addr == "" {
		return fmt.Errorf("%w: node.addr is required", ErrConfig)
	}
	host, port, err := net.SplitHostPort(c.Node.Addr)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("%w: node.addr %q is not host:port", ErrConfig, c.Node.Addr)
	}

	if c.Plugins.Dir == "" {
		return fmt.Errorf("%w: plugins.dir is required", ErrConfig)
	}
	info, err := os.Stat(c.Plugins.Dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: plugins.dir %q is not a directory", ErrConfig, c.Plugins.Dir)
	}

	for name, n := range c.Plugins.InstanceCounts {
		if n <= 0 {
			return fmt.Errorf("%w: plugins.instance_counts[%s] must be positive", ErrConfig, name)
		}
	}

	for field, v := range map[string]int{
		"mining.poll_interval_ms":       c.Mining.PollIntervalMs,
		"mining.liveness_timeout_ms":    c.Mining.LivenessTimeoutMs,
		"mining.share_grace_ms":         c.Mining.ShareGraceMs,
		"mining.cancel_grace_ms":        c.Mining.CancelGraceMs,
		"stratum.keepalive_interval_ms": c.Stratum.KeepaliveIntervalMs,
		"stratum.response_timeout_ms":   c.Stratum.ResponseTimeoutMs,
		"stratum.backoff_base_ms":       c.Stratum.BackoffBaseMs,
		"stratum.backoff_max_ms":        c.Stratum.BackoffMaxMs,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrConfig, field)
		}
	}

	if c.Stratum.ResponseTimeoutMs <= c.Stratum.KeepaliveIntervalMs {
		return fmt.Errorf("%w: stratum.response_timeout_ms must exceed keepalive_interval_ms", ErrConfig)
	}
	if c.Stratum.BackoffJitter < 0 || c.Stratum.BackoffJitter > 1 {
		return fmt.Errorf("%w: stratum.backoff_jitter must be in [0, 1]", ErrConfig)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port %d out of range", ErrConfig, c.Metrics.Port)
	}

	return nil
}

// applyDefaults fills operational tuning fields left unset in the file.
func (c *Config) applyDefaults() {
	if c.Node.Agent == "" {
		c.Node.Agent = "cuckoo-mine/1.0"
	}
	if c.Plugins.DefaultInstances <= 0 {
		c.Plugins.DefaultInstances = 1
	}
	if c.Plugins.ReloadBudget <= 0 {
		c.Plugins.ReloadBudget = 3
	}
	if c.Mining.PollIntervalMs == 0 {
		c.Mining.PollIntervalMs = 100
	}
	if c.Mining.LivenessTimeoutMs == 0 {
		c.Mining.LivenessTimeoutMs = 30000
	}
	if c.Mining.ShareGraceMs == 0 {
		c.Mining.ShareGraceMs = 5000
	}
	if c.Mining.CancelGraceMs == 0 {
		c.Mining.CancelGraceMs = 2000
	}
	if c.Stratum.KeepaliveIntervalMs == 0 {
		c.Stratum.KeepaliveIntervalMs = 30000
	}
	if c.Stratum.ResponseTimeoutMs == 0 {
		c.Stratum.ResponseTimeoutMs = 90000
	}
	if c.Stratum.BackoffBaseMs == 0 {
		c.Stratum.BackoffBaseMs = 1000
	}
	if c.Stratum.BackoffMaxMs == 0 {
		c.Stratum.BackoffMaxMs = 60000
	}
}

// Duration accessors. The YAML carries integer milliseconds; components
// consume time.Duration.

func (c *Config) PollInterval() time.Duration    { return ms(c.Mining.PollIntervalMs) }
func (c *Config) LivenessTimeout() time.Duration { return ms(c.Mining.LivenessTimeoutMs) }
func (c *Config) ShareGrace() time.Duration      { return ms(c.Mining.ShareGraceMs) }
func (c *Config) CancelGrace() time.Duration     { return ms(c.Mining.CancelGraceMs) }

func (c *Config) KeepaliveInterval() time.Duration { return ms(c.Stratum.KeepaliveIntervalMs) }
func (c *Config) ResponseTimeout() time.Duration   { return ms(c.Stratum.ResponseTimeoutMs) }
func (c *Config) BackoffBase() time.Duration       { return ms(c.Stratum.BackoffBaseMs) }
func (c *Config) BackoffMax() time.Duration        { return ms(c.Stratum.BackoffMaxMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
