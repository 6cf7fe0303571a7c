// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the codec-bridge configuration.
//
// Configuration comes from a single YAML file named by the
// LANTERNVIEW_CONFIG environment variable or a --config flag. There
// are no search paths or automatic discovery: one file, explicitly
// named, so a running system's configuration is always auditable.
// Every omitted field gets a documented default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no explicit
// path is given.
const EnvVar = "LANTERNVIEW_CONFIG"

// Defaults for every tunable, used whenever the config file omits a
// field.
const (
	DefaultRequestTimeout  = 3 * time.Second
	DefaultShutdownGrace   = 2 * time.Second
	DefaultRestartAttempts = 3
	DefaultMaxInFlight     = 4
)

// Config is the codec-bridge subsystem configuration.
type Config struct {
	// CodecHostBinary is the path of the codec host executable the
	// supervisor spawns. Required for supervised operation; commands
	// that only inspect configuration may leave it empty.
	CodecHostBinary string `yaml:"codec_host_binary"`

	// Plugins lists decoder plugin files to load into the codec host
	// after each (re)start, in order.
	Plugins []string `yaml:"plugins"`

	// RequestTimeout bounds one control-channel request. A request
	// that misses the deadline resolves as a timeout and the codec
	// host is forcibly replaced.
	RequestTimeout Duration `yaml:"request_timeout"`

	// ShutdownGrace is how long a graceful shutdown waits for the
	// codec host to acknowledge and exit before escalating to kill.
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	// RestartAttempts is the number of consecutive crash or timeout
	// cycles tolerated for one decoder before it is blacklisted.
	RestartAttempts int `yaml:"restart_attempts"`

	// MaxInFlight caps concurrently outstanding image transfers, and
	// with them the number of simultaneously mapped shared buffers.
	MaxInFlight int `yaml:"max_in_flight"`

	// StateDir holds the supervisor's persisted state (blacklist,
	// crash journal). Defaults to the user cache directory.
	StateDir string `yaml:"state_dir"`
}

// Duration is a time.Duration that unmarshals from YAML duration
// strings ("3s", "1500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration %q must be positive", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config populated entirely with defaults.
func Default() Config {
	config := Config{}
	config.applyDefaults()
	return config
}

// Load reads the configuration file at path. When path is empty, the
// LANTERNVIEW_CONFIG environment variable names the file; when that is
// also empty, Load returns Default(): the subsystem is fully
// functional on defaults alone once a codec host binary is supplied.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var config Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		// io.EOF means an empty file, which is valid: all defaults.
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	if c.RestartAttempts == 0 {
		c.RestartAttempts = DefaultRestartAttempts
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.StateDir == "" {
		if cacheDir, err := os.UserCacheDir(); err == nil {
			c.StateDir = cacheDir + "/lanternview"
		} else {
			c.StateDir = "/tmp/lanternview"
		}
	}
}

func (c *Config) validate() error {
	if c.RestartAttempts < 1 {
		return fmt.Errorf("restart_attempts %d must be >= 1", c.RestartAttempts)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight %d must be >= 1", c.MaxInFlight)
	}
	return nil
}
