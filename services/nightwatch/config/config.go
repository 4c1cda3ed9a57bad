// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the observatory configuration.
//
// Configuration sources in priority order:
//  1. Environment variables (NIGHTWATCH_*)
//  2. Explicit --config path
//  3. ./nightwatch.yaml
//  4. ~/.nightwatch/config.yaml
//  5. /etc/nightwatch/config.yaml
//  6. Built-in defaults
//
// Durations in the file are numeric seconds (park_timeout_sec: 45),
// not Go duration strings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/thoclabs/nightwatch/pkg/logging"
	"github.com/thoclabs/nightwatch/services/nightwatch/failsafe"
	"github.com/thoclabs/nightwatch/services/nightwatch/interlock"
	"github.com/thoclabs/nightwatch/services/nightwatch/watchdog"
)

var validate = validator.New()

// =============================================================================
// Sections
// =============================================================================

// SiteConfig describes the observatory site.
type SiteConfig struct {
	Name         string  `yaml:"name"`
	LatitudeDeg  float64 `yaml:"latitude_deg" validate:"gte=-90,lte=90"`
	LongitudeDeg float64 `yaml:"longitude_deg" validate:"gte=-180,lte=180"`
	ElevationM   float64 `yaml:"elevation_m" validate:"gte=-500,lte=9000"`
	Timezone     string  `yaml:"timezone"`
}

// FailsafeConfig is the file-facing fail-safe section. Durations are
// seconds; zero values fall back to the controller defaults.
type FailsafeConfig struct {
	ParkTimeoutSec  float64 `yaml:"park_timeout_sec" validate:"gte=0"`
	CloseTimeoutSec float64 `yaml:"close_timeout_sec" validate:"gte=0"`
	MaxParkRetries  int     `yaml:"max_park_retries" validate:"gte=0"`
	MaxCloseRetries int     `yaml:"max_close_retries" validate:"gte=0"`
	RetryDelaySec   float64 `yaml:"retry_delay_sec" validate:"gte=0"`
	SettleDelaySec  float64 `yaml:"settle_delay_sec" validate:"gte=0"`
	PollIntervalSec float64 `yaml:"poll_interval_sec" validate:"gte=0"`
	SafeAltitudeDeg float64 `yaml:"safe_altitude_deg" validate:"gte=0,lte=90"`
	HistorySize     int     `yaml:"history_size" validate:"gte=0"`
}

// Build converts the section into a controller configuration.
func (c FailsafeConfig) Build() failsafe.Config {
	out := failsafe.Config{
		ParkTimeout:     secs(c.ParkTimeoutSec),
		CloseTimeout:    secs(c.CloseTimeoutSec),
		MaxParkRetries:  c.MaxParkRetries,
		MaxCloseRetries: c.MaxCloseRetries,
		RetryDelay:      secs(c.RetryDelaySec),
		SettleDelay:     secs(c.SettleDelaySec),
		PollInterval:    secs(c.PollIntervalSec),
		SafeAltitudeDeg: c.SafeAltitudeDeg,
		HistorySize:     c.HistorySize,
	}
	out.ApplyDefaults()
	return out
}

// ServiceConfig is the file-facing watchdog service entry.
type ServiceConfig struct {
	Kind                 string  `yaml:"kind"`
	Name                 string  `yaml:"name" validate:"required"`
	HeartbeatIntervalSec float64 `yaml:"heartbeat_interval_sec" validate:"gte=0"`
	TimeoutSec           float64 `yaml:"timeout_sec" validate:"gte=0"`
	MaxRestartAttempts   int     `yaml:"max_restart_attempts" validate:"gte=0"`
	RestartCooldownSec   float64 `yaml:"restart_cooldown_sec" validate:"gte=0"`
	BackoffFactor        float64 `yaml:"backoff_factor" validate:"gte=0"`
	MaxCooldownSec       float64 `yaml:"max_cooldown_sec" validate:"gte=0"`
	FailureThreshold     int     `yaml:"failure_threshold" validate:"gte=0"`
	Critical             bool    `yaml:"critical"`
}

// Build converts the entry into a watchdog service configuration.
func (c ServiceConfig) Build() watchdog.ServiceConfig {
	out := watchdog.ServiceConfig{
		Kind:               watchdog.ServiceKind(c.Kind),
		Name:               c.Name,
		HeartbeatInterval:  secs(c.HeartbeatIntervalSec),
		Timeout:            secs(c.TimeoutSec),
		MaxRestartAttempts: c.MaxRestartAttempts,
		RestartCooldown:    secs(c.RestartCooldownSec),
		BackoffFactor:      c.BackoffFactor,
		MaxCooldown:        secs(c.MaxCooldownSec),
		FailureThreshold:   c.FailureThreshold,
		Critical:           c.Critical,
	}
	out.ApplyDefaults()
	return out
}

// WatchdogConfig is the file-facing watchdog section.
type WatchdogConfig struct {
	PollIntervalSec float64         `yaml:"poll_interval_sec" validate:"gte=0"`
	Services        []ServiceConfig `yaml:"services"`
}

// PollInterval returns the monitor loop period. Default: 5s.
func (c WatchdogConfig) PollInterval() time.Duration {
	if c.PollIntervalSec <= 0 {
		return 5 * time.Second
	}
	return secs(c.PollIntervalSec)
}

// ServiceConfigs returns the configured services, or the standard
// observatory profile when the file lists none.
func (c WatchdogConfig) ServiceConfigs() []watchdog.ServiceConfig {
	if len(c.Services) == 0 {
		return watchdog.DefaultServiceConfigs()
	}
	out := make([]watchdog.ServiceConfig, 0, len(c.Services))
	for _, svc := range c.Services {
		out = append(out, svc.Build())
	}
	return out
}

// ServerConfig configures the status/diagnostics API.
type ServerConfig struct {
	Host            string  `yaml:"host"`
	Port            int     `yaml:"port" validate:"gte=1,lte=65535"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" validate:"gt=0"`
	RateBurst       int     `yaml:"rate_burst" validate:"gte=1"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// =============================================================================
// Top-Level Configuration
// =============================================================================

// Config is the full observatory configuration.
type Config struct {
	Site      SiteConfig       `yaml:"site"`
	Logging   logging.Config   `yaml:"logging"`
	Interlock interlock.Config `yaml:"interlock"`
	Failsafe  FailsafeConfig   `yaml:"failsafe"`
	Watchdog  WatchdogConfig   `yaml:"watchdog"`
	Server    ServerConfig     `yaml:"server"`
	Simulate  bool             `yaml:"simulate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			Name:         "NIGHTWATCH Observatory",
			LatitudeDeg:  38.9,
			LongitudeDeg: -117.4,
			ElevationM:   1800,
			Timezone:     "America/Los_Angeles",
		},
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Service: "nightwatch",
		},
		Interlock: interlock.DefaultConfig(),
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8089,
			RateLimitPerSec: 10,
			RateBurst:       20,
		},
	}
}

// ApplyDefaults fills in zero-valued fields of the nested sections.
func (c *Config) ApplyDefaults() {
	c.Interlock.ApplyDefaults()
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8089
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 20
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fs := c.Failsafe.Build()
	if err := fs.Validate(); err != nil {
		return err
	}
	for i := range c.Watchdog.Services {
		svc := c.Watchdog.Services[i].Build()
		if err := svc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Loading
// =============================================================================

// DefaultPaths returns the config discovery locations in priority
// order (first existing file wins).
func DefaultPaths() []string {
	paths := []string{
		"./nightwatch.yaml",
		"./nightwatch.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".nightwatch", "config.yaml"),
			filepath.Join(home, ".nightwatch", "config.yml"),
		)
	}
	paths = append(paths, "/etc/nightwatch/config.yaml")
	return paths
}

// Load reads the configuration.
//
// Description: starts from the built-in defaults, overlays the first
// config file found (or the explicit path), then the environment
// overrides, and validates the result.
//
// Inputs:
//   - path: explicit config file, or "" for discovery.
//
// Outputs:
//   - *Config: validated configuration.
//   - error: missing explicit file, parse failure, or invalid values.
func Load(path string) (*Config, error) {
	cfg := Default()

	file := path
	if file == "" {
		for _, candidate := range DefaultPaths() {
			if _, err := os.Stat(candidate); err == nil {
				file = candidate
				break
			}
		}
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", file, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the supported NIGHTWATCH_* variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NIGHTWATCH_LOG_LEVEL"); v != "" {
		if level, err := logging.ParseLevel(v); err == nil {
			cfg.Logging.Level = level
		}
	}
	if v := os.Getenv("NIGHTWATCH_LOG_DIR"); v != "" {
		cfg.Logging.LogDir = v
	}
	if v := os.Getenv("NIGHTWATCH_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("NIGHTWATCH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("NIGHTWATCH_SIMULATE"); v != "" {
		if sim, err := strconv.ParseBool(v); err == nil {
			cfg.Simulate = sim
		}
	}
}

// secs converts fractional seconds to a duration.
func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
