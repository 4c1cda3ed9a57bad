// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoclabs/nightwatch/pkg/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nightwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "NIGHTWATCH Observatory", cfg.Site.Name)
	assert.True(t, cfg.Interlock.RequireEnclosure)
	assert.Equal(t, "127.0.0.1:8089", cfg.Server.Addr())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read")
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
site:
  name: Ridge Station
  latitude_deg: 40.1
interlock:
  horizon_limit_deg: 20
  require_enclosure: false
failsafe:
  park_timeout_sec: 30
  safe_altitude_deg: 50
watchdog:
  poll_interval_sec: 2
  services:
    - kind: mount
      name: mount
      heartbeat_interval_sec: 5
      critical: true
server:
  port: 9200
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Ridge Station", cfg.Site.Name)
	assert.InDelta(t, 40.1, cfg.Site.LatitudeDeg, 0.001)
	// Untouched defaults survive the overlay.
	assert.InDelta(t, -117.4, cfg.Site.LongitudeDeg, 0.001)

	assert.InDelta(t, 20, cfg.Interlock.HorizonLimitDeg, 0.001)
	assert.False(t, cfg.Interlock.RequireEnclosure)

	fs := cfg.Failsafe.Build()
	assert.Equal(t, 30*time.Second, fs.ParkTimeout)
	assert.InDelta(t, 50, fs.SafeAltitudeDeg, 0.001)
	// Unset fields pick up controller defaults.
	assert.Equal(t, 45*time.Second, fs.CloseTimeout)

	assert.Equal(t, 2*time.Second, cfg.Watchdog.PollInterval())
	services := cfg.Watchdog.ServiceConfigs()
	require.Len(t, services, 1)
	assert.Equal(t, "mount", services[0].Name)
	assert.Equal(t, 5*time.Second, services[0].HeartbeatInterval)
	assert.Equal(t, 10*time.Second, services[0].Timeout)
	assert.True(t, services[0].Critical)

	assert.Equal(t, "127.0.0.1:9200", cfg.Server.Addr())
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "site: [broken")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 99999
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadLatitude(t *testing.T) {
	path := writeConfig(t, `
site:
  latitude_deg: 120
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NIGHTWATCH_LOG_LEVEL", "debug")
	t.Setenv("NIGHTWATCH_SERVER_HOST", "0.0.0.0")
	t.Setenv("NIGHTWATCH_SERVER_PORT", "9999")
	t.Setenv("NIGHTWATCH_SIMULATE", "true")

	path := writeConfig(t, "site:\n  name: Env Test\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Addr())
	assert.True(t, cfg.Simulate)
}

func TestLoadWithoutAnyFileUsesDefaults(t *testing.T) {
	// Run discovery from an empty directory.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "NIGHTWATCH Observatory", cfg.Site.Name)
}

func TestFailsafeBuildDefaults(t *testing.T) {
	fs := FailsafeConfig{}.Build()
	assert.Equal(t, 60*time.Second, fs.ParkTimeout)
	assert.Equal(t, 3, fs.MaxParkRetries)
	assert.InDelta(t, 60, fs.SafeAltitudeDeg, 0.001)
}

func TestServiceBuildDurations(t *testing.T) {
	svc := ServiceConfig{
		Kind:                 "guider",
		Name:                 "guider",
		HeartbeatIntervalSec: 0.5,
		TimeoutSec:           2,
	}.Build()
	assert.Equal(t, 500*time.Millisecond, svc.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, svc.Timeout)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "site:\n  name: Before\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, &WatcherOptions{
		DebounceWindow: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("site:\n  name: After\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "After", cfg.Site.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("reload never fired")
	}
}

func TestWatcherKeepsOldConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, "site:\n  name: Good\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, &WatcherOptions{
		DebounceWindow: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("site: [broken"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config must not be delivered, got %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := writeConfig(t, "site:\n  name: X\n")
	w, err := NewWatcher(path, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	require.NotPanics(t, w.Stop)
}

func TestDefaultPathsOrder(t *testing.T) {
	paths := DefaultPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, "./nightwatch.yaml", paths[0])
	assert.Equal(t, "/etc/nightwatch/config.yaml", paths[len(paths)-1])
}
