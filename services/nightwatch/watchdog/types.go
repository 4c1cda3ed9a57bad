// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package watchdog

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Service States and Kinds
// =============================================================================

// ServiceState is the health state of a supervised service.
type ServiceState int

const (
	// StateUnknown means no heartbeat has been seen yet.
	StateUnknown ServiceState = iota

	// StateHealthy means heartbeats arrive within the interval.
	StateHealthy

	// StateDegraded means the service missed a heartbeat but has
	// not yet been declared failed.
	StateDegraded

	// StateFailed means the service is considered down.
	StateFailed

	// StateRestarting means a restart attempt is in progress.
	StateRestarting

	// StateStopped means the service was stopped deliberately.
	StateStopped
)

// String returns the lowercase wire name of the state.
func (s ServiceState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// MarshalJSON encodes the state as its wire name.
func (s ServiceState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ServiceKind categorizes a supervised service.
type ServiceKind string

const (
	KindMount     ServiceKind = "mount"
	KindWeather   ServiceKind = "weather"
	KindCamera    ServiceKind = "camera"
	KindGuider    ServiceKind = "guider"
	KindFocuser   ServiceKind = "focuser"
	KindEnclosure ServiceKind = "enclosure"
	KindPower     ServiceKind = "power"
)

// =============================================================================
// Service Configuration
// =============================================================================

// RestartFunc is the external hook that restarts one service.
type RestartFunc func(ctx context.Context, name string) error

// ServiceConfig configures supervision for one service.
type ServiceConfig struct {
	// Kind categorizes the service.
	Kind ServiceKind `yaml:"kind"`

	// Name uniquely identifies the service.
	Name string `yaml:"name" validate:"required"`

	// HeartbeatInterval is how often the service must report in.
	// Default: 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// Timeout is how long without a heartbeat before the service
	// is considered unresponsive. Raised to 2x HeartbeatInterval
	// when configured lower.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRestartAttempts bounds automatic restarts per failure
	// episode. Default: 3.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// RestartCooldown is the base wait between restart attempts.
	// Default: 60s.
	RestartCooldown time.Duration `yaml:"restart_cooldown"`

	// BackoffFactor grows the cooldown per attempt. Default: 2.
	BackoffFactor float64 `yaml:"backoff_factor"`

	// MaxCooldown caps the grown cooldown. Default: 10m.
	MaxCooldown time.Duration `yaml:"max_cooldown"`

	// FailureThreshold is the consecutive-miss (or reported-error)
	// count that promotes degraded to failed. Default: 3.
	FailureThreshold int `yaml:"failure_threshold"`

	// Critical marks services whose restart exhaustion triggers a
	// fail-safe emergency response.
	Critical bool `yaml:"critical"`

	// Restart is the external start hook invoked on a restart
	// attempt. Optional; without it the attempt is counted but
	// nothing is launched.
	Restart RestartFunc `yaml:"-"`
}

// ApplyDefaults fills in zero-valued fields and enforces the
// timeout floor.
func (c *ServiceConfig) ApplyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Timeout < 2*c.HeartbeatInterval {
		c.Timeout = 2 * c.HeartbeatInterval
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 3
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = 60 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
}

// Validate checks the configuration.
func (c *ServiceConfig) Validate() error {
	if c.Name == "" {
		return errors.New("watchdog: service name is required")
	}
	return nil
}

// =============================================================================
// Service Status
// =============================================================================

// ServiceStatus is a read-only snapshot of one supervised service.
type ServiceStatus struct {
	Kind                ServiceKind  `json:"kind"`
	Name                string       `json:"name"`
	State               ServiceState `json:"state"`
	Critical            bool         `json:"critical"`
	LastHeartbeat       time.Time    `json:"last_heartbeat,omitzero"`
	LastError           string       `json:"last_error,omitempty"`
	RestartCount        int          `json:"restart_count"`
	LastRestart         time.Time    `json:"last_restart,omitzero"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// Healthy reports whether the service is in the healthy state.
func (s ServiceStatus) Healthy() bool {
	return s.State == StateHealthy
}

// Failed reports whether the service is in the failed state.
func (s ServiceStatus) Failed() bool {
	return s.State == StateFailed
}
