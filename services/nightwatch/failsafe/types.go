// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package failsafe

import (
	"errors"
	"time"
)

// =============================================================================
// Emergency Kinds
// =============================================================================

// EmergencyKind identifies what triggered a fail-safe response.
type EmergencyKind string

const (
	Rain              EmergencyKind = "rain"
	HighWind          EmergencyKind = "high_wind"
	PowerFailure      EmergencyKind = "power_failure"
	LowBattery        EmergencyKind = "low_battery"
	WeatherUnsafe     EmergencyKind = "weather_unsafe"
	CommunicationLost EmergencyKind = "communication_lost"
	EquipmentFailure  EmergencyKind = "equipment_failure"
	SensorFailure     EmergencyKind = "sensor_failure"
	UserTriggered     EmergencyKind = "user_triggered"
)

// =============================================================================
// Response States
// =============================================================================

// ResponseState is the fail-safe state machine position.
type ResponseState int

const (
	// StateIdle means no response is active.
	StateIdle ResponseState = iota

	// StateResponding means a response sequence has begun.
	StateResponding

	// StateParking means the emergency park primitive is running.
	StateParking

	// StateClosing means the emergency close primitive is running.
	StateClosing

	// StateAlerting means alerts are being dispatched.
	StateAlerting

	// StateCompleted means the last response finished cleanly.
	StateCompleted

	// StateFailed means the last response finished with errors.
	StateFailed
)

// String returns the lowercase wire name of the state.
func (s ResponseState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResponding:
		return "responding"
	case StateParking:
		return "parking"
	case StateClosing:
		return "closing"
	case StateAlerting:
		return "alerting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its wire name.
func (s ResponseState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Terminal reports whether the state is a rest state (idle,
// completed, or failed).
func (s ResponseState) Terminal() bool {
	switch s {
	case StateIdle, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// =============================================================================
// Alert Levels
// =============================================================================

// AlertLevel is the alert escalation severity.
type AlertLevel int

const (
	AlertInfo AlertLevel = iota
	AlertWarning
	AlertCritical
	AlertEmergency
)

// String returns the lowercase wire name of the level.
func (l AlertLevel) String() string {
	switch l {
	case AlertInfo:
		return "info"
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	case AlertEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Escalate returns the next severity level, ceiling at emergency.
func (l AlertLevel) Escalate() AlertLevel {
	switch l {
	case AlertInfo:
		return AlertWarning
	case AlertWarning:
		return AlertCritical
	case AlertCritical:
		return AlertEmergency
	default:
		return AlertEmergency
	}
}

// AlertCallback receives one alert notification. Callbacks are
// invoked synchronously; panics are recovered and logged per
// callback so one bad sink cannot starve the others.
type AlertCallback func(message string, kind EmergencyKind)

// =============================================================================
// Emergency Events
// =============================================================================

// EmergencyEvent records one fail-safe response instance. It is
// mutated only while the response runs and is append-only once it
// reaches the history.
type EmergencyEvent struct {
	// Kind is what triggered the response.
	Kind EmergencyKind `json:"kind"`

	// Timestamp is when the trigger fired.
	Timestamp time.Time `json:"timestamp"`

	// Description is the human-readable trigger summary.
	Description string `json:"description"`

	// State is the event's final (or current) state.
	State ResponseState `json:"state"`

	// ResponseStarted/ResponseCompleted bracket the sequence.
	ResponseStarted   time.Time `json:"response_started"`
	ResponseCompleted time.Time `json:"response_completed,omitzero"`

	// AlertsSent is the ordered log of alert lines dispatched.
	AlertsSent []string `json:"alerts_sent,omitempty"`

	// ActionsTaken is the ordered log of actuator outcomes.
	ActionsTaken []string `json:"actions_taken,omitempty"`

	// Errors is the ordered log of failures during the response.
	Errors []string `json:"errors,omitempty"`
}

// clone returns a deep copy so history reads never alias live state.
func (e EmergencyEvent) clone() EmergencyEvent {
	out := e
	out.AlertsSent = append([]string(nil), e.AlertsSent...)
	out.ActionsTaken = append([]string(nil), e.ActionsTaken...)
	out.Errors = append([]string(nil), e.Errors...)
	return out
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the fail-safe response behavior.
type Config struct {
	// ParkTimeout bounds one park attempt's completion poll.
	ParkTimeout time.Duration `yaml:"park_timeout" validate:"gt=0"`

	// CloseTimeout bounds one close attempt's completion poll.
	CloseTimeout time.Duration `yaml:"close_timeout" validate:"gt=0"`

	// MaxParkRetries is the park attempt limit.
	MaxParkRetries int `yaml:"max_park_retries" validate:"gte=1"`

	// MaxCloseRetries is the close attempt limit.
	MaxCloseRetries int `yaml:"max_close_retries" validate:"gte=1"`

	// RetryDelay separates consecutive attempts.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`

	// SettleDelay follows a motion stop before the next command.
	SettleDelay time.Duration `yaml:"settle_delay" validate:"gte=0"`

	// PollInterval paces the completion polls.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// SafeAltitudeDeg is the pointing altitude below which the
	// telescope clears the roof travel path. Hand-tuned for the
	// site; no physical derivation.
	SafeAltitudeDeg float64 `yaml:"safe_altitude_deg" validate:"gt=0,lte=90"`

	// HistorySize bounds the in-memory event history.
	HistorySize int `yaml:"history_size" validate:"gte=1"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ParkTimeout <= 0 {
		c.ParkTimeout = 60 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 45 * time.Second
	}
	if c.MaxParkRetries <= 0 {
		c.MaxParkRetries = 3
	}
	if c.MaxCloseRetries <= 0 {
		c.MaxCloseRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SafeAltitudeDeg <= 0 {
		c.SafeAltitudeDeg = 60
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.PollInterval > c.ParkTimeout {
		return errors.New("failsafe: poll interval exceeds park timeout")
	}
	if c.PollInterval > c.CloseTimeout {
		return errors.New("failsafe: poll interval exceeds close timeout")
	}
	if c.SafeAltitudeDeg <= 0 || c.SafeAltitudeDeg > 90 {
		return errors.New("failsafe: safe altitude must be in (0, 90]")
	}
	return nil
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	// State is the controller state machine position.
	State ResponseState `json:"state"`

	// Responding is true while a response is in flight.
	Responding bool `json:"responding"`

	// Current summarizes the active event, nil when idle.
	Current *EmergencyEvent `json:"current,omitempty"`

	// EventCount is the archived history length.
	EventCount int `json:"event_count"`
}
