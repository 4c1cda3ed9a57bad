// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events provides the typed publish/subscribe bus that
// decouples the safety core from its observers.
//
// Delivery is synchronous and in registration order; a panicking
// listener is isolated so the remaining listeners still receive the
// event. The bus also keeps a bounded buffer of recent events for
// the diagnostics API and the websocket feed.
package events

import "time"

// Type identifies a category of bus event.
type Type string

const (
	// ServiceStarted is published when a supervised service starts.
	ServiceStarted Type = "service_started"

	// ServiceStopped is published when a supervised service stops.
	ServiceStopped Type = "service_stopped"

	// ServiceFailed is published when the watchdog marks a service failed.
	ServiceFailed Type = "service_failed"

	// ShutdownInitiated is published when a shutdown sequence begins.
	ShutdownInitiated Type = "shutdown_initiated"

	// WeatherChanged is published when the weather-safe flag flips.
	WeatherChanged Type = "weather_changed"

	// EmergencyStarted is published when a fail-safe response begins.
	EmergencyStarted Type = "emergency_started"

	// EmergencyResolved is published when a fail-safe response ends.
	EmergencyResolved Type = "emergency_resolved"

	// CommandVetoed is published when the interlock blocks a command.
	CommandVetoed Type = "command_vetoed"

	// HeartbeatMissed is published when a service misses its heartbeat.
	HeartbeatMissed Type = "heartbeat_missed"
)

// AllTypes returns every event type, for subscribers that want the
// full firehose (such as the live event feed).
func AllTypes() []Type {
	return []Type{
		ServiceStarted,
		ServiceStopped,
		ServiceFailed,
		ShutdownInitiated,
		WeatherChanged,
		EmergencyStarted,
		EmergencyResolved,
		CommandVetoed,
		HeartbeatMissed,
	}
}

// Event is one bus message.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type is the event category.
	Type Type `json:"type"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Payload is event-specific data (use the typed payload
	// structs below).
	Payload any `json:"payload,omitempty"`
}

// =============================================================================
// Typed Payloads
// =============================================================================

// ServicePayload accompanies service lifecycle events.
type ServicePayload struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WeatherPayload accompanies WeatherChanged events.
type WeatherPayload struct {
	Safe      bool   `json:"safe"`
	Condition string `json:"condition,omitempty"`
}

// EmergencyPayload accompanies EmergencyStarted/EmergencyResolved.
type EmergencyPayload struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Succeeded   bool   `json:"succeeded,omitempty"`
}

// VetoPayload accompanies CommandVetoed events.
type VetoPayload struct {
	Command   string `json:"command"`
	CheckName string `json:"check_name"`
	Reason    string `json:"reason"`
}

// HeartbeatPayload accompanies HeartbeatMissed events.
type HeartbeatPayload struct {
	Service           string  `json:"service"`
	ElapsedS          float64 `json:"elapsed_s"`
	State             string  `json:"state"`
	ConsecutiveMisses int     `json:"consecutive_misses"`
}
