// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package interlock

import (
	"fmt"
	"time"
)

// =============================================================================
// Command Kinds
// =============================================================================

// CommandKind identifies a controllable observatory action.
type CommandKind string

const (
	// Mount commands
	CommandSlew   CommandKind = "slew"
	CommandGoto   CommandKind = "goto"
	CommandPark   CommandKind = "park"
	CommandUnpark CommandKind = "unpark"
	CommandStop   CommandKind = "stop"
	CommandTrack  CommandKind = "track"
	CommandSync   CommandKind = "sync"

	// Enclosure commands
	CommandOpenRoof  CommandKind = "open_roof"
	CommandCloseRoof CommandKind = "close_roof"

	// Camera commands
	CommandCapture CommandKind = "capture"
	CommandFocus   CommandKind = "focus"

	// Guiding commands
	CommandStartGuiding CommandKind = "start_guiding"
	CommandStopGuiding  CommandKind = "stop_guiding"
	CommandDither       CommandKind = "dither"

	// System commands
	CommandEmergencyStop CommandKind = "emergency_stop"
	CommandShutdown      CommandKind = "shutdown"
)

// emergencyCommands are always allowed regardless of safety state.
// They move the system toward safety, so gating them would be worse
// than any condition they could violate.
var emergencyCommands = map[CommandKind]bool{
	CommandPark:          true,
	CommandCloseRoof:     true,
	CommandStop:          true,
	CommandEmergencyStop: true,
	CommandStopGuiding:   true,
}

// observationCommands need open sky to be meaningful.
var observationCommands = map[CommandKind]bool{
	CommandSlew:         true,
	CommandGoto:         true,
	CommandCapture:      true,
	CommandFocus:        true,
	CommandStartGuiding: true,
}

// IsEmergency reports whether the command bypasses all safety checks.
func (k CommandKind) IsEmergency() bool {
	return emergencyCommands[k]
}

// =============================================================================
// Severity and Verdict
// =============================================================================

// Severity classifies how serious a veto is.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Verdict is the outcome of one CheckCommand evaluation.
type Verdict int

const (
	// VerdictAllowed means the command may proceed.
	VerdictAllowed Verdict = iota

	// VerdictBlocked means at least one veto was raised.
	VerdictBlocked

	// VerdictWarning means the command may proceed but advisory
	// warnings were attached.
	VerdictWarning
)

// String returns the lowercase wire name of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAllowed:
		return "allowed"
	case VerdictBlocked:
		return "blocked"
	case VerdictWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// =============================================================================
// Veto and Result
// =============================================================================

// Veto is one blocking reason for a command. Vetoes are immutable
// once created.
type Veto struct {
	// Command is the command that was vetoed.
	Command CommandKind `json:"command"`

	// Reason is the human-readable explanation.
	Reason string `json:"reason"`

	// CheckName identifies which safety check raised the veto.
	CheckName string `json:"check_name"`

	// Severity classifies the veto.
	Severity Severity `json:"severity"`

	// SuggestedAction tells the operator how to clear the veto.
	// May be empty.
	SuggestedAction string `json:"suggested_action,omitempty"`

	// Timestamp is when the veto was raised.
	Timestamp time.Time `json:"timestamp"`
}

// Summary produces a one-line operator-facing explanation.
func (v Veto) Summary() string {
	s := fmt.Sprintf("Cannot %s. %s", v.Command, v.Reason)
	if v.SuggestedAction != "" {
		s += " " + v.SuggestedAction
	}
	return s
}

// Result is the outcome of one CheckCommand call. It is created
// fresh per call and never persisted.
type Result struct {
	// Verdict is the overall decision.
	Verdict Verdict `json:"verdict"`

	// Vetoes lists every failing check in check order
	// (weather, enclosure, altitude, power).
	Vetoes []Veto `json:"vetoes,omitempty"`

	// Warnings lists advisory conditions that do not block.
	Warnings []string `json:"warnings,omitempty"`

	// Timestamp is when the check ran.
	Timestamp time.Time `json:"timestamp"`
}

// Allowed reports whether the command may proceed.
func (r Result) Allowed() bool {
	return r.Verdict != VerdictBlocked
}

// PrimaryReason returns the first veto's reason, or "" when the
// command was not blocked. The first veto is the highest-priority
// failing check.
func (r Result) PrimaryReason() string {
	if len(r.Vetoes) > 0 {
		return r.Vetoes[0].Reason
	}
	return ""
}

// Summary produces a one-line operator-facing explanation of the
// result, using only the primary reason when blocked.
func (r Result) Summary() string {
	switch r.Verdict {
	case VerdictBlocked:
		if len(r.Vetoes) > 0 {
			return r.Vetoes[0].Summary()
		}
		return "Command blocked for safety reasons."
	case VerdictWarning:
		if len(r.Warnings) > 0 {
			return "Proceeding with caution. " + r.Warnings[0]
		}
		return "Proceeding with caution."
	default:
		return "Command approved."
	}
}
