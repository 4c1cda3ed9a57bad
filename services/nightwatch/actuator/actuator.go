// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package actuator defines the hardware boundary for the safety core.
//
// The interlock, failsafe, and watchdog subsystems never talk to mount
// or roof hardware directly. They operate against the Mount and Roof
// interfaces below, which are implemented by driver adapters in
// production and by the sim package in development and tests.
//
// Command methods initiate motion and return once the command is
// accepted; callers that need completion poll Status until the target
// state is reached. This split is deliberate: emergency sequences own
// their own retry and timeout policy and must not depend on a driver's
// idea of "done".
package actuator

import "context"

// =============================================================================
// Mount
// =============================================================================

// MountState represents the mount state machine states.
type MountState int

const (
	// MountParked means the mount is stowed at its park position.
	MountParked MountState = iota

	// MountUnparking means an unpark sequence is in progress.
	MountUnparking

	// MountIdle means the mount is powered and stationary.
	MountIdle

	// MountSlewing means the mount is moving to a target.
	MountSlewing

	// MountTracking means the mount is following the sky.
	MountTracking

	// MountParking means a park sequence is in progress.
	MountParking

	// MountError means the mount reported a fault.
	MountError
)

// String returns the lowercase wire name of the state.
func (s MountState) String() string {
	switch s {
	case MountParked:
		return "parked"
	case MountUnparking:
		return "unparking"
	case MountIdle:
		return "idle"
	case MountSlewing:
		return "slewing"
	case MountTracking:
		return "tracking"
	case MountParking:
		return "parking"
	case MountError:
		return "error"
	default:
		return "unknown"
	}
}

// MountStatus is a point-in-time snapshot of the mount.
type MountStatus struct {
	// State is the current state machine position.
	State MountState `json:"state"`

	// Parked is true when the mount is fully stowed.
	Parked bool `json:"parked"`

	// Tracking is true when the mount is following the sky.
	Tracking bool `json:"tracking"`

	// Slewing is true while a slew is in progress.
	Slewing bool `json:"slewing"`

	// AltitudeDeg is the current pointing altitude in degrees
	// above the horizon.
	AltitudeDeg float64 `json:"altitude_deg"`

	// AzimuthDeg is the current pointing azimuth in degrees.
	AzimuthDeg float64 `json:"azimuth_deg"`
}

// Mount is the telescope mount control surface used by the safety core.
//
// Implementations must be safe for concurrent use. Command methods
// initiate the operation and return; completion is observed via Status.
type Mount interface {
	// Stop halts all mount motion immediately.
	Stop(ctx context.Context) error

	// Park initiates a park sequence. Parking an already parked
	// mount is a no-op, not an error.
	Park(ctx context.Context) error

	// Unpark initiates an unpark sequence.
	Unpark(ctx context.Context) error

	// Status returns the current mount snapshot.
	Status(ctx context.Context) (MountStatus, error)
}

// =============================================================================
// Roof
// =============================================================================

// RoofState represents the enclosure roof states.
type RoofState int

const (
	// RoofClosed means the roof is fully closed and latched.
	RoofClosed RoofState = iota

	// RoofOpening means an open sequence is in progress.
	RoofOpening

	// RoofOpen means the roof is fully open.
	RoofOpen

	// RoofClosing means a close sequence is in progress.
	RoofClosing

	// RoofError means the roof mechanism reported a fault.
	RoofError
)

// String returns the lowercase wire name of the state.
func (s RoofState) String() string {
	switch s {
	case RoofClosed:
		return "closed"
	case RoofOpening:
		return "opening"
	case RoofOpen:
		return "open"
	case RoofClosing:
		return "closing"
	case RoofError:
		return "error"
	default:
		return "unknown"
	}
}

// RoofStatus is a point-in-time snapshot of the roof.
type RoofStatus struct {
	// State is the current roof state.
	State RoofState `json:"state"`

	// Closed is true when the roof is fully closed and latched.
	Closed bool `json:"closed"`
}

// Roof is the enclosure roof control surface used by the safety core.
//
// Implementations must be safe for concurrent use. Command methods
// initiate the operation and return; completion is observed via Status.
type Roof interface {
	// Open initiates a roof open sequence.
	Open(ctx context.Context) error

	// Close initiates a roof close sequence. Closing an already
	// closed roof is a no-op, not an error.
	Close(ctx context.Context) error

	// Status returns the current roof snapshot.
	Status(ctx context.Context) (RoofStatus, error)
}
