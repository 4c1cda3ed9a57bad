// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sim provides in-process mount and roof simulators.
//
// The simulators are clock-driven state machines, not protocol
// emulators. Commands set a target state and a completion deadline;
// each Status read advances the machine past any expired deadline.
// This keeps them deterministic under a fake clock and means no
// background goroutines are needed.
//
// They back `nightwatch serve --simulate` and the safety-core tests.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thoclabs/nightwatch/services/nightwatch/actuator"
)

// ErrInjectedFault is returned when a configured fault fires.
var ErrInjectedFault = errors.New("sim: injected fault")

// MountConfig configures the mount simulator.
type MountConfig struct {
	// ParkTime is how long a park sequence takes.
	ParkTime time.Duration

	// UnparkTime is how long an unpark sequence takes.
	UnparkTime time.Duration

	// SlewTime is how long a slew takes.
	SlewTime time.Duration

	// ParkAltitudeDeg is the pointing altitude at the park position.
	// Defaults to 35 (roughly the pole altitude at a mid-latitude site).
	ParkAltitudeDeg float64

	// FailParks makes the next N Park calls return ErrInjectedFault.
	FailParks int

	// FailStops makes the next N Stop calls return ErrInjectedFault.
	FailStops int
}

// ApplyDefaults fills in zero-valued fields.
func (c *MountConfig) ApplyDefaults() {
	if c.ParkTime <= 0 {
		c.ParkTime = 10 * time.Second
	}
	if c.UnparkTime <= 0 {
		c.UnparkTime = 5 * time.Second
	}
	if c.SlewTime <= 0 {
		c.SlewTime = 3 * time.Second
	}
	if c.ParkAltitudeDeg == 0 {
		c.ParkAltitudeDeg = 35
	}
}

// Mount is a simulated telescope mount.
//
// Thread Safety: Mount is safe for concurrent use.
type Mount struct {
	mu     sync.Mutex
	config MountConfig

	state    actuator.MountState
	altDeg   float64
	azDeg    float64
	deadline time.Time
	next     actuator.MountState

	failParks int
	failStops int

	now func() time.Time
}

// NewMount creates a mount simulator starting in the parked state.
func NewMount(config MountConfig) *Mount {
	config.ApplyDefaults()
	return &Mount{
		config:    config,
		state:     actuator.MountParked,
		altDeg:    config.ParkAltitudeDeg,
		azDeg:     0,
		failParks: config.FailParks,
		failStops: config.FailStops,
		now:       time.Now,
	}
}

// advance moves the state machine past an expired transition deadline.
// Caller must hold mu.
func (m *Mount) advance() {
	if m.deadline.IsZero() || m.now().Before(m.deadline) {
		return
	}
	m.state = m.next
	m.deadline = time.Time{}
	if m.state == actuator.MountParked {
		m.altDeg = m.config.ParkAltitudeDeg
		m.azDeg = 0
	}
}

// Stop halts all motion. A parked mount stays parked.
func (m *Mount) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()

	if m.failStops > 0 {
		m.failStops--
		return ErrInjectedFault
	}

	switch m.state {
	case actuator.MountParked, actuator.MountParking:
		// Park motion is the safe direction; let it finish.
	default:
		m.state = actuator.MountIdle
		m.deadline = time.Time{}
	}
	return nil
}

// Park initiates a park sequence.
func (m *Mount) Park(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()

	if m.failParks > 0 {
		m.failParks--
		return ErrInjectedFault
	}

	switch m.state {
	case actuator.MountParked, actuator.MountParking:
		return nil
	}

	m.state = actuator.MountParking
	m.next = actuator.MountParked
	m.deadline = m.now().Add(m.config.ParkTime)
	return nil
}

// Unpark initiates an unpark sequence.
func (m *Mount) Unpark(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()

	if m.state != actuator.MountParked {
		return nil
	}

	m.state = actuator.MountUnparking
	m.next = actuator.MountIdle
	m.deadline = m.now().Add(m.config.UnparkTime)
	return nil
}

// SlewTo starts a slew toward the given horizontal coordinates.
// Fails on a parked mount.
func (m *Mount) SlewTo(ctx context.Context, altDeg, azDeg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()

	if m.state == actuator.MountParked || m.state == actuator.MountParking {
		return errors.New("sim: cannot slew while parked")
	}

	m.altDeg = altDeg
	m.azDeg = azDeg
	m.state = actuator.MountSlewing
	m.next = actuator.MountTracking
	m.deadline = m.now().Add(m.config.SlewTime)
	return nil
}

// Status returns the current mount snapshot.
func (m *Mount) Status(ctx context.Context) (actuator.MountStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()

	return actuator.MountStatus{
		State:       m.state,
		Parked:      m.state == actuator.MountParked,
		Tracking:    m.state == actuator.MountTracking,
		Slewing:     m.state == actuator.MountSlewing,
		AltitudeDeg: m.altDeg,
		AzimuthDeg:  m.azDeg,
	}, nil
}

// SetClock replaces the simulator's time source. Intended for tests.
func (m *Mount) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// InjectParkFaults arms N additional park failures.
func (m *Mount) InjectParkFaults(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failParks += n
}

var _ actuator.Mount = (*Mount)(nil)
