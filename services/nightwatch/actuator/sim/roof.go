// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sim

import (
	"context"
	"sync"
	"time"

	"github.com/thoclabs/nightwatch/services/nightwatch/actuator"
)

// RoofConfig configures the roof simulator.
type RoofConfig struct {
	// MoveTime is how long an open or close sequence takes.
	MoveTime time.Duration

	// FailCloses makes the next N Close calls return ErrInjectedFault.
	FailCloses int

	// StartOpen starts the roof open instead of closed.
	StartOpen bool
}

// ApplyDefaults fills in zero-valued fields.
func (c *RoofConfig) ApplyDefaults() {
	if c.MoveTime <= 0 {
		c.MoveTime = 20 * time.Second
	}
}

// Roof is a simulated roll-off enclosure roof.
//
// Thread Safety: Roof is safe for concurrent use.
type Roof struct {
	mu     sync.Mutex
	config RoofConfig

	state    actuator.RoofState
	deadline time.Time
	next     actuator.RoofState

	failCloses int

	now func() time.Time
}

// NewRoof creates a roof simulator, closed unless StartOpen is set.
func NewRoof(config RoofConfig) *Roof {
	config.ApplyDefaults()
	state := actuator.RoofClosed
	if config.StartOpen {
		state = actuator.RoofOpen
	}
	return &Roof{
		config:     config,
		state:      state,
		failCloses: config.FailCloses,
		now:        time.Now,
	}
}

// advance moves the state machine past an expired transition deadline.
// Caller must hold mu.
func (r *Roof) advance() {
	if r.deadline.IsZero() || r.now().Before(r.deadline) {
		return
	}
	r.state = r.next
	r.deadline = time.Time{}
}

// Open initiates a roof open sequence.
func (r *Roof) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()

	switch r.state {
	case actuator.RoofOpen, actuator.RoofOpening:
		return nil
	}

	r.state = actuator.RoofOpening
	r.next = actuator.RoofOpen
	r.deadline = r.now().Add(r.config.MoveTime)
	return nil
}

// Close initiates a roof close sequence.
func (r *Roof) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()

	if r.failCloses > 0 {
		r.failCloses--
		return ErrInjectedFault
	}

	switch r.state {
	case actuator.RoofClosed, actuator.RoofClosing:
		return nil
	}

	r.state = actuator.RoofClosing
	r.next = actuator.RoofClosed
	r.deadline = r.now().Add(r.config.MoveTime)
	return nil
}

// Status returns the current roof snapshot.
func (r *Roof) Status(ctx context.Context) (actuator.RoofStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()

	return actuator.RoofStatus{
		State:  r.state,
		Closed: r.state == actuator.RoofClosed,
	}, nil
}

// SetClock replaces the simulator's time source. Intended for tests.
func (r *Roof) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// InjectCloseFaults arms N additional close failures.
func (r *Roof) InjectCloseFaults(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCloses += n
}

var _ actuator.Roof = (*Roof)(nil)
