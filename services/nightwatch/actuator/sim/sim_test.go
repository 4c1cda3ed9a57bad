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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoclabs/nightwatch/services/nightwatch/actuator"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMount_ParkUnparkCycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMount(MountConfig{ParkTime: 10 * time.Second, UnparkTime: 5 * time.Second})
	m.SetClock(clock.Now)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Parked, "mount should start parked")

	require.NoError(t, m.Unpark(ctx))
	st, _ = m.Status(ctx)
	assert.Equal(t, actuator.MountUnparking, st.State)

	clock.Advance(5 * time.Second)
	st, _ = m.Status(ctx)
	assert.Equal(t, actuator.MountIdle, st.State)

	require.NoError(t, m.Park(ctx))
	st, _ = m.Status(ctx)
	assert.Equal(t, actuator.MountParking, st.State)
	assert.False(t, st.Parked)

	clock.Advance(10 * time.Second)
	st, _ = m.Status(ctx)
	assert.True(t, st.Parked)
}

func TestMount_ParkWhileParkedIsNoop(t *testing.T) {
	ctx := context.Background()
	m := NewMount(MountConfig{})

	require.NoError(t, m.Park(ctx))
	st, _ := m.Status(ctx)
	assert.True(t, st.Parked, "park of a parked mount must not move it")
}

func TestMount_SlewRequiresUnpark(t *testing.T) {
	ctx := context.Background()
	m := NewMount(MountConfig{})

	err := m.SlewTo(ctx, 50, 120)
	assert.Error(t, err, "slewing a parked mount must fail")
}

func TestMount_StopDuringSlew(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMount(MountConfig{UnparkTime: time.Second, SlewTime: 3 * time.Second})
	m.SetClock(clock.Now)

	require.NoError(t, m.Unpark(ctx))
	clock.Advance(time.Second)
	require.NoError(t, m.SlewTo(ctx, 60, 90))

	st, _ := m.Status(ctx)
	require.True(t, st.Slewing)

	require.NoError(t, m.Stop(ctx))
	st, _ = m.Status(ctx)
	assert.Equal(t, actuator.MountIdle, st.State)

	// A stale slew deadline must not fire later.
	clock.Advance(time.Minute)
	st, _ = m.Status(ctx)
	assert.Equal(t, actuator.MountIdle, st.State)
}

func TestMount_InjectedParkFaults(t *testing.T) {
	ctx := context.Background()
	m := NewMount(MountConfig{FailParks: 2})
	require.NoError(t, m.Unpark(ctx))

	assert.ErrorIs(t, m.Park(ctx), ErrInjectedFault)
	assert.ErrorIs(t, m.Park(ctx), ErrInjectedFault)
	assert.NoError(t, m.Park(ctx), "faults exhausted, park should succeed")
}

func TestRoof_OpenCloseCycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := NewRoof(RoofConfig{MoveTime: 20 * time.Second})
	r.SetClock(clock.Now)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Closed, "roof should start closed")

	require.NoError(t, r.Open(ctx))
	st, _ = r.Status(ctx)
	assert.Equal(t, actuator.RoofOpening, st.State)

	clock.Advance(20 * time.Second)
	st, _ = r.Status(ctx)
	assert.Equal(t, actuator.RoofOpen, st.State)

	require.NoError(t, r.Close(ctx))
	clock.Advance(20 * time.Second)
	st, _ = r.Status(ctx)
	assert.True(t, st.Closed)
}

func TestRoof_StartOpen(t *testing.T) {
	r := NewRoof(RoofConfig{StartOpen: true})
	st, _ := r.Status(context.Background())
	assert.Equal(t, actuator.RoofOpen, st.State)
}

func TestRoof_InjectedCloseFaults(t *testing.T) {
	ctx := context.Background()
	r := NewRoof(RoofConfig{StartOpen: true, FailCloses: 1})

	assert.ErrorIs(t, r.Close(ctx), ErrInjectedFault)
	assert.NoError(t, r.Close(ctx))
}
