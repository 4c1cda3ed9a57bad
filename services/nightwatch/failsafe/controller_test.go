// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package failsafe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoclabs/nightwatch/services/nightwatch/actuator"
	"github.com/thoclabs/nightwatch/services/nightwatch/events"
)

// =============================================================================
// Test Doubles
// =============================================================================

// fakeMount is a controllable mount stub.
type fakeMount struct {
	mu         sync.Mutex
	parked     bool
	altitude   float64
	parkErr    error
	neverParks bool
	holdPark   chan struct{} // Park blocks until closed, when non-nil

	stopCalls int
	parkCalls int
}

func (m *fakeMount) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	return nil
}

func (m *fakeMount) Park(ctx context.Context) error {
	m.mu.Lock()
	m.parkCalls++
	hold := m.holdPark
	m.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parkErr != nil {
		return m.parkErr
	}
	if !m.neverParks {
		m.parked = true
	}
	return nil
}

func (m *fakeMount) Unpark(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parked = false
	return nil
}

func (m *fakeMount) Status(ctx context.Context) (actuator.MountStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return actuator.MountStatus{
		Parked:      m.parked,
		AltitudeDeg: m.altitude,
	}, nil
}

func (m *fakeMount) parks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parkCalls
}

// fakeRoof is a controllable roof stub.
type fakeRoof struct {
	mu          sync.Mutex
	closed      bool
	closeErr    error
	neverCloses bool

	closeCalls int
}

func (r *fakeRoof) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = false
	return nil
}

func (r *fakeRoof) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCalls++
	if r.closeErr != nil {
		return r.closeErr
	}
	if !r.neverCloses {
		r.closed = true
	}
	return nil
}

func (r *fakeRoof) Status(ctx context.Context) (actuator.RoofStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return actuator.RoofStatus{Closed: r.closed}, nil
}

func (r *fakeRoof) closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCalls
}

// fastConfig keeps actuator waits in the millisecond range.
func fastConfig() Config {
	return Config{
		ParkTimeout:     50 * time.Millisecond,
		CloseTimeout:    50 * time.Millisecond,
		MaxParkRetries:  2,
		MaxCloseRetries: 2,
		RetryDelay:      time.Millisecond,
		SettleDelay:     time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		SafeAltitudeDeg: 60,
		HistorySize:     10,
	}
}

// =============================================================================
// Response Sequence Tests
// =============================================================================

func TestRespondToRain_ParksAndCloses(t *testing.T) {
	mount := &fakeMount{altitude: 70}
	roof := &fakeRoof{}
	c := New(fastConfig(), WithMount(mount), WithRoof(roof))

	ok := c.RespondToRain(context.Background())

	require.True(t, ok)
	assert.Equal(t, StateCompleted, c.State())

	history := c.GetEventHistory(0)
	require.Len(t, history, 1)
	event := history[0]
	assert.Equal(t, Rain, event.Kind)
	assert.Equal(t, StateCompleted, event.State)
	assert.Contains(t, event.ActionsTaken, "Mount parked")
	assert.Contains(t, event.ActionsTaken, "Roof closed")
	assert.NotEmpty(t, event.AlertsSent)
	assert.False(t, event.ResponseCompleted.IsZero())
}

func TestRespondToRain_ConcurrentTriggerRejected(t *testing.T) {
	hold := make(chan struct{})
	mount := &fakeMount{holdPark: hold}
	roof := &fakeRoof{}
	c := New(fastConfig(), WithMount(mount), WithRoof(roof))

	done := make(chan bool, 1)
	go func() {
		done <- c.RespondToRain(context.Background())
	}()

	// Wait until the first response is inside the park attempt.
	require.Eventually(t, func() bool { return mount.parks() == 1 },
		time.Second, time.Millisecond)

	// Second trigger must be rejected immediately, not queued.
	assert.False(t, c.RespondToRain(context.Background()))

	close(hold)
	assert.True(t, <-done)

	// Exactly one event was created.
	assert.Len(t, c.GetEventHistory(0), 1)
}

func TestRespondToRain_CloseAlwaysAttempted(t *testing.T) {
	mount := &fakeMount{neverParks: true}
	roof := &fakeRoof{}
	cfg := fastConfig()
	cfg.MaxParkRetries = 1
	c := New(cfg, WithMount(mount), WithRoof(roof))

	ok := c.RespondToRain(context.Background())

	assert.False(t, ok, "park failure fails the response overall")
	assert.GreaterOrEqual(t, roof.closes(), 1, "close must run despite park failure")

	history := c.GetEventHistory(0)
	require.Len(t, history, 1)
	assert.Equal(t, StateFailed, history[0].State)
	assert.Contains(t, history[0].ActionsTaken, "Roof closed")
	assert.NotContains(t, history[0].ActionsTaken, "Mount parked")
}

func TestRespondToWeather_KindClassification(t *testing.T) {
	tests := []struct {
		condition string
		want      EmergencyKind
	}{
		{"high wind gusts", HighWind},
		{"WIND advisory", HighWind},
		{"storm", WeatherUnsafe},
		{"clouds rolling in", WeatherUnsafe},
	}

	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			c := New(fastConfig(), WithMount(&fakeMount{parked: true}), WithRoof(&fakeRoof{}))
			require.True(t, c.RespondToWeather(context.Background(), tt.condition))

			history := c.GetEventHistory(1)
			require.Len(t, history, 1)
			assert.Equal(t, tt.want, history[0].Kind)
		})
	}
}

func TestRespondToWeather_SafeAltitudeSkipsPark(t *testing.T) {
	// Unparked but pointing low: clear of the roof path, no park needed.
	mount := &fakeMount{altitude: 30}
	roof := &fakeRoof{}
	c := New(fastConfig(), WithMount(mount), WithRoof(roof))

	ok := c.RespondToWeather(context.Background(), "storm")

	require.True(t, ok)
	assert.Equal(t, 0, mount.parks(), "no park when below safe altitude")

	history := c.GetEventHistory(1)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].ActionsTaken, "Mount at safe altitude 30.0°")
	assert.Contains(t, history[0].ActionsTaken, "Roof closed")
}

func TestRespondToWeather_HighMountGetsParked(t *testing.T) {
	mount := &fakeMount{altitude: 75}
	roof := &fakeRoof{}
	c := New(fastConfig(), WithMount(mount), WithRoof(roof))

	ok := c.RespondToWeather(context.Background(), "storm")

	require.True(t, ok)
	assert.GreaterOrEqual(t, mount.parks(), 1)
}

func TestRespondToEmergency_RainDispatch(t *testing.T) {
	mount := &fakeMount{}
	roof := &fakeRoof{}
	c := New(fastConfig(), WithMount(mount), WithRoof(roof))

	require.True(t, c.RespondToEmergency(context.Background(), Rain, "rain sensor wet"))

	history := c.GetEventHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, Rain, history[0].Kind)
	assert.Equal(t, "Rain detected - immediate closure required", history[0].Description)
}

func TestRespondToEmergency_NoActuatorsIsSuccess(t *testing.T) {
	c := New(fastConfig())

	ok := c.RespondToEmergency(context.Background(), UserTriggered, "manual test")

	assert.True(t, ok, "nothing to protect counts as success")
	history := c.GetEventHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, StateCompleted, history[0].State)
	assert.Empty(t, history[0].ActionsTaken)
}

func TestRespondToEmergency_DefaultDescription(t *testing.T) {
	c := New(fastConfig())
	require.True(t, c.RespondToEmergency(context.Background(), PowerFailure, ""))

	history := c.GetEventHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, "power_failure emergency", history[0].Description)
}

// =============================================================================
// Primitive Tests
// =============================================================================

func TestEmergencyPark_NoMountFails(t *testing.T) {
	c := New(fastConfig())
	assert.False(t, c.EmergencyPark(context.Background()))
}

func TestEmergencyPark_RetriesThenFails(t *testing.T) {
	mount := &fakeMount{parkErr: errors.New("motor stall")}
	c := New(fastConfig(), WithMount(mount))

	ok := c.EmergencyPark(context.Background())

	assert.False(t, ok)
	assert.Equal(t, 2, mount.parks(), "one call per configured attempt")
}

func TestEmergencyPark_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mount := &fakeMount{neverParks: true}
	c := New(fastConfig(), WithMount(mount))

	start := time.Now()
	ok := c.EmergencyPark(ctx)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second, "cancelled park must not run out the retries")
}

func TestEmergencyClose_NoRoofFails(t *testing.T) {
	c := New(fastConfig())
	assert.False(t, c.EmergencyClose(context.Background()))
}

func TestMoveToSafetyPosition(t *testing.T) {
	t.Run("no mount", func(t *testing.T) {
		c := New(fastConfig())
		assert.True(t, c.MoveToSafetyPosition(context.Background()))
	})

	t.Run("already parked", func(t *testing.T) {
		mount := &fakeMount{parked: true, altitude: 80}
		c := New(fastConfig(), WithMount(mount))
		assert.True(t, c.MoveToSafetyPosition(context.Background()))
		assert.Equal(t, 0, mount.parks())
	})

	t.Run("below safe altitude", func(t *testing.T) {
		mount := &fakeMount{altitude: 45}
		c := New(fastConfig(), WithMount(mount))
		assert.True(t, c.MoveToSafetyPosition(context.Background()))
		assert.Equal(t, 0, mount.parks())
	})

	t.Run("high altitude parks", func(t *testing.T) {
		mount := &fakeMount{altitude: 80}
		c := New(fastConfig(), WithMount(mount))
		assert.True(t, c.MoveToSafetyPosition(context.Background()))
		assert.GreaterOrEqual(t, mount.parks(), 1)
	})
}

// =============================================================================
// Alert Tests
// =============================================================================

func TestSendAlert_EmergencyCascade(t *testing.T) {
	c := New(fastConfig())

	counts := make(map[AlertLevel]int)
	var mu sync.Mutex
	for _, level := range []AlertLevel{AlertInfo, AlertWarning, AlertCritical, AlertEmergency} {
		level := level
		c.RegisterAlertCallback(level, func(msg string, kind EmergencyKind) {
			mu.Lock()
			counts[level]++
			mu.Unlock()
		})
	}

	c.SendAlert(AlertEmergency, "rain detected", Rain)

	mu.Lock()
	defer mu.Unlock()
	for _, level := range []AlertLevel{AlertInfo, AlertWarning, AlertCritical, AlertEmergency} {
		assert.Equal(t, 1, counts[level], "level %s invoked exactly once", level)
	}
}

func TestSendAlert_LowerLevelsDoNotCascade(t *testing.T) {
	c := New(fastConfig())

	var warning, critical int
	c.RegisterAlertCallback(AlertWarning, func(string, EmergencyKind) { warning++ })
	c.RegisterAlertCallback(AlertCritical, func(string, EmergencyKind) { critical++ })

	c.SendAlert(AlertCritical, "close failing", Rain)

	assert.Equal(t, 1, critical)
	assert.Equal(t, 0, warning, "critical alerts do not cascade downward")
}

func TestSendAlert_PanickingCallbackIsolated(t *testing.T) {
	c := New(fastConfig())

	var after bool
	c.RegisterAlertCallback(AlertEmergency, func(string, EmergencyKind) { panic("bad sink") })
	c.RegisterAlertCallback(AlertEmergency, func(string, EmergencyKind) { after = true })

	require.NotPanics(t, func() {
		c.SendAlert(AlertEmergency, "test", UserTriggered)
	})
	assert.True(t, after, "callback after the panicking one must still run")
}

func TestEscalateAlert(t *testing.T) {
	c := New(fastConfig())

	var critical []string
	c.RegisterAlertCallback(AlertCritical, func(msg string, _ EmergencyKind) {
		critical = append(critical, msg)
	})

	next := c.EscalateAlert(AlertWarning, "still failing", EquipmentFailure)
	assert.Equal(t, AlertCritical, next)
	require.Len(t, critical, 1)
	assert.Equal(t, "ESCALATED: still failing", critical[0])

	// Emergency is the ceiling: no further escalation, no resend.
	var emergency int
	c.RegisterAlertCallback(AlertEmergency, func(string, EmergencyKind) { emergency++ })
	next = c.EscalateAlert(AlertEmergency, "max", EquipmentFailure)
	assert.Equal(t, AlertEmergency, next)
	assert.Equal(t, 0, emergency)
}

func TestAlertLevel_Escalate(t *testing.T) {
	tests := []struct {
		from, to AlertLevel
	}{
		{AlertInfo, AlertWarning},
		{AlertWarning, AlertCritical},
		{AlertCritical, AlertEmergency},
		{AlertEmergency, AlertEmergency},
	}

	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			if got := tt.from.Escalate(); got != tt.to {
				t.Errorf("Escalate() = %v, want %v", got, tt.to)
			}
		})
	}
}

// =============================================================================
// Status, History, Reset
// =============================================================================

func TestReset_RoundTrip(t *testing.T) {
	c := New(fastConfig(), WithMount(&fakeMount{}), WithRoof(&fakeRoof{}))

	require.True(t, c.RespondToRain(context.Background()))
	require.Equal(t, StateCompleted, c.State())
	before := len(c.GetEventHistory(0))

	c.Reset()

	assert.Equal(t, StateIdle, c.State())
	assert.Nil(t, c.GetStatus().Current)
	assert.Len(t, c.GetEventHistory(0), before, "history survives reset")
}

func TestGetEventHistory_MostRecentFirst(t *testing.T) {
	c := New(fastConfig())

	require.True(t, c.RespondToEmergency(context.Background(), PowerFailure, "a"))
	require.True(t, c.RespondToEmergency(context.Background(), SensorFailure, "b"))

	history := c.GetEventHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, SensorFailure, history[0].Kind)
	assert.Equal(t, PowerFailure, history[1].Kind)

	limited := c.GetEventHistory(1)
	require.Len(t, limited, 1)
	assert.Equal(t, SensorFailure, limited[0].Kind)
}

func TestHistory_Bounded(t *testing.T) {
	cfg := fastConfig()
	cfg.HistorySize = 2
	c := New(cfg)

	for i := 0; i < 4; i++ {
		require.True(t, c.RespondToEmergency(context.Background(), UserTriggered, "x"))
	}

	assert.Len(t, c.GetEventHistory(0), 2)
}

func TestGetStatus(t *testing.T) {
	c := New(fastConfig())
	st := c.GetStatus()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Responding)
	assert.Nil(t, st.Current)
	assert.Zero(t, st.EventCount)

	require.True(t, c.RespondToEmergency(context.Background(), UserTriggered, "t"))
	st = c.GetStatus()
	assert.Equal(t, 1, st.EventCount)
	require.NotNil(t, st.Current)
	assert.Equal(t, UserTriggered, st.Current.Kind)
}

func TestController_PublishesBusEvents(t *testing.T) {
	bus := events.NewBus()
	var started, resolved []events.Event
	bus.Subscribe(events.EmergencyStarted, func(e events.Event) { started = append(started, e) })
	bus.Subscribe(events.EmergencyResolved, func(e events.Event) { resolved = append(resolved, e) })

	c := New(fastConfig(), WithBus(bus))
	require.True(t, c.RespondToEmergency(context.Background(), UserTriggered, "drill"))

	require.Len(t, started, 1)
	require.Len(t, resolved, 1)
	sp := started[0].Payload.(events.EmergencyPayload)
	assert.Equal(t, "user_triggered", sp.Kind)
	rp := resolved[0].Payload.(events.EmergencyPayload)
	assert.True(t, rp.Succeeded)
}

// =============================================================================
// Config and Enum Tests
// =============================================================================

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 60*time.Second, cfg.ParkTimeout)
	assert.Equal(t, 45*time.Second, cfg.CloseTimeout)
	assert.Equal(t, 3, cfg.MaxParkRetries)
	assert.Equal(t, 3, cfg.MaxCloseRetries)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 60.0, cfg.SafeAltitudeDeg)
	assert.Equal(t, 100, cfg.HistorySize)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateRejectsBadPoll(t *testing.T) {
	cfg := fastConfig()
	cfg.PollInterval = cfg.ParkTimeout * 2
	assert.Error(t, cfg.Validate())
}

func TestResponseState_String(t *testing.T) {
	tests := []struct {
		state ResponseState
		want  string
	}{
		{StateIdle, "idle"},
		{StateResponding, "responding"},
		{StateParking, "parking"},
		{StateClosing, "closing"},
		{StateAlerting, "alerting"},
		{StateCompleted, "completed"},
		{StateFailed, "failed"},
		{ResponseState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("ResponseState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAlertLevel_String(t *testing.T) {
	tests := []struct {
		level AlertLevel
		want  string
	}{
		{AlertInfo, "info"},
		{AlertWarning, "warning"},
		{AlertCritical, "critical"},
		{AlertEmergency, "emergency"},
		{AlertLevel(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("AlertLevel.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
