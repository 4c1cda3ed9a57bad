// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package interlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoclabs/nightwatch/services/nightwatch/events"
)

func float64Ptr(v float64) *float64 { return &v }

// unsafeInterlock returns a gate with every condition in its worst state.
func unsafeInterlock() *Interlock {
	i := New(DefaultConfig())
	i.UpdateWeatherSafe(false)
	i.UpdateEnclosureOpen(false)
	i.UpdatePower(5, true)
	i.UpdateTargetAltitude(2)
	return i
}

func TestCheckCommand_EmergencyBypass(t *testing.T) {
	i := unsafeInterlock()

	emergency := []CommandKind{
		CommandPark,
		CommandCloseRoof,
		CommandStop,
		CommandEmergencyStop,
		CommandStopGuiding,
	}

	for _, kind := range emergency {
		t.Run(string(kind), func(t *testing.T) {
			res := i.CheckCommand(kind, nil)
			assert.Equal(t, VerdictAllowed, res.Verdict)
			assert.Empty(t, res.Vetoes)
			assert.True(t, res.Allowed())
		})
	}
}

func TestCheckCommand_WeatherVetoFirst(t *testing.T) {
	i := New(DefaultConfig())
	i.UpdateWeatherSafe(false)

	res := i.CheckCommand(CommandSlew, nil)

	require.Equal(t, VerdictBlocked, res.Verdict)
	require.NotEmpty(t, res.Vetoes)
	assert.Equal(t, "weather", res.Vetoes[0].CheckName)
	assert.Equal(t, SeverityCritical, res.Vetoes[0].Severity)
	assert.Equal(t, res.Vetoes[0].Reason, res.PrimaryReason())
}

func TestCheckCommand_AltitudeGate(t *testing.T) {
	i := New(DefaultConfig()) // HorizonLimitDeg = 10
	i.UpdateEnclosureOpen(true)

	blocked := i.CheckCommand(CommandGoto, float64Ptr(5))
	require.Equal(t, VerdictBlocked, blocked.Verdict)
	require.Len(t, blocked.Vetoes, 1)
	assert.Equal(t, "altitude", blocked.Vetoes[0].CheckName)

	allowed := i.CheckCommand(CommandGoto, float64Ptr(45))
	assert.Equal(t, VerdictAllowed, allowed.Verdict)
	assert.Empty(t, allowed.Vetoes)
}

func TestCheckCommand_AltitudeUsesCachedTarget(t *testing.T) {
	i := New(DefaultConfig())
	i.UpdateEnclosureOpen(true)
	i.UpdateTargetAltitude(4)

	res := i.CheckCommand(CommandSlew, nil)
	require.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, "altitude", res.Vetoes[0].CheckName)

	// An explicit altitude overrides the cached one.
	res = i.CheckCommand(CommandSlew, float64Ptr(60))
	assert.Equal(t, VerdictAllowed, res.Verdict)
}

func TestCheckCommand_AllVetoesCollected(t *testing.T) {
	i := unsafeInterlock()

	res := i.CheckCommand(CommandSlew, nil)

	require.Equal(t, VerdictBlocked, res.Verdict)
	require.Len(t, res.Vetoes, 4, "every failing check contributes a veto")

	// Fixed check order: weather > enclosure > altitude > power.
	var names []string
	for _, v := range res.Vetoes {
		names = append(names, v.CheckName)
	}
	assert.Equal(t, []string{"weather", "enclosure", "altitude", "power"}, names)
}

func TestCheckCommand_EnclosureOnlyGatesObservation(t *testing.T) {
	i := New(DefaultConfig())
	i.UpdateEnclosureOpen(false)

	// Track doesn't need open sky.
	res := i.CheckCommand(CommandTrack, nil)
	assert.Equal(t, VerdictAllowed, res.Verdict)

	res = i.CheckCommand(CommandCapture, nil)
	require.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, "enclosure", res.Vetoes[0].CheckName)
}

func TestCheckCommand_EnclosureNotRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireEnclosure = false
	i := New(cfg)
	i.UpdateEnclosureOpen(false)

	res := i.CheckCommand(CommandCapture, nil)
	assert.Equal(t, VerdictAllowed, res.Verdict)
}

func TestCheckCommand_UnknownConditionsDoNotBlock(t *testing.T) {
	// Fresh interlock: no enclosure, power, or altitude data yet.
	i := New(DefaultConfig())

	res := i.CheckCommand(CommandSlew, nil)
	assert.Equal(t, VerdictAllowed, res.Verdict)
}

func TestCheckCommand_OnBatteryWarning(t *testing.T) {
	i := New(DefaultConfig())
	i.UpdateEnclosureOpen(true)
	i.UpdatePower(80, true)

	res := i.CheckCommand(CommandCapture, nil)

	assert.Equal(t, VerdictWarning, res.Verdict)
	assert.Empty(t, res.Vetoes)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "battery")
	assert.True(t, res.Allowed(), "warning verdict still allows the command")
}

func TestCheckCommand_LowBatteryBlocks(t *testing.T) {
	i := New(DefaultConfig()) // MinBatteryPercent = 25
	i.UpdateEnclosureOpen(true)
	i.UpdatePower(10, true)

	res := i.CheckCommand(CommandTrack, nil)

	require.Equal(t, VerdictBlocked, res.Verdict)
	assert.Equal(t, "power", res.Vetoes[0].CheckName)
}

func TestIsSafeForObservation(t *testing.T) {
	i := New(DefaultConfig())
	assert.True(t, i.IsSafeForObservation(), "unknown conditions presumed safe")

	i.UpdateWeatherSafe(false)
	assert.False(t, i.IsSafeForObservation())
	i.UpdateWeatherSafe(true)

	i.UpdateEnclosureOpen(false)
	assert.False(t, i.IsSafeForObservation())
	i.UpdateEnclosureOpen(true)

	i.UpdatePower(10, false)
	assert.False(t, i.IsSafeForObservation())
	i.UpdatePower(90, false)

	assert.True(t, i.IsSafeForObservation())
}

func TestVetoHistory_BoundedRing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VetoHistorySize = 3
	i := New(cfg)
	i.UpdateWeatherSafe(false)

	for n := 0; n < 5; n++ {
		i.CheckCommand(CommandSlew, nil)
	}

	history := i.GetVetoHistory(0)
	assert.Len(t, history, 3, "oldest vetoes evicted")

	limited := i.GetVetoHistory(2)
	assert.Len(t, limited, 2)

	i.ClearVetoHistory()
	assert.Empty(t, i.GetVetoHistory(0))
}

func TestCheckCommand_PublishesVetoEvent(t *testing.T) {
	bus := events.NewBus()
	var got []events.Event
	bus.Subscribe(events.CommandVetoed, func(e events.Event) {
		got = append(got, e)
	})

	i := New(DefaultConfig(), WithBus(bus))
	i.UpdateWeatherSafe(false)
	i.CheckCommand(CommandSlew, nil)

	require.Len(t, got, 1)
	payload := got[0].Payload.(events.VetoPayload)
	assert.Equal(t, "slew", payload.Command)
	assert.Equal(t, "weather", payload.CheckName)
}

func TestUpdateWeatherSafe_PublishesOnFlip(t *testing.T) {
	bus := events.NewBus()
	var flips int
	bus.Subscribe(events.WeatherChanged, func(events.Event) { flips++ })

	i := New(DefaultConfig(), WithBus(bus))
	i.UpdateWeatherSafe(true) // no change, starts safe
	i.UpdateWeatherSafe(false)
	i.UpdateWeatherSafe(false) // no change
	i.UpdateWeatherSafe(true)

	assert.Equal(t, 2, flips)
}

func TestResult_Summary(t *testing.T) {
	i := New(DefaultConfig())

	allowed := i.CheckCommand(CommandTrack, nil)
	assert.Equal(t, "Command approved.", allowed.Summary())

	i.UpdateWeatherSafe(false)
	blocked := i.CheckCommand(CommandSlew, nil)
	assert.Contains(t, blocked.Summary(), "Cannot slew.")
	assert.Contains(t, blocked.Summary(), "Weather conditions unsafe")
	assert.Contains(t, blocked.Summary(), "Wait for weather to clear.")

	i.UpdateWeatherSafe(true)
	i.UpdatePower(80, true)
	warned := i.CheckCommand(CommandTrack, nil)
	assert.Contains(t, warned.Summary(), "Proceeding with caution.")
}

func TestUpdateConfig_HotReload(t *testing.T) {
	i := New(DefaultConfig())
	i.UpdateEnclosureOpen(true)

	res := i.CheckCommand(CommandGoto, float64Ptr(15))
	require.Equal(t, VerdictAllowed, res.Verdict)

	cfg := DefaultConfig()
	cfg.HorizonLimitDeg = 20
	i.UpdateConfig(cfg)

	res = i.CheckCommand(CommandGoto, float64Ptr(15))
	assert.Equal(t, VerdictBlocked, res.Verdict)
}

func TestVerdict_String(t *testing.T) {
	tests := []struct {
		verdict Verdict
		want    string
	}{
		{VerdictAllowed, "allowed"},
		{VerdictBlocked, "blocked"},
		{VerdictWarning, "warning"},
		{Verdict(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.verdict.String(); got != tt.want {
				t.Errorf("Verdict.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
