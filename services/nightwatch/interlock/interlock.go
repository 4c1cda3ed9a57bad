// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package interlock implements the pre-command safety gate.
//
// Every actuator command passes through CheckCommand before it
// reaches hardware. The gate evaluates the request against cached
// environmental signals (weather, enclosure, power, target altitude)
// pushed in by external monitors, and returns a structured Result.
// It never blocks and never performs I/O.
//
// Safety priority:
//
//  1. Emergency commands (park, close_roof, stop, emergency_stop,
//     stop_guiding) are always allowed.
//  2. Weather conditions must be safe.
//  3. Enclosure must be open for observation.
//  4. Target altitude must be above the horizon limit.
//  5. Power level must be adequate.
package interlock

import (
	"fmt"
	"sync"
	"time"

	"github.com/thoclabs/nightwatch/pkg/logging"
	"github.com/thoclabs/nightwatch/services/nightwatch/events"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the interlock thresholds.
type Config struct {
	// HorizonLimitDeg is the minimum target altitude for slew and
	// goto commands, in degrees. Default: 10.
	HorizonLimitDeg float64 `yaml:"horizon_limit_deg" validate:"gte=0,lte=90"`

	// RequireEnclosure blocks observation commands while the
	// enclosure is known to be closed. DefaultConfig sets it true.
	RequireEnclosure bool `yaml:"require_enclosure"`

	// MinBatteryPercent is the minimum battery level for
	// non-emergency commands. Default: 25.
	MinBatteryPercent float64 `yaml:"min_battery_percent" validate:"gte=0,lte=100"`

	// VetoHistorySize bounds the veto ring buffer. Default: 256.
	VetoHistorySize int `yaml:"veto_history_size" validate:"gte=0"`
}

// ApplyDefaults fills in zero-valued numeric fields. RequireEnclosure
// is left alone because false is a meaningful setting; use
// DefaultConfig for the recommended baseline.
func (c *Config) ApplyDefaults() {
	if c.HorizonLimitDeg == 0 {
		c.HorizonLimitDeg = 10
	}
	if c.MinBatteryPercent == 0 {
		c.MinBatteryPercent = 25
	}
	if c.VetoHistorySize == 0 {
		c.VetoHistorySize = 256
	}
}

// DefaultConfig returns the recommended interlock configuration.
func DefaultConfig() Config {
	c := Config{RequireEnclosure: true}
	c.ApplyDefaults()
	return c
}

// =============================================================================
// Interlock
// =============================================================================

// Interlock is the pre-command safety gate.
//
// Condition updates are last-write-wins; no ordering is required
// between updaters. CheckCommand evaluates a snapshot under the lock
// and is therefore consistent within one call.
//
// Thread Safety: Interlock is safe for concurrent use.
type Interlock struct {
	logger *logging.Logger
	bus    *events.Bus

	mu     sync.RWMutex
	config Config

	weatherSafe    bool
	enclosureOpen  bool
	enclosureKnown bool
	batteryPercent float64
	powerKnown     bool
	onBattery      bool
	targetAltDeg   float64
	altitudeKnown  bool

	history []Veto
}

// Option configures an Interlock.
type Option func(*Interlock)

// WithLogger sets the interlock logger.
func WithLogger(logger *logging.Logger) Option {
	return func(i *Interlock) {
		i.logger = logger
	}
}

// WithBus attaches an event bus; blocked commands publish
// CommandVetoed and weather flips publish WeatherChanged.
func WithBus(bus *events.Bus) Option {
	return func(i *Interlock) {
		i.bus = bus
	}
}

// New creates an interlock with the given configuration.
func New(config Config, opts ...Option) *Interlock {
	config.ApplyDefaults()
	i := &Interlock{
		config: config,
		// Weather is presumed safe until a monitor says otherwise;
		// a dead weather feed is the watchdog's problem, not a
		// reason to freeze every command.
		weatherSafe: true,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = logging.Discard()
	}
	return i
}

// =============================================================================
// Condition Updates
// =============================================================================

// UpdateWeatherSafe records the latest weather-safe flag.
func (i *Interlock) UpdateWeatherSafe(safe bool) {
	i.mu.Lock()
	changed := i.weatherSafe != safe
	i.weatherSafe = safe
	bus := i.bus
	i.mu.Unlock()

	if changed && bus != nil {
		bus.Publish(events.WeatherChanged, events.WeatherPayload{Safe: safe})
	}
}

// UpdateEnclosureOpen records the latest enclosure state.
func (i *Interlock) UpdateEnclosureOpen(open bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enclosureOpen = open
	i.enclosureKnown = true
}

// UpdatePower records the latest battery level and supply source.
func (i *Interlock) UpdatePower(percent float64, onBattery bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.batteryPercent = percent
	i.powerKnown = true
	i.onBattery = onBattery
}

// UpdateTargetAltitude records the altitude of the next slew target.
func (i *Interlock) UpdateTargetAltitude(deg float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.targetAltDeg = deg
	i.altitudeKnown = true
}

// UpdateConfig swaps the threshold configuration. Used by the
// config hot-reload path.
func (i *Interlock) UpdateConfig(config Config) {
	config.ApplyDefaults()
	i.mu.Lock()
	defer i.mu.Unlock()
	i.config = config
}

// =============================================================================
// Command Checking
// =============================================================================

// CheckCommand evaluates one command against the cached conditions.
//
// Description:
//
//	Emergency commands return allowed immediately. All other
//	commands run the weather, enclosure, altitude, and power checks
//	in that fixed order; a failing check appends a veto but does not
//	stop the later checks, so the result carries every applicable
//	veto for diagnostics. The first veto is the primary reason.
//
// Inputs:
//
//	kind - The command to evaluate.
//	targetAltitudeDeg - Altitude for slew/goto; nil falls back to
//	    the last cached target altitude.
//
// Outputs:
//
//	Result - Verdict plus the full veto and warning lists.
func (i *Interlock) CheckCommand(kind CommandKind, targetAltitudeDeg *float64) Result {
	now := time.Now()

	if kind.IsEmergency() {
		i.logger.Debug("emergency command allowed without checks", "command", string(kind))
		checksTotal.WithLabelValues(string(kind), VerdictAllowed.String()).Inc()
		return Result{Verdict: VerdictAllowed, Timestamp: now}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	var vetoes []Veto
	var warnings []string

	if v := i.checkWeather(kind, now); v != nil {
		vetoes = append(vetoes, *v)
	}
	if v := i.checkEnclosure(kind, now); v != nil {
		vetoes = append(vetoes, *v)
	}
	if v := i.checkAltitude(kind, targetAltitudeDeg, now); v != nil {
		vetoes = append(vetoes, *v)
	}
	veto, warning := i.checkPower(kind, now)
	if veto != nil {
		vetoes = append(vetoes, *veto)
	}
	if warning != "" {
		warnings = append(warnings, warning)
	}

	verdict := VerdictAllowed
	switch {
	case len(vetoes) > 0:
		verdict = VerdictBlocked
	case len(warnings) > 0:
		verdict = VerdictWarning
	}

	for _, v := range vetoes {
		i.recordVeto(v)
		i.logger.Warn("safety veto",
			"command", string(kind),
			"check", v.CheckName,
			"reason", v.Reason,
		)
	}

	checksTotal.WithLabelValues(string(kind), verdict.String()).Inc()

	if verdict == VerdictBlocked && i.bus != nil {
		primary := vetoes[0]
		i.bus.Publish(events.CommandVetoed, events.VetoPayload{
			Command:   string(kind),
			CheckName: primary.CheckName,
			Reason:    primary.Reason,
		})
	}

	i.logger.Info("safety check", "command", string(kind), "verdict", verdict.String())

	return Result{
		Verdict:   verdict,
		Vetoes:    vetoes,
		Warnings:  warnings,
		Timestamp: now,
	}
}

// checkWeather blocks every non-emergency command in unsafe weather.
// Caller must hold mu.
func (i *Interlock) checkWeather(kind CommandKind, now time.Time) *Veto {
	if i.weatherSafe {
		return nil
	}
	return &Veto{
		Command:         kind,
		Reason:          "Weather conditions unsafe for telescope operation.",
		CheckName:       "weather",
		Severity:        SeverityCritical,
		SuggestedAction: "Wait for weather to clear.",
		Timestamp:       now,
	}
}

// checkEnclosure blocks observation commands while the enclosure is
// known to be closed. Caller must hold mu.
func (i *Interlock) checkEnclosure(kind CommandKind, now time.Time) *Veto {
	if !i.config.RequireEnclosure || !observationCommands[kind] {
		return nil
	}
	// Unknown enclosure state is not a veto; only a confirmed
	// closed roof blocks.
	if !i.enclosureKnown || i.enclosureOpen {
		return nil
	}
	return &Veto{
		Command:         kind,
		Reason:          "Enclosure is closed.",
		CheckName:       "enclosure",
		Severity:        SeverityCritical,
		SuggestedAction: "Open the roof before observing.",
		Timestamp:       now,
	}
}

// checkAltitude blocks slew/goto targets below the horizon limit.
// Caller must hold mu.
func (i *Interlock) checkAltitude(kind CommandKind, targetAltitudeDeg *float64, now time.Time) *Veto {
	if kind != CommandSlew && kind != CommandGoto {
		return nil
	}

	var alt float64
	switch {
	case targetAltitudeDeg != nil:
		alt = *targetAltitudeDeg
	case i.altitudeKnown:
		alt = i.targetAltDeg
	default:
		return nil
	}

	if alt >= i.config.HorizonLimitDeg {
		return nil
	}
	return &Veto{
		Command: kind,
		Reason: fmt.Sprintf("Target altitude %.1f° is below minimum %.1f°.",
			alt, i.config.HorizonLimitDeg),
		CheckName:       "altitude",
		Severity:        SeverityCritical,
		SuggestedAction: "Choose a target higher above the horizon.",
		Timestamp:       now,
	}
}

// checkPower blocks on a critically low battery and raises an
// advisory warning when running on battery above the minimum.
// Caller must hold mu.
func (i *Interlock) checkPower(kind CommandKind, now time.Time) (*Veto, string) {
	if !i.powerKnown {
		return nil, ""
	}
	if i.batteryPercent < i.config.MinBatteryPercent {
		return &Veto{
			Command:         kind,
			Reason:          fmt.Sprintf("Battery level critical (%.0f%%).", i.batteryPercent),
			CheckName:       "power",
			Severity:        SeverityCritical,
			SuggestedAction: "Wait for power to be restored or charge battery.",
			Timestamp:       now,
		}, ""
	}
	if i.onBattery {
		return nil, "Running on battery power"
	}
	return nil, ""
}

// recordVeto appends to the bounded ring history, evicting the
// oldest entry when full. Caller must hold mu.
func (i *Interlock) recordVeto(v Veto) {
	if i.config.VetoHistorySize <= 0 {
		return
	}
	if len(i.history) >= i.config.VetoHistorySize {
		i.history = i.history[1:]
	}
	i.history = append(i.history, v)
	vetoesTotal.WithLabelValues(v.CheckName).Inc()
}

// =============================================================================
// Status Reads
// =============================================================================

// IsSafeForObservation reports whether conditions allow observing:
// weather safe, enclosure open (if required), and power above the
// minimum.
func (i *Interlock) IsSafeForObservation() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if !i.weatherSafe {
		return false
	}
	if i.config.RequireEnclosure && i.enclosureKnown && !i.enclosureOpen {
		return false
	}
	if i.powerKnown && i.batteryPercent < i.config.MinBatteryPercent {
		return false
	}
	return true
}

// GetVetoHistory returns up to limit of the most recent vetoes,
// oldest first. limit <= 0 returns the whole history.
func (i *Interlock) GetVetoHistory(limit int) []Veto {
	i.mu.RLock()
	defer i.mu.RUnlock()

	n := len(i.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Veto, n)
	copy(out, i.history[len(i.history)-n:])
	return out
}

// ClearVetoHistory empties the veto history.
func (i *Interlock) ClearVetoHistory() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.history = nil
}
