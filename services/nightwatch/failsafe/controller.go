// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package failsafe executes emergency actuator sequences and owns
// alert escalation.
//
// Every response follows the same principle: when in doubt, park the
// telescope and close the enclosure. Park is always attempted before
// close, and close is always attempted even when park failed, because
// enclosure protection outranks telescope protection.
//
// At most one response runs at a time. A trigger arriving while a
// response is in flight is rejected immediately, not queued; the
// rejected caller sees a false return and can consult Responding().
package failsafe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/thoclabs/nightwatch/pkg/logging"
	"github.com/thoclabs/nightwatch/services/nightwatch/actuator"
	"github.com/thoclabs/nightwatch/services/nightwatch/events"
)

// Controller coordinates automated responses to emergency
// situations, protecting the telescope and enclosure.
//
// Thread Safety: Controller is safe for concurrent use. The response
// mutex serializes whole sequences; the state mutex guards the
// snapshot fields.
type Controller struct {
	mount  actuator.Mount // nil when no mount is attached
	roof   actuator.Roof  // nil when no roof is attached
	config Config
	logger *logging.Logger
	bus    *events.Bus

	// respMu serializes response sequences. Acquired with TryLock
	// so a concurrent trigger is rejected, never queued.
	respMu sync.Mutex

	mu        sync.Mutex
	state     ResponseState
	current   *EmergencyEvent
	history   []EmergencyEvent
	callbacks map[AlertLevel][]AlertCallback
}

// Option configures a Controller.
type Option func(*Controller)

// WithMount attaches the mount actuator.
func WithMount(mount actuator.Mount) Option {
	return func(c *Controller) {
		c.mount = mount
	}
}

// WithRoof attaches the roof actuator.
func WithRoof(roof actuator.Roof) Option {
	return func(c *Controller) {
		c.roof = roof
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithBus attaches an event bus; responses publish EmergencyStarted
// and EmergencyResolved.
func WithBus(bus *events.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

// New creates a fail-safe controller. A missing mount or roof is
// allowed: the corresponding sequence step is skipped as "nothing to
// protect" rather than failing the response.
func New(config Config, opts ...Option) *Controller {
	config.ApplyDefaults()
	c := &Controller{
		config: config,
		state:  StateIdle,
		callbacks: map[AlertLevel][]AlertCallback{
			AlertInfo:      nil,
			AlertWarning:   nil,
			AlertCritical:  nil,
			AlertEmergency: nil,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// =============================================================================
// State Accessors
// =============================================================================

// State returns the current state machine position.
func (c *Controller) State() ResponseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Responding reports whether a response is currently in flight.
func (c *Controller) Responding() bool {
	return !c.State().Terminal()
}

// GetStatus returns a snapshot of the controller.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:      c.state,
		Responding: !c.state.Terminal(),
		EventCount: len(c.history),
	}
	if c.current != nil {
		cur := c.current.clone()
		st.Current = &cur
	}
	return st
}

// GetEventHistory returns up to limit archived events, most recent
// first. limit <= 0 returns the whole history.
func (c *Controller) GetEventHistory(limit int) []EmergencyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]EmergencyEvent, 0, n)
	for i := len(c.history) - 1; i >= len(c.history)-n; i-- {
		out = append(out, c.history[i].clone())
	}
	return out
}

// Reset forces the state machine back to idle. It does not cancel an
// actuator command already dispatched to hardware, only the
// software's belief about its state. Event history is untouched.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Terminal() {
		c.logger.Warn("resetting emergency state while response in progress",
			"state", c.state.String())
	}
	c.state = StateIdle
	c.current = nil
	c.logger.Info("emergency response state reset to idle")
}

// =============================================================================
// Alerts
// =============================================================================

// RegisterAlertCallback registers a sink for one severity level.
func (c *Controller) RegisterAlertCallback(level AlertLevel, cb AlertCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[level] = append(c.callbacks[level], cb)
	c.logger.Debug("registered alert callback", "level", level.String())
}

// SendAlert dispatches one alert.
//
// Description:
//
//	Logs at the matching severity, appends the formatted line to the
//	active event's alert log, and invokes every callback registered
//	at the level. An emergency-level alert additionally cascades
//	down to the critical, warning, and info callbacks: a single
//	emergency must reach every subscriber regardless of the severity
//	they opted into. Each callback is panic-isolated.
func (c *Controller) SendAlert(level AlertLevel, message string, kind EmergencyKind) {
	full := fmt.Sprintf("[%s] %s: %s",
		time.Now().Format("15:04:05"), strings.ToUpper(level.String()), message)

	switch level {
	case AlertEmergency, AlertCritical:
		c.logger.Error(full, "kind", string(kind))
	case AlertWarning:
		c.logger.Warn(full, "kind", string(kind))
	default:
		c.logger.Info(full, "kind", string(kind))
	}

	c.mu.Lock()
	if c.current != nil {
		c.current.AlertsSent = append(c.current.AlertsSent, full)
	}
	var sinks []AlertCallback
	sinks = append(sinks, c.callbacks[level]...)
	if level == AlertEmergency {
		for _, lower := range []AlertLevel{AlertCritical, AlertWarning, AlertInfo} {
			sinks = append(sinks, c.callbacks[lower]...)
		}
	}
	c.mu.Unlock()

	alertsTotal.WithLabelValues(level.String(), string(kind)).Inc()

	for _, cb := range sinks {
		c.safeInvoke(cb, message, kind)
	}
}

// safeInvoke calls one alert callback with panic recovery.
func (c *Controller) safeInvoke(cb AlertCallback, message string, kind EmergencyKind) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("alert callback panicked", "panic", r, "kind", string(kind))
		}
	}()
	cb(message, kind)
}

// EscalateAlert raises an alert to the next severity level (ceiling
// at emergency) and sends the escalated alert. Returns the new level.
func (c *Controller) EscalateAlert(current AlertLevel, message string, kind EmergencyKind) AlertLevel {
	next := current.Escalate()
	if next != current {
		c.logger.Warn("escalating alert",
			"from", current.String(), "to", next.String())
		c.SendAlert(next, "ESCALATED: "+message, kind)
	}
	return next
}

// =============================================================================
// Actuator Primitives
// =============================================================================

// EmergencyPark executes the emergency park sequence.
//
// Description:
//
//	Up to MaxParkRetries attempts. Each attempt stops current
//	motion, waits the settle delay, issues park, then polls mount
//	status up to ParkTimeout for the parked flag. Attempt outcomes
//	and errors are appended to the active event. Returns true on the
//	first confirmed park.
func (c *Controller) EmergencyPark(ctx context.Context) bool {
	c.logger.Warn("EMERGENCY PARK initiated")

	if c.mount == nil {
		c.logger.Error("cannot park, mount not available")
		return false
	}

	c.setState(StateParking)

	for attempt := 1; attempt <= c.config.MaxParkRetries; attempt++ {
		if ok := c.parkAttempt(ctx, attempt); ok {
			parkResults.WithLabelValues("success").Inc()
			return true
		}
		if ctx.Err() != nil {
			c.appendError("Park aborted: " + ctx.Err().Error())
			break
		}
		if attempt < c.config.MaxParkRetries {
			if err := sleepCtx(ctx, c.config.RetryDelay); err != nil {
				c.appendError("Park aborted: " + err.Error())
				break
			}
		}
	}

	c.logger.Error("emergency park FAILED after all retries")
	parkResults.WithLabelValues("failure").Inc()
	return false
}

// parkAttempt runs one stop-settle-park-poll cycle.
func (c *Controller) parkAttempt(ctx context.Context, attempt int) bool {
	if err := c.mount.Stop(ctx); err != nil {
		c.appendError("Stop error: " + err.Error())
	}
	if err := sleepCtx(ctx, c.config.SettleDelay); err != nil {
		return false
	}

	if err := c.mount.Park(ctx); err != nil {
		c.logger.Warn("park command failed", "attempt", attempt, "error", err.Error())
		c.appendError("Park error: " + err.Error())
		return false
	}

	deadline := time.Now().Add(c.config.ParkTimeout)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, c.config.PollInterval); err != nil {
			return false
		}
		st, err := c.mount.Status(ctx)
		if err != nil {
			c.appendError("Park status error: " + err.Error())
			continue
		}
		if st.Parked {
			c.logger.Info("emergency park completed successfully", "attempt", attempt)
			c.appendAction("Mount parked")
			return true
		}
	}

	c.logger.Warn("park timeout", "attempt", attempt)
	return false
}

// EmergencyClose executes the emergency close sequence.
//
// Description:
//
//	Same retry and poll structure as EmergencyPark, against the roof
//	controller. Independent of the park outcome: callers always
//	attempt close even when park failed, because enclosure
//	protection outranks telescope protection.
func (c *Controller) EmergencyClose(ctx context.Context) bool {
	c.logger.Warn("EMERGENCY CLOSE initiated")

	if c.roof == nil {
		c.logger.Error("cannot close, roof controller not available")
		return false
	}

	c.setState(StateClosing)

	for attempt := 1; attempt <= c.config.MaxCloseRetries; attempt++ {
		if ok := c.closeAttempt(ctx, attempt); ok {
			closeResults.WithLabelValues("success").Inc()
			return true
		}
		if ctx.Err() != nil {
			c.appendError("Close aborted: " + ctx.Err().Error())
			break
		}
		if attempt < c.config.MaxCloseRetries {
			if err := sleepCtx(ctx, c.config.RetryDelay); err != nil {
				c.appendError("Close aborted: " + err.Error())
				break
			}
		}
	}

	c.logger.Error("emergency close FAILED after all retries")
	closeResults.WithLabelValues("failure").Inc()
	return false
}

// closeAttempt runs one close-poll cycle.
func (c *Controller) closeAttempt(ctx context.Context, attempt int) bool {
	if err := c.roof.Close(ctx); err != nil {
		c.logger.Warn("close command failed", "attempt", attempt, "error", err.Error())
		c.appendError("Close error: " + err.Error())
		return false
	}

	deadline := time.Now().Add(c.config.CloseTimeout)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, c.config.PollInterval); err != nil {
			return false
		}
		st, err := c.roof.Status(ctx)
		if err != nil {
			c.appendError("Close status error: " + err.Error())
			continue
		}
		if st.Closed {
			c.logger.Info("emergency close completed successfully", "attempt", attempt)
			c.appendAction("Roof closed")
			return true
		}
	}

	c.logger.Warn("close timeout", "attempt", attempt)
	return false
}

// MoveToSafetyPosition brings the mount clear of the roof travel path.
//
// Description:
//
//	Returns true immediately when there is nothing to do: no mount
//	attached, mount already parked, or pointing below the safe
//	altitude. Otherwise falls through to a full emergency park.
func (c *Controller) MoveToSafetyPosition(ctx context.Context) bool {
	c.logger.Info("moving mount to safety position for enclosure close")

	if c.mount == nil {
		c.logger.Warn("cannot move to safety, mount not available")
		return true // nothing to protect
	}

	if err := c.mount.Stop(ctx); err != nil {
		c.appendError("Stop error: " + err.Error())
	}
	if err := sleepCtx(ctx, c.config.SettleDelay); err != nil {
		c.appendError("Safety position aborted: " + err.Error())
		return false
	}

	st, err := c.mount.Status(ctx)
	if err != nil {
		c.logger.Error("error checking safety position", "error", err.Error())
		c.appendError("Safety position error: " + err.Error())
		return false
	}

	if st.Parked {
		c.logger.Info("mount already parked, in safety position")
		c.appendAction("Mount verified parked")
		return true
	}

	if st.AltitudeDeg < c.config.SafeAltitudeDeg {
		c.logger.Info("mount at safe altitude", "altitude_deg", st.AltitudeDeg)
		c.appendAction(fmt.Sprintf("Mount at safe altitude %.1f°", st.AltitudeDeg))
		return true
	}

	c.logger.Info("mount not in safety position, initiating park")
	return c.EmergencyPark(ctx)
}

// =============================================================================
// Response Sequences
// =============================================================================

// RespondToRain executes the rain emergency response.
//
// Description:
//
//	Rain is the highest priority weather emergency: stop all motion,
//	park the telescope, close the enclosure, and alert at emergency
//	level. Close runs even when park failed. Returns false without
//	acting when another response is already in flight.
func (c *Controller) RespondToRain(ctx context.Context) bool {
	c.logger.Error("RAIN EMERGENCY, initiating immediate response")

	if !c.respMu.TryLock() {
		c.rejectConcurrent(Rain)
		return false
	}
	defer c.respMu.Unlock()

	c.beginResponse(Rain, "Rain detected - immediate closure required")
	c.SendAlert(AlertEmergency, "RAIN DETECTED - Emergency closure in progress", Rain)

	success := true

	if c.mount != nil {
		if !c.EmergencyPark(ctx) {
			success = false
			c.SendAlert(AlertCritical,
				"WARNING: Emergency park failed during rain response", Rain)
		}
	}

	// Close even if park failed.
	if c.roof != nil {
		if !c.EmergencyClose(ctx) {
			success = false
			c.SendAlert(AlertCritical,
				"CRITICAL: Emergency close failed - manual intervention required", Rain)
		}
	}

	c.completeResponse(success)
	return success
}

// RespondToWeather executes the generic weather emergency response.
//
// Description:
//
//	Classifies the condition (a "wind" substring maps to HighWind,
//	anything else to WeatherUnsafe), tries the safety position
//	first, falls back to a direct park, then closes the enclosure.
func (c *Controller) RespondToWeather(ctx context.Context, condition string) bool {
	c.logger.Error("WEATHER EMERGENCY, initiating response", "condition", condition)

	kind := WeatherUnsafe
	if strings.Contains(strings.ToLower(condition), "wind") {
		kind = HighWind
	}

	if !c.respMu.TryLock() {
		c.rejectConcurrent(kind)
		return false
	}
	defer c.respMu.Unlock()

	c.beginResponse(kind, "Weather emergency: "+condition)
	c.SendAlert(AlertEmergency,
		fmt.Sprintf("WEATHER ALERT: %s - Securing observatory", strings.ToUpper(condition)), kind)

	success := true

	if c.mount != nil {
		if !c.MoveToSafetyPosition(ctx) {
			// Direct park as fallback.
			if !c.EmergencyPark(ctx) {
				success = false
				c.SendAlert(AlertCritical,
					"WARNING: Could not secure mount during "+condition, kind)
			}
		}
	}

	if c.roof != nil {
		if !c.EmergencyClose(ctx) {
			success = false
			c.SendAlert(AlertCritical,
				"CRITICAL: Enclosure close failed during "+condition, kind)
		}
	}

	if success {
		c.SendAlert(AlertInfo,
			fmt.Sprintf("Observatory secured. Weather emergency (%s) response complete.", condition), kind)
	}

	c.completeResponse(success)
	return success
}

// RespondToEmergency executes the full response for any emergency
// kind. Rain dispatches to RespondToRain; every other kind runs the
// generic park-then-close sequence.
func (c *Controller) RespondToEmergency(ctx context.Context, kind EmergencyKind, description string) bool {
	if kind == Rain {
		return c.RespondToRain(ctx)
	}

	c.logger.Error("EMERGENCY", "kind", string(kind), "description", description)

	if !c.respMu.TryLock() {
		c.rejectConcurrent(kind)
		return false
	}
	defer c.respMu.Unlock()

	if description == "" {
		description = string(kind) + " emergency"
	}
	c.beginResponse(kind, description)
	c.SendAlert(AlertEmergency,
		fmt.Sprintf("%s: %s", strings.ToUpper(string(kind)), description), kind)

	success := true

	if c.mount != nil {
		if !c.EmergencyPark(ctx) {
			success = false
		}
	}
	if c.roof != nil {
		if !c.EmergencyClose(ctx) {
			success = false
		}
	}

	c.completeResponse(success)
	return success
}

// =============================================================================
// Internal Helpers
// =============================================================================

// beginResponse opens a new event record. Caller must hold respMu.
func (c *Controller) beginResponse(kind EmergencyKind, description string) {
	now := time.Now()

	c.mu.Lock()
	c.current = &EmergencyEvent{
		Kind:            kind,
		Timestamp:       now,
		Description:     description,
		State:           StateResponding,
		ResponseStarted: now,
	}
	c.state = StateResponding
	bus := c.bus
	c.mu.Unlock()

	responsesTotal.WithLabelValues(string(kind)).Inc()

	if bus != nil {
		bus.Publish(events.EmergencyStarted, events.EmergencyPayload{
			Kind:        string(kind),
			Description: description,
		})
	}
}

// completeResponse finalizes the active event and archives it.
// Caller must hold respMu.
func (c *Controller) completeResponse(success bool) {
	c.mu.Lock()
	final := StateFailed
	if success {
		final = StateCompleted
	}

	var kind EmergencyKind
	var started time.Time
	if c.current != nil {
		c.current.ResponseCompleted = time.Now()
		c.current.State = final
		kind = c.current.Kind
		started = c.current.ResponseStarted
		if len(c.history) >= c.config.HistorySize {
			c.history = c.history[1:]
		}
		c.history = append(c.history, c.current.clone())
	}
	c.state = final
	bus := c.bus
	c.mu.Unlock()

	if !started.IsZero() {
		responseDuration.WithLabelValues(string(kind)).
			Observe(time.Since(started).Seconds())
	}

	if success {
		c.logger.Info("emergency response completed", "kind", string(kind))
	} else {
		c.logger.Error("emergency response completed with errors", "kind", string(kind))
	}

	if bus != nil {
		bus.Publish(events.EmergencyResolved, events.EmergencyPayload{
			Kind:      string(kind),
			Succeeded: success,
		})
	}
}

// rejectConcurrent records a trigger that lost the response lock.
func (c *Controller) rejectConcurrent(kind EmergencyKind) {
	c.logger.Warn("emergency response already in progress, trigger rejected",
		"kind", string(kind))
	rejectedTriggers.WithLabelValues(string(kind)).Inc()
}

// setState updates the controller state.
func (c *Controller) setState(s ResponseState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// appendAction records an actuator outcome on the active event.
func (c *Controller) appendAction(action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.ActionsTaken = append(c.current.ActionsTaken, action)
	}
}

// appendError records a failure on the active event.
func (c *Controller) appendError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Errors = append(c.current.Errors, msg)
	}
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
