// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package watchdog supervises observatory services through heartbeats.
//
// Each registered service is expected to call Heartbeat within its
// configured interval. A missed heartbeat degrades the service; a
// sustained outage fails it and triggers bounded, backed-off restart
// attempts through the service's restart hook. When a critical
// service exhausts its restarts, the watchdog hands off to the
// fail-safe controller exactly once per failure episode.
package watchdog

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/thoclabs/nightwatch/pkg/logging"
	"github.com/thoclabs/nightwatch/services/nightwatch/events"
	"github.com/thoclabs/nightwatch/services/nightwatch/failsafe"
)

// =============================================================================
// Watchdog
// =============================================================================

// EmergencyHandler is the fail-safe surface the watchdog escalates
// to. *failsafe.Controller satisfies it.
type EmergencyHandler interface {
	RespondToEmergency(ctx context.Context, kind failsafe.EmergencyKind, description string) bool
	SendAlert(level failsafe.AlertLevel, message string, kind failsafe.EmergencyKind)
}

// record is the per-service supervision state. All fields are
// guarded by the watchdog mutex.
type record struct {
	cfg ServiceConfig

	state               ServiceState
	lastSeen            time.Time // registration or last heartbeat
	lastHeartbeat       time.Time // zero until the first heartbeat
	lastError           string
	restartCount        int
	lastRestart         time.Time
	consecutiveFailures int

	// escalated and warned latch the one-shot exhaustion
	// notifications for the current failure episode. A heartbeat
	// recovery clears them.
	escalated bool
	warned    bool
}

// Watchdog monitors registered services and drives recovery.
//
// Description: heartbeat-driven service supervisor. Register services
// before calling Run; Heartbeat, ReportError, and the query methods
// are safe for concurrent use.
type Watchdog struct {
	logger    *logging.Logger
	bus       *events.Bus
	responder EmergencyHandler
	poll      time.Duration
	now       func() time.Time

	mu       sync.Mutex
	services map[string]*record
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithBus sets the event bus for miss and failure notifications.
func WithBus(b *events.Bus) Option {
	return func(w *Watchdog) { w.bus = b }
}

// WithFailsafe sets the fail-safe handler for critical escalation.
func WithFailsafe(h EmergencyHandler) Option {
	return func(w *Watchdog) { w.responder = h }
}

// WithPollInterval sets the monitor loop period. The loop never
// polls slower than the smallest registered heartbeat interval.
// Defaults to 5s.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a Watchdog with no registered services.
func New(opts ...Option) *Watchdog {
	w := &Watchdog{
		logger:   logging.Discard(),
		poll:     5 * time.Second,
		now:      time.Now,
		services: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// =============================================================================
// Registration
// =============================================================================

// Register adds a service under supervision.
//
// Description: validates and defaults the configuration and starts
// the timeout clock from now. The service begins in the unknown
// state until its first heartbeat.
//
// Inputs:
//   - cfg: supervision parameters; Name must be unique.
//
// Outputs:
//   - error: invalid configuration or duplicate name.
func (w *Watchdog) Register(cfg ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ApplyDefaults()

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.services[cfg.Name]; exists {
		return fmt.Errorf("watchdog: service %q already registered", cfg.Name)
	}
	w.services[cfg.Name] = &record{
		cfg:      cfg,
		state:    StateUnknown,
		lastSeen: w.now(),
	}
	w.logger.Debug("service registered",
		"service", cfg.Name,
		"kind", string(cfg.Kind),
		"heartbeat_interval", cfg.HeartbeatInterval,
		"timeout", cfg.Timeout,
		"critical", cfg.Critical)
	return nil
}

// Unregister removes a service from supervision. Returns false if
// the name is not registered.
func (w *Watchdog) Unregister(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.services[name]; !ok {
		return false
	}
	delete(w.services, name)
	return true
}

// MarkStopped records a deliberate service stop. A stopped service
// is excluded from timeout checks until it heartbeats again.
func (w *Watchdog) MarkStopped(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.services[name]
	if !ok {
		return false
	}
	rec.state = StateStopped
	rec.consecutiveFailures = 0
	return true
}

// =============================================================================
// Heartbeats and Errors
// =============================================================================

// Heartbeat records a liveness signal from a service.
//
// Description: resets the timeout clock and the consecutive failure
// count. Any non-healthy state recovers to healthy, ending the
// current failure episode: restart counters and the one-shot
// escalation latches are cleared.
//
// Outputs:
//   - bool: false if the service is not registered.
func (w *Watchdog) Heartbeat(name string) bool {
	now := w.now()

	w.mu.Lock()
	rec, ok := w.services[name]
	if !ok {
		w.mu.Unlock()
		return false
	}
	prev := rec.state
	rec.lastSeen = now
	rec.lastHeartbeat = now
	rec.consecutiveFailures = 0
	rec.state = StateHealthy
	rec.restartCount = 0
	rec.escalated = false
	rec.warned = false
	w.mu.Unlock()

	if prev != StateHealthy && prev != StateUnknown {
		w.logger.Info("service recovered", "service", name, "previous_state", prev.String())
		recoveriesTotal.WithLabelValues(name).Inc()
	}
	return true
}

// ReportError records an application-level failure for a service.
//
// Description: increments the consecutive failure count without
// touching the heartbeat clock. At the failure threshold the service
// is marked failed; below it the service degrades.
func (w *Watchdog) ReportError(name string, err error) bool {
	if err == nil {
		return w.has(name)
	}

	w.mu.Lock()
	rec, ok := w.services[name]
	if !ok {
		w.mu.Unlock()
		return false
	}
	rec.lastError = err.Error()
	rec.consecutiveFailures++
	var failed *events.ServicePayload
	if rec.consecutiveFailures >= rec.cfg.FailureThreshold {
		if rec.state != StateFailed {
			failed = w.markFailedLocked(rec)
		}
	} else if rec.state == StateHealthy || rec.state == StateUnknown {
		rec.state = StateDegraded
	}
	count := rec.consecutiveFailures
	w.mu.Unlock()

	w.logger.Warn("service error reported",
		"service", name,
		"error", err.Error(),
		"consecutive_failures", count)
	if failed != nil {
		w.publishFailed(*failed)
	}
	return true
}

func (w *Watchdog) has(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.services[name]
	return ok
}

// =============================================================================
// Monitor Loop
// =============================================================================

// Run drives the periodic timeout checks until stopCh closes.
// Intended to run as a goroutine; wg is marked done on exit.
func (w *Watchdog) Run(stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := w.pollInterval()
	w.logger.Info("watchdog started", "poll_interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.CheckNow(context.Background())
		}
	}
}

// pollInterval clamps the configured poll period to the smallest
// registered heartbeat interval so no service can miss unnoticed.
func (w *Watchdog) pollInterval() time.Duration {
	interval := w.poll
	w.mu.Lock()
	for _, rec := range w.services {
		if rec.cfg.HeartbeatInterval < interval {
			interval = rec.cfg.HeartbeatInterval
		}
	}
	w.mu.Unlock()
	return interval
}

// CheckNow runs one supervision pass over every registered service.
// Each service is checked in isolation: a panicking restart hook or
// bus listener cannot take down the loop or skip other services.
func (w *Watchdog) CheckNow(ctx context.Context) {
	w.mu.Lock()
	names := make([]string, 0, len(w.services))
	for name := range w.services {
		names = append(names, name)
	}
	w.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		w.checkService(ctx, name)
	}
}

// checkService evaluates one service's timeout and recovery policy.
// State transitions happen under the lock; the restart hook, the
// fail-safe hand-off, and bus publishes run outside it.
func (w *Watchdog) checkService(ctx context.Context, name string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic during service check", "service", name, "panic", fmt.Sprint(r))
		}
	}()

	now := w.now()
	var (
		missed     *events.HeartbeatPayload
		failed     *events.ServicePayload
		hook       RestartFunc
		attempt    int
		maxAttempt int
		escalate   bool
		warn       bool
	)

	w.mu.Lock()
	rec, ok := w.services[name]
	if !ok || rec.state == StateStopped {
		w.mu.Unlock()
		return
	}
	elapsed := now.Sub(rec.lastSeen)
	if elapsed <= rec.cfg.Timeout && rec.state != StateFailed {
		w.mu.Unlock()
		return
	}

	if elapsed > rec.cfg.Timeout && rec.state != StateFailed {
		rec.consecutiveFailures++
		heartbeatMissesTotal.WithLabelValues(name).Inc()
		if elapsed > 2*rec.cfg.Timeout || rec.consecutiveFailures >= rec.cfg.FailureThreshold {
			failed = w.markFailedLocked(rec)
		} else {
			rec.state = StateDegraded
		}
		missed = &events.HeartbeatPayload{
			Service:           name,
			ElapsedS:          elapsed.Seconds(),
			State:             rec.state.String(),
			ConsecutiveMisses: rec.consecutiveFailures,
		}
	}

	if rec.state == StateFailed {
		switch {
		case rec.restartCount < rec.cfg.MaxRestartAttempts:
			wait := restartCooldown(rec.cfg, rec.restartCount)
			if rec.restartCount == 0 || now.Sub(rec.lastRestart) >= wait {
				rec.restartCount++
				rec.lastRestart = now
				rec.lastSeen = now // fresh timeout window for the restarted service
				rec.state = StateRestarting
				hook = rec.cfg.Restart
				attempt = rec.restartCount
				maxAttempt = rec.cfg.MaxRestartAttempts
			}
		case rec.cfg.Critical && !rec.escalated:
			rec.escalated = true
			escalate = true
		case !rec.cfg.Critical && !rec.warned:
			rec.warned = true
			warn = true
		}
	}
	w.mu.Unlock()

	if missed != nil {
		w.logger.Warn("heartbeat missed",
			"service", name,
			"elapsed_s", missed.ElapsedS,
			"state", missed.State,
			"consecutive_misses", missed.ConsecutiveMisses)
		if w.bus != nil {
			w.bus.Publish(events.HeartbeatMissed, *missed)
		}
	}
	if failed != nil {
		w.publishFailed(*failed)
	}
	if attempt > 0 {
		w.runRestart(ctx, name, hook, attempt, maxAttempt)
	}
	if escalate {
		w.escalateCritical(ctx, name)
	}
	if warn {
		msg := fmt.Sprintf("Service %s failed and exhausted restart attempts", name)
		w.logger.Warn("restarts exhausted for non-critical service", "service", name)
		if w.responder != nil {
			w.responder.SendAlert(failsafe.AlertWarning, msg, failsafe.EquipmentFailure)
		}
	}
}

// markFailedLocked transitions a record to failed and returns the
// event payload to publish after the lock is released.
func (w *Watchdog) markFailedLocked(rec *record) *events.ServicePayload {
	rec.state = StateFailed
	failuresTotal.WithLabelValues(rec.cfg.Name).Inc()
	return &events.ServicePayload{
		Name:  rec.cfg.Name,
		Error: rec.lastError,
	}
}

func (w *Watchdog) publishFailed(p events.ServicePayload) {
	w.logger.Error("service failed", "service", p.Name, "last_error", p.Error)
	if w.bus != nil {
		w.bus.Publish(events.ServiceFailed, p)
	}
}

// runRestart invokes the restart hook for one attempt. Hook errors
// are recorded but do not consume extra attempts; the next pass
// handles the still-missing heartbeat.
func (w *Watchdog) runRestart(ctx context.Context, name string, hook RestartFunc, attempt, max int) {
	w.logger.Warn("restarting service",
		"service", name,
		"attempt", attempt,
		"max_attempts", max)
	restartAttemptsTotal.WithLabelValues(name).Inc()
	if hook == nil {
		return
	}
	if err := hook(ctx, name); err != nil {
		w.logger.Error("restart hook failed", "service", name, "attempt", attempt, "error", err.Error())
		w.mu.Lock()
		if rec, ok := w.services[name]; ok {
			rec.lastError = err.Error()
			if rec.state == StateRestarting {
				rec.state = StateFailed
			}
		}
		w.mu.Unlock()
	}
}

// escalateCritical hands a critical exhausted service to the
// fail-safe controller. Called at most once per failure episode.
func (w *Watchdog) escalateCritical(ctx context.Context, name string) {
	w.logger.Error("critical service exhausted restarts, escalating", "service", name)
	escalationsTotal.WithLabelValues(name).Inc()
	if w.responder == nil {
		return
	}
	desc := fmt.Sprintf("Critical service %s failed and exhausted restart attempts", name)
	w.responder.RespondToEmergency(ctx, failsafe.EquipmentFailure, desc)
}

// restartCooldown returns the required wait before the next restart
// attempt, growing geometrically with the attempts already made.
func restartCooldown(cfg ServiceConfig, attemptsMade int) time.Duration {
	if attemptsMade <= 0 {
		return 0
	}
	d := float64(cfg.RestartCooldown) * math.Pow(cfg.BackoffFactor, float64(attemptsMade-1))
	if d > float64(cfg.MaxCooldown) {
		return cfg.MaxCooldown
	}
	return time.Duration(d)
}

// =============================================================================
// Queries
// =============================================================================

// GetStatus returns a snapshot of one service.
func (w *Watchdog) GetStatus(name string) (ServiceStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.services[name]
	if !ok {
		return ServiceStatus{}, false
	}
	return snapshotLocked(rec), true
}

// GetAllStatus returns snapshots of every service, sorted by name.
func (w *Watchdog) GetAllStatus() []ServiceStatus {
	w.mu.Lock()
	out := make([]ServiceStatus, 0, len(w.services))
	for _, rec := range w.services {
		out = append(out, snapshotLocked(rec))
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FailedServices returns the names of failed services, sorted.
func (w *Watchdog) FailedServices() []string {
	w.mu.Lock()
	var out []string
	for name, rec := range w.services {
		if rec.state == StateFailed {
			out = append(out, name)
		}
	}
	w.mu.Unlock()
	sort.Strings(out)
	return out
}

// AllHealthy reports whether no service is degraded, failed, or
// restarting. Unknown and stopped services do not count against it.
func (w *Watchdog) AllHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range w.services {
		switch rec.state {
		case StateDegraded, StateFailed, StateRestarting:
			return false
		}
	}
	return true
}

func snapshotLocked(rec *record) ServiceStatus {
	return ServiceStatus{
		Kind:                rec.cfg.Kind,
		Name:                rec.cfg.Name,
		State:               rec.state,
		Critical:            rec.cfg.Critical,
		LastHeartbeat:       rec.lastHeartbeat,
		LastError:           rec.lastError,
		RestartCount:        rec.restartCount,
		LastRestart:         rec.lastRestart,
		ConsecutiveFailures: rec.consecutiveFailures,
	}
}
