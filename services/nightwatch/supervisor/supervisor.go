// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package supervisor owns the service registry and the lifecycle of
// every observatory service: ordered startup, health polling, and
// safe shutdown with the telescope protected before anything stops.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thoclabs/nightwatch/pkg/logging"
	"github.com/thoclabs/nightwatch/services/nightwatch/events"
	"github.com/thoclabs/nightwatch/services/nightwatch/failsafe"
)

// =============================================================================
// Service Contract
// =============================================================================

// Service is the lifecycle contract every managed service implements.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// Status is the registry's view of one service.
type Status int

const (
	StatusUnknown Status = iota
	StatusStarting
	StatusRunning
	StatusStopped
	StatusError
)

// String returns the lowercase wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "invalid"
	}
}

// MarshalJSON encodes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ServiceInfo is a read-only snapshot of one registered service.
type ServiceInfo struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Required  bool      `json:"required"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check,omitzero"`
}

// entry is the mutable registry record, guarded by the supervisor
// mutex. Registration order is preserved for startup sequencing.
type entry struct {
	name      string
	svc       Service
	required  bool
	status    Status
	lastError string
	lastCheck time.Time
}

// =============================================================================
// Supervisor
// =============================================================================

// Stopper marks services as deliberately stopped in the watchdog so
// shutdown does not read as a heartbeat outage. *watchdog.Watchdog
// satisfies it.
type Stopper interface {
	MarkStopped(name string) bool
}

// Supervisor is the service registry and lifecycle manager. It owns
// the event bus the rest of the system publishes on.
type Supervisor struct {
	logger         *logging.Logger
	bus            *events.Bus
	failsafe       *failsafe.Controller
	watchdog       Stopper
	healthInterval time.Duration

	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	running bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus shares an existing event bus instead of creating one.
func WithBus(b *events.Bus) Option {
	return func(s *Supervisor) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithFailsafe enables the safe-shutdown sequence (park the mount
// and close the roof before services stop).
func WithFailsafe(c *failsafe.Controller) Option {
	return func(s *Supervisor) { s.failsafe = c }
}

// WithWatchdog lets shutdown mark services stopped in the watchdog.
func WithWatchdog(w Stopper) Option {
	return func(s *Supervisor) { s.watchdog = w }
}

// WithHealthInterval sets the health poll period. Defaults to 30s.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.healthInterval = d
		}
	}
}

// New creates a Supervisor with an empty registry.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:         logging.Discard(),
		healthInterval: 30 * time.Second,
		byName:         make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = events.NewBus()
	}
	return s
}

// Bus returns the event bus this supervisor publishes on.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Running reports whether StartAll has completed successfully and
// ShutdownAll has not yet run.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// =============================================================================
// Registration
// =============================================================================

// Register adds a service to the registry.
//
// Description: services start in registration order and stop in
// reverse. Required services gate StartAll; optional ones degrade
// gracefully.
//
// Outputs:
//   - error: duplicate name or nil service.
func (s *Supervisor) Register(name string, svc Service, required bool) error {
	if name == "" {
		return fmt.Errorf("supervisor: service name is required")
	}
	if svc == nil {
		return fmt.Errorf("supervisor: service %q is nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("supervisor: service %q already registered", name)
	}
	e := &entry{name: name, svc: svc, required: required, status: StatusUnknown}
	s.entries = append(s.entries, e)
	s.byName[name] = e
	s.logger.Info("service registered", "service", name, "required", required)
	return nil
}

// Unregister removes a service. Returns false if not registered.
func (s *Supervisor) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return false
	}
	delete(s.byName, name)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			break
		}
	}
	return true
}

// =============================================================================
// Lifecycle
// =============================================================================

// StartAll starts every registered service in registration order.
//
// Description: a failed optional service is logged and skipped. A
// failed required service aborts the startup: everything already
// started is stopped again, in reverse order, and false is returned.
//
// Outputs:
//   - bool: true when every required service is running.
func (s *Supervisor) StartAll(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("supervisor already running")
		return true
	}
	ordered := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	s.logger.Info("starting services", "count", len(ordered))
	var started []*entry
	for _, e := range ordered {
		s.setStatus(e.name, StatusStarting, "")
		if err := s.startService(ctx, e); err != nil {
			s.setStatus(e.name, StatusError, err.Error())
			startFailuresTotal.WithLabelValues(e.name).Inc()
			if e.required {
				s.logger.Error("required service failed to start, aborting",
					"service", e.name, "error", err.Error())
				s.stopEntries(ctx, started)
				return false
			}
			s.logger.Warn("optional service failed to start, continuing",
				"service", e.name, "error", err.Error())
			continue
		}
		s.setStatus(e.name, StatusRunning, "")
		started = append(started, e)
		s.logger.Info("service started", "service", e.name)
		s.bus.Publish(events.ServiceStarted, events.ServicePayload{
			Name:     e.name,
			Required: e.required,
		})
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Info("all services started", "running", len(started))
	return true
}

// startService isolates one Start call so a panicking service reads
// as a start failure rather than taking the supervisor down.
func (s *Supervisor) startService(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during start: %v", r)
		}
	}()
	return e.svc.Start(ctx)
}

// ShutdownAll stops every service in reverse registration order.
//
// Description: when safe is true and a fail-safe controller is
// attached, the telescope is protected first: the mount is moved to
// a safe position (parking if needed) and the roof is closed. Only
// then do services stop. Stop errors are logged, never propagated;
// shutdown always runs to completion.
func (s *Supervisor) ShutdownAll(ctx context.Context, safe bool) {
	s.mu.Lock()
	ordered := append([]*entry(nil), s.entries...)
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutdown initiated", "safe", safe)
	shutdownsTotal.WithLabelValues(fmt.Sprintf("%t", safe)).Inc()
	s.bus.Publish(events.ShutdownInitiated, events.ServicePayload{})

	if safe && s.failsafe != nil {
		if !s.failsafe.MoveToSafetyPosition(ctx) {
			s.logger.Error("mount not confirmed safe during shutdown")
		}
		if !s.failsafe.EmergencyClose(ctx) {
			s.logger.Error("roof not confirmed closed during shutdown")
		}
	}

	s.stopEntries(ctx, ordered)
	s.logger.Info("shutdown complete")
}

// stopEntries stops the given services in reverse order.
func (s *Supervisor) stopEntries(ctx context.Context, ordered []*entry) {
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		if err := s.stopService(ctx, e); err != nil {
			s.setStatus(e.name, StatusError, err.Error())
			s.logger.Error("error stopping service", "service", e.name, "error", err.Error())
			continue
		}
		s.setStatus(e.name, StatusStopped, "")
		s.logger.Info("service stopped", "service", e.name)
		if s.watchdog != nil {
			s.watchdog.MarkStopped(e.name)
		}
		s.bus.Publish(events.ServiceStopped, events.ServicePayload{
			Name:     e.name,
			Required: e.required,
		})
	}
}

func (s *Supervisor) stopService(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during stop: %v", r)
		}
	}()
	return e.svc.Stop(ctx)
}

// =============================================================================
// Health Polling
// =============================================================================

// RunHealthLoop polls every service's Running flag until stopCh
// closes. A required service observed down is published as failed
// once per outage. Intended to run as a goroutine.
func (s *Supervisor) RunHealthLoop(stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.CheckHealth()
		}
	}
}

// CheckHealth runs one health pass over every registered service.
func (s *Supervisor) CheckHealth() {
	s.mu.Lock()
	ordered := append([]*entry(nil), s.entries...)
	supervisorRunning := s.running
	s.mu.Unlock()
	if !supervisorRunning {
		return
	}

	for _, e := range ordered {
		alive := s.pollRunning(e)
		s.mu.Lock()
		prev := e.status
		switch {
		case alive:
			e.status = StatusRunning
			e.lastError = ""
		case prev == StatusRunning:
			e.status = StatusStopped
		}
		e.lastCheck = time.Now()
		name, required := e.name, e.required
		s.mu.Unlock()

		if !alive && prev == StatusRunning {
			s.logger.Warn("service no longer running", "service", name, "required", required)
			if required {
				s.bus.Publish(events.ServiceFailed, events.ServicePayload{
					Name:     name,
					Required: required,
				})
			}
		}
	}
}

func (s *Supervisor) pollRunning(e *entry) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			alive = false
		}
	}()
	return e.svc.Running()
}

// =============================================================================
// Queries
// =============================================================================

// AllRequiredRunning reports whether every required service is in
// the running state.
func (s *Supervisor) AllRequiredRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.required && e.status != StatusRunning {
			return false
		}
	}
	return true
}

// Statuses returns snapshots of every service in registration order.
func (s *Supervisor) Statuses() []ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServiceInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, ServiceInfo{
			Name:      e.name,
			Status:    e.status,
			Required:  e.required,
			LastError: e.lastError,
			LastCheck: e.lastCheck,
		})
	}
	return out
}

// GetStatus returns the snapshot for one service.
func (s *Supervisor) GetStatus(name string) (ServiceInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return ServiceInfo{}, false
	}
	return ServiceInfo{
		Name:      e.name,
		Status:    e.status,
		Required:  e.required,
		LastError: e.lastError,
		LastCheck: e.lastCheck,
	}, true
}

func (s *Supervisor) setStatus(name string, st Status, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return
	}
	e.status = st
	e.lastCheck = time.Now()
	if lastError != "" {
		e.lastError = lastError
	}
}
