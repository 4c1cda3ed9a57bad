// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the observatory's status and diagnostics
// over HTTP: a JSON API, a live websocket event feed, and the
// prometheus scrape endpoint.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thoclabs/nightwatch/pkg/logging"
	"github.com/thoclabs/nightwatch/services/nightwatch/config"
	"github.com/thoclabs/nightwatch/services/nightwatch/events"
	"github.com/thoclabs/nightwatch/services/nightwatch/failsafe"
	"github.com/thoclabs/nightwatch/services/nightwatch/interlock"
	"github.com/thoclabs/nightwatch/services/nightwatch/supervisor"
	"github.com/thoclabs/nightwatch/services/nightwatch/telemetry"
	"github.com/thoclabs/nightwatch/services/nightwatch/watchdog"
)

const defaultHistoryLimit = 50

// Server is the status/diagnostics HTTP server. All component
// references are optional; absent ones report as unavailable.
type Server struct {
	cfg      config.ServerConfig
	logger   *logging.Logger
	bus      *events.Bus
	locks    *interlock.Interlock
	failsafe *failsafe.Controller
	watchdog *watchdog.Watchdog
	super    *supervisor.Supervisor
	site     string
	version  string

	engine  *gin.Engine
	httpSrv *http.Server
	limiter *ipLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus attaches the event bus backing /api/v1/events and /ws.
func WithBus(b *events.Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithInterlock attaches the command gatekeeper.
func WithInterlock(i *interlock.Interlock) Option {
	return func(s *Server) { s.locks = i }
}

// WithFailsafe attaches the emergency response controller.
func WithFailsafe(c *failsafe.Controller) Option {
	return func(s *Server) { s.failsafe = c }
}

// WithWatchdog attaches the heartbeat supervisor.
func WithWatchdog(w *watchdog.Watchdog) Option {
	return func(s *Server) { s.watchdog = w }
}

// WithSupervisor attaches the service registry.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(s *Server) { s.super = sup }
}

// WithSite sets the site name reported by /api/v1/status.
func WithSite(name string) Option {
	return func(s *Server) { s.site = name }
}

// WithVersion sets the version string reported by /api/v1/status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates the server and builds its routes.
func New(cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logging.Discard(),
		limiter: newIPLimiter(cfg.RateLimitPerSec, cfg.RateBurst),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.buildRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("status server listening", "addr", s.cfg.Addr())
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("status server stopping")
	return s.httpSrv.Shutdown(ctx)
}

// =============================================================================
// Routes
// =============================================================================

func (s *Server) buildRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(telemetry.Handler()))
	s.engine.GET("/ws", s.handleEventFeed)

	api := s.engine.Group("/api/v1")
	api.Use(s.rateLimit(), telemetry.GinMiddleware())
	api.GET("/status", s.handleStatus)
	api.GET("/vetoes", s.handleVetoes)
	api.GET("/emergencies", s.handleEmergencies)
	api.GET("/events", s.handleEvents)
	api.POST("/emergency-stop", s.handleEmergencyStop)
}

// rateLimit rejects clients exceeding the configured token bucket.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Handlers
// =============================================================================

type statusResponse struct {
	Site               string                   `json:"site,omitempty"`
	Version            string                   `json:"version,omitempty"`
	Time               time.Time                `json:"time"`
	SafeForObservation *bool                    `json:"safe_for_observation,omitempty"`
	Failsafe           *failsafe.Status         `json:"failsafe,omitempty"`
	Services           []supervisor.ServiceInfo `json:"services,omitempty"`
	Watchdog           []watchdog.ServiceStatus `json:"watchdog,omitempty"`
	AllHealthy         *bool                    `json:"all_healthy,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{
		Site:    s.site,
		Version: s.version,
		Time:    time.Now().UTC(),
	}
	if s.locks != nil {
		safe := s.locks.IsSafeForObservation()
		resp.SafeForObservation = &safe
	}
	if s.failsafe != nil {
		st := s.failsafe.GetStatus()
		resp.Failsafe = &st
	}
	if s.super != nil {
		resp.Services = s.super.Statuses()
	}
	if s.watchdog != nil {
		resp.Watchdog = s.watchdog.GetAllStatus()
		healthy := s.watchdog.AllHealthy()
		resp.AllHealthy = &healthy
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVetoes(c *gin.Context) {
	if s.locks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "interlock not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"vetoes": s.locks.GetVetoHistory(queryLimit(c)),
	})
}

func (s *Server) handleEmergencies(c *gin.Context) {
	if s.failsafe == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failsafe not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"emergencies": s.failsafe.GetEventHistory(queryLimit(c)),
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": s.bus.Recent(queryLimit(c)),
	})
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

// handleEmergencyStop triggers a user emergency response. Returns
// 409 when another response is already in flight; the trigger is
// rejected, not queued.
func (s *Server) handleEmergencyStop(c *gin.Context) {
	if s.failsafe == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failsafe not available"})
		return
	}
	var req emergencyStopRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "Emergency stop requested via API"
	}

	s.logger.Warn("emergency stop requested", "remote", c.ClientIP(), "reason", req.Reason)
	ok := s.failsafe.RespondToEmergency(c.Request.Context(), failsafe.UserTriggered, req.Reason)
	if !ok && s.failsafe.Responding() {
		c.JSON(http.StatusConflict, gin.H{
			"triggered": false,
			"error":     "a response is already in progress",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"triggered": true,
		"succeeded": ok,
	})
}

func queryLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	return n
}
