// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides the process-level prometheus surface:
// build info, uptime, HTTP request metrics, and the /metrics handler.
// Component-specific metrics live in their own packages.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var processStart = time.Now()

var (
	// buildInfo carries version labels with a constant value of 1.
	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nightwatch",
			Name:      "build_info",
			Help:      "Build metadata as labels; value is always 1.",
		},
		[]string{"version", "commit"},
	)

	// uptimeSeconds reports seconds since process start.
	uptimeSeconds = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "nightwatch",
			Name:      "uptime_seconds",
			Help:      "Seconds since process start.",
		},
		func() float64 { return time.Since(processStart).Seconds() },
	)

	// httpRequestsTotal counts API requests by method, route, status.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by method, route, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration observes API request latencies.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nightwatch",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by method and route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// SetBuildInfo publishes the running binary's version labels.
func SetBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// Handler returns the prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request count and latency per route. Uses
// the matched route template, not the raw URL, so path parameters do
// not explode label cardinality.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
