// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// heartbeatMissesTotal counts timeout checks that found a stale
	// heartbeat.
	heartbeatMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "watchdog",
			Name:      "heartbeat_misses_total",
			Help:      "Heartbeat timeouts observed, by service.",
		},
		[]string{"service"},
	)

	// failuresTotal counts transitions into the failed state.
	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "watchdog",
			Name:      "failures_total",
			Help:      "Service transitions into the failed state.",
		},
		[]string{"service"},
	)

	// restartAttemptsTotal counts automatic restart attempts.
	restartAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "watchdog",
			Name:      "restart_attempts_total",
			Help:      "Automatic restart attempts, by service.",
		},
		[]string{"service"},
	)

	// escalationsTotal counts critical hand-offs to the fail-safe.
	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "watchdog",
			Name:      "escalations_total",
			Help:      "Critical services handed to the fail-safe controller.",
		},
		[]string{"service"},
	)

	// recoveriesTotal counts heartbeat recoveries from a bad state.
	recoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "watchdog",
			Name:      "recoveries_total",
			Help:      "Services recovered to healthy by a heartbeat.",
		},
		[]string{"service"},
	)
)
