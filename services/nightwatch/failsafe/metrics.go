// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package failsafe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// responsesTotal counts started response sequences by kind.
	responsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "failsafe",
			Name:      "responses_total",
			Help:      "Emergency response sequences started, by kind.",
		},
		[]string{"kind"},
	)

	// rejectedTriggers counts triggers rejected by the response lock.
	rejectedTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "failsafe",
			Name:      "rejected_triggers_total",
			Help:      "Triggers rejected because a response was in flight.",
		},
		[]string{"kind"},
	)

	// parkResults counts emergency park outcomes.
	parkResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "failsafe",
			Name:      "park_results_total",
			Help:      "Emergency park sequence outcomes.",
		},
		[]string{"result"},
	)

	// closeResults counts emergency close outcomes.
	closeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "failsafe",
			Name:      "close_results_total",
			Help:      "Emergency close sequence outcomes.",
		},
		[]string{"result"},
	)

	// alertsTotal counts dispatched alerts by level and kind.
	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "failsafe",
			Name:      "alerts_total",
			Help:      "Alerts dispatched, by level and emergency kind.",
		},
		[]string{"level", "kind"},
	)

	// responseDuration observes full response sequence durations.
	responseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nightwatch",
			Subsystem: "failsafe",
			Name:      "response_duration_seconds",
			Help:      "Wall time of completed response sequences.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"kind"},
	)
)
