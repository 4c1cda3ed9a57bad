// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// publishedTotal counts events published, by type.
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus, by type.",
		},
		[]string{"type"},
	)

	// listenerPanicsTotal counts listeners recovered mid-delivery.
	listenerPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "events",
			Name:      "listener_panics_total",
			Help:      "Listener panics recovered during delivery, by type.",
		},
		[]string{"type"},
	)
)
