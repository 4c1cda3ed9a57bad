// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// startFailuresTotal counts failed service starts.
	startFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "supervisor",
			Name:      "start_failures_total",
			Help:      "Service start failures, by service.",
		},
		[]string{"service"},
	)

	// shutdownsTotal counts shutdown sequences by safety mode.
	shutdownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "supervisor",
			Name:      "shutdowns_total",
			Help:      "Shutdown sequences run, by safe flag.",
		},
		[]string{"safe"},
	)
)
