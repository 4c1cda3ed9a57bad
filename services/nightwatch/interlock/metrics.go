// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package interlock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checksTotal counts CheckCommand evaluations by command and verdict.
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "interlock",
			Name:      "checks_total",
			Help:      "Safety check evaluations by command and verdict.",
		},
		[]string{"command", "verdict"},
	)

	// vetoesTotal counts raised vetoes by failing check.
	vetoesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightwatch",
			Subsystem: "interlock",
			Name:      "vetoes_total",
			Help:      "Vetoes raised by safety check name.",
		},
		[]string{"check"},
	)
)
