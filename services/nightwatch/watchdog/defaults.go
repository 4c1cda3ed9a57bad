// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package watchdog

import "time"

// DefaultServiceConfigs returns the standard supervision profile for
// a full observatory deployment. Heartbeat cadences follow how often
// each device naturally reports: the guider loops every few seconds,
// the weather station only once a minute.
func DefaultServiceConfigs() []ServiceConfig {
	return []ServiceConfig{
		{
			Kind:              KindMount,
			Name:              "mount",
			HeartbeatInterval: 10 * time.Second,
			Timeout:           30 * time.Second,
			Critical:          true,
		},
		{
			Kind:               KindWeather,
			Name:               "weather",
			HeartbeatInterval:  60 * time.Second,
			Timeout:            120 * time.Second,
			MaxRestartAttempts: 5,
			Critical:           true,
		},
		{
			Kind:              KindCamera,
			Name:              "camera",
			HeartbeatInterval: 30 * time.Second,
			Timeout:           90 * time.Second,
		},
		{
			Kind:              KindGuider,
			Name:              "guider",
			HeartbeatInterval: 5 * time.Second,
			Timeout:           15 * time.Second,
		},
		{
			Kind:              KindFocuser,
			Name:              "focuser",
			HeartbeatInterval: 30 * time.Second,
			Timeout:           60 * time.Second,
		},
		{
			Kind:               KindEnclosure,
			Name:               "enclosure",
			HeartbeatInterval:  30 * time.Second,
			Timeout:            60 * time.Second,
			MaxRestartAttempts: 2,
			Critical:           true,
		},
		{
			Kind:              KindPower,
			Name:              "power",
			HeartbeatInterval: 30 * time.Second,
			Timeout:           60 * time.Second,
			Critical:          true,
		},
	}
}
