// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoclabs/nightwatch/services/nightwatch/watchdog"
)

func TestHeartbeatPumpKeepsServiceHealthy(t *testing.T) {
	wd := watchdog.New()
	require.NoError(t, wd.Register(watchdog.ServiceConfig{
		Name:              "camera",
		HeartbeatInterval: 20 * time.Millisecond,
	}))

	pump := newHeartbeatPump("camera", 20*time.Millisecond, wd)
	require.NoError(t, pump.Start(context.Background()))
	assert.True(t, pump.Running())

	require.Eventually(t, func() bool {
		st, ok := wd.GetStatus("camera")
		return ok && st.Healthy()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, pump.Stop(context.Background()))
	assert.False(t, pump.Running())

	// Idempotent on both ends.
	require.NoError(t, pump.Stop(context.Background()))
	require.NoError(t, pump.Start(context.Background()))
	require.NoError(t, pump.Stop(context.Background()))
}
