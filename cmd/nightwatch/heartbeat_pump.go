// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"sync"
	"time"

	"github.com/thoclabs/nightwatch/services/nightwatch/watchdog"
)

// heartbeatPump is a simulated instrument service. It does no real
// work; it just beats the watchdog at half the configured interval so
// the full supervision path runs end to end in simulate mode.
type heartbeatPump struct {
	name     string
	interval time.Duration
	wd       *watchdog.Watchdog

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

func newHeartbeatPump(name string, interval time.Duration, wd *watchdog.Watchdog) *heartbeatPump {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &heartbeatPump{name: name, interval: interval / 2, wd: wd}
}

func (p *heartbeatPump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.stopCh = make(chan struct{})
	p.running = true
	go p.loop(p.stopCh)
	return nil
}

func (p *heartbeatPump) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	close(p.stopCh)
	p.running = false
	return nil
}

func (p *heartbeatPump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *heartbeatPump) loop(stopCh <-chan struct{}) {
	p.wd.Heartbeat(p.name)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.wd.Heartbeat(p.name)
		}
	}
}
