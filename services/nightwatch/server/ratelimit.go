// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter applies a per-client token bucket. Stale client entries
// are evicted once the map grows past maxClients.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rps     rate.Limit
	burst   int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	maxClients   = 10_000
	clientIdle   = 10 * time.Minute
	defaultRPS   = 10
	defaultBurst = 20
)

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &ipLimiter{
		clients: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = b
	}
	b.lastSeen = time.Now()

	if len(l.clients) > maxClients {
		l.evictLocked(time.Now().Add(-clientIdle))
	}
	return b.limiter.Allow()
}

func (l *ipLimiter) evictLocked(cutoff time.Time) {
	for ip, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}
