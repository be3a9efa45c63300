/*
Copyright 2016 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package loginprotect tracks failed-authentication counters per remote IP
// and per username over a sliding window, and derives the blocked_ips /
// locked_users sets the auth state machine (lib/auth/attempt) consults
// before starting a new attempt (spec.md §3 LoginProtection).
package loginprotect

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config controls the thresholds at which Guard blocks an IP or locks a
// username.
type Config struct {
	MaxFailuresPerIP   int
	MaxFailuresPerUser int
	Window             time.Duration
}

// DefaultConfig returns reasonable thresholds: an IP gets more rope than a
// single username, since one IP may host many legitimate users.
func DefaultConfig() Config {
	return Config{
		MaxFailuresPerIP:   20,
		MaxFailuresPerUser: 5,
		Window:             5 * time.Minute,
	}
}

type counter struct {
	failures []time.Time
}

// Guard is the process-wide login-protection service. It is constructed
// once at startup and injected into every protocol front-end's auth
// attempt manager (spec.md §9 "global mutable state").
type Guard struct {
	cfg   Config
	clock clockwork.Clock

	mu     sync.Mutex
	byIP   map[string]*counter
	byUser map[string]*counter
}

// NewGuard constructs a Guard.
func NewGuard(cfg Config, clock clockwork.Clock) *Guard {
	return &Guard{
		cfg:    cfg,
		clock:  clock,
		byIP:   make(map[string]*counter),
		byUser: make(map[string]*counter),
	}
}

// RecordFailure appends a failure timestamp for remoteAddr and, when
// known, username. Called on every Failed transition (spec.md §4.2).
func (g *Guard) RecordFailure(remoteAddr, username string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	g.append(g.byIP, remoteAddr, now)
	g.append(g.byUser, username, now)
}

func (g *Guard) append(m map[string]*counter, key string, now time.Time) {
	if key == "" {
		return
	}
	c := m[key]
	if c == nil {
		c = &counter{}
		m[key] = c
	}
	c.failures = append(c.failures, now)
}

// countSince also prunes failures that have aged out of the window.
func (g *Guard) countSince(c *counter, now time.Time) int {
	if c == nil {
		return 0
	}
	cutoff := now.Add(-g.cfg.Window)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = kept
	return len(kept)
}

// IsIPBlocked reports whether remoteAddr has crossed MaxFailuresPerIP
// within the window.
func (g *Guard) IsIPBlocked(remoteAddr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.countSince(g.byIP[remoteAddr], g.clock.Now()) >= g.cfg.MaxFailuresPerIP
}

// IsUserLocked reports whether username has crossed MaxFailuresPerUser
// within the window.
func (g *Guard) IsUserLocked(username string) bool {
	if username == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.countSince(g.byUser[username], g.clock.Now()) >= g.cfg.MaxFailuresPerUser
}

// BlockedIPs returns the current derived blocked_ips set.
func (g *Guard) BlockedIPs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	var out []string
	for ip, c := range g.byIP {
		if g.countSince(c, now) >= g.cfg.MaxFailuresPerIP {
			out = append(out, ip)
		}
	}
	return out
}

// LockedUsers returns the current derived locked_users set.
func (g *Guard) LockedUsers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	var out []string
	for u, c := range g.byUser {
		if g.countSince(c, now) >= g.cfg.MaxFailuresPerUser {
			out = append(out, u)
		}
	}
	return out
}

// UnlockUser clears username's failure counter. Admin-only operation.
func (g *Guard) UnlockUser(username string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byUser, username)
}

// UnlockIP clears remoteAddr's failure counter. Admin-only operation.
func (g *Guard) UnlockIP(remoteAddr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byIP, remoteAddr)
}
