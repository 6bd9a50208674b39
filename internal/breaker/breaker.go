// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package breaker implements a per-provider circuit breaker registry.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// breakerEntry holds the per-provider mutable state.
type breakerEntry struct {
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	openUntil           time.Time
}

// Config configures breaker transition thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips closed→open.
	FailureThreshold int
	// OpenDuration is how long a breaker stays open before trying half-open.
	OpenDuration time.Duration
	Logger       *slog.Logger
}

// Registry maps provider id to breaker state.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breakerEntry
}

// New constructs a Registry. Defaults: FailureThreshold=5, OpenDuration=30s.
func New(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		breakers: make(map[string]*breakerEntry),
	}
}

func (r *Registry) entryLocked(provider string) *breakerEntry {
	e, ok := r.breakers[provider]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		r.breakers[provider] = e
	}
	return e
}

// Snapshot returns the current observable state of a provider, resolving an
// open breaker to half-open if OpenDuration has elapsed (state transitions
// are lazy, evaluated on read, matching the spec's "atomic snapshot" contract
// without a background ticker per provider).
func (r *Registry) Snapshot(provider string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(provider)
}

func (r *Registry) resolveLocked(provider string) State {
	e := r.entryLocked(provider)
	if e.state == StateOpen && !e.openUntil.IsZero() && time.Now().After(e.openUntil) {
		e.state = StateHalfOpen
		r.logger.Info("breaker half-open", "provider", provider)
	}
	return e.state
}

// SnapshotAll returns the observable state for every tracked provider.
func (r *Registry) SnapshotAll() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for provider := range r.breakers {
		out[provider] = r.resolveLocked(provider)
	}
	return out
}

// RecordSuccess transitions half-open→closed and resets the failure counter.
func (r *Registry) RecordSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(provider)
	r.resolveLocked(provider)
	e.consecutiveFailures = 0
	if e.state != StateClosed {
		e.state = StateClosed
		r.logger.Info("breaker closed", "provider", provider)
	}
}

// RecordFailure increments the consecutive-failure count, tripping
// closed→open at the threshold, or immediately re-opening from half-open.
func (r *Registry) RecordFailure(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(provider)
	state := r.resolveLocked(provider)
	e.consecutiveFailures++
	e.lastFailure = time.Now()

	switch state {
	case StateHalfOpen:
		r.trip(provider, e)
	case StateClosed:
		if e.consecutiveFailures >= r.cfg.FailureThreshold {
			r.trip(provider, e)
		}
	}
}

func (r *Registry) trip(provider string, e *breakerEntry) {
	e.state = StateOpen
	e.openUntil = time.Now().Add(r.cfg.OpenDuration)
	r.logger.Warn("breaker tripped",
		"provider", provider,
		"consecutive_failures", e.consecutiveFailures,
		"open_until", e.openUntil)
}
