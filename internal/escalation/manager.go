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

package escalation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWindow                 = 60 * time.Second
	defaultCrashThreshold         = 3
	defaultLatestWinsThreshold    = 3
	defaultGlobalFailureThreshold = 2
)

// withDefaults fills unset fields of cfg with the spec-documented defaults.
func (cfg Config) withDefaults() Config {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.CrashThreshold <= 0 {
		cfg.CrashThreshold = defaultCrashThreshold
	}
	if cfg.LatestWinsThreshold <= 0 {
		cfg.LatestWinsThreshold = defaultLatestWinsThreshold
	}
	if cfg.GlobalFailureThreshold <= 0 {
		cfg.GlobalFailureThreshold = defaultGlobalFailureThreshold
	}
	return cfg
}

// Manager aggregates worker-crash, cancel-timeout, and latest-wins-
// replacement signals over a sliding window, per worker kind or workspace,
// and emits scoped Events when a threshold is crossed. Emission is
// level-triggered: every qualifying signal recording re-evaluates the
// threshold and may re-emit, since spec.md does not prescribe a
// once-per-condition dedup rule for escalation the way it does for the
// stall sentinel's fingerprint-guarded warnings.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	store   *Store

	mu             sync.Mutex
	crashWindows   map[string]*slidingWindow // by worker kind
	timeoutWindows map[string]*slidingWindow // by worker kind
	replaceWindows map[string]*slidingWindow // by workspace
	failingKinds   map[string]time.Time      // worker kind -> last-seen-failing

	history []Event

	callbacksMu sync.Mutex
	callbacks   []func(Event)
}

// ManagerOption configures optional Manager dependencies.
type ManagerOption func(*Manager)

// WithMetrics wires a Metrics recorder into the manager.
func WithMetrics(m *Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithStore wires a durable Store; emitted events are appended to it
// best-effort (a store write failure is logged, never fatal to emission).
func WithStore(s *Store) ManagerOption {
	return func(mgr *Manager) { mgr.store = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(mgr *Manager) { mgr.logger = l }
}

// NewManager builds a Manager from cfg, applying spec-documented defaults
// to any unset threshold or window.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:            cfg.withDefaults(),
		logger:         slog.Default(),
		crashWindows:   make(map[string]*slidingWindow),
		timeoutWindows: make(map[string]*slidingWindow),
		replaceWindows: make(map[string]*slidingWindow),
		failingKinds:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers cb to be invoked, synchronously, for every emitted
// Event. Safe to call concurrently with Record*.
func (m *Manager) OnEvent(cb func(Event)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) windowFor(set map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := set[key]
	if !ok {
		w = newSlidingWindow(m.cfg.Window)
		set[key] = w
	}
	return w
}

// RecordWorkerCrash records a crash for workerKind and, if crashThreshold
// or more crashes have occurred for it within the window, emits a
// worker-kind isolate/error escalation.
func (m *Manager) RecordWorkerCrash(ctx context.Context, workerKind string, now time.Time) {
	m.mu.Lock()
	w := m.windowFor(m.crashWindows, workerKind)
	w.Record(now)
	count := w.Count(now)
	m.markFailing(workerKind, now)
	globalEvent, globalFire := m.checkGlobalLocked(now)
	m.mu.Unlock()

	if count >= m.cfg.CrashThreshold {
		m.emit(ctx, Event{
			Scope:      ScopeWorkerKind,
			Key:        workerKind,
			Signal:     SignalWorkerCrash,
			Action:     ActionIsolate,
			Severity:   SeverityError,
			Count:      count,
			OccurredAt: now,
		})
	}
	if globalFire {
		m.emit(ctx, globalEvent)
	}
}

// RecordCancelTimeout records a cancellation that exceeded its deadline
// for workerKind. Any positive count within the window emits a
// worker-kind isolate/warning escalation — spec.md treats a single
// cancel timeout as worth surfacing, unlike the crash and thrashing
// signals which require a repeat count.
func (m *Manager) RecordCancelTimeout(ctx context.Context, workerKind string, now time.Time) {
	m.mu.Lock()
	w := m.windowFor(m.timeoutWindows, workerKind)
	w.Record(now)
	count := w.Count(now)
	m.markFailing(workerKind, now)
	globalEvent, globalFire := m.checkGlobalLocked(now)
	m.mu.Unlock()

	if count > 0 {
		m.emit(ctx, Event{
			Scope:      ScopeWorkerKind,
			Key:        workerKind,
			Signal:     SignalCancelTimeout,
			Action:     ActionIsolate,
			Severity:   SeverityWarning,
			Count:      count,
			OccurredAt: now,
		})
	}
	if globalFire {
		m.emit(ctx, globalEvent)
	}
}

// RecordLatestWinsReplacement records a latest-wins worker replacement for
// workspace. If latestWinsThreshold or more replacements have occurred for
// it within the window, emits a workspace stop/error escalation.
func (m *Manager) RecordLatestWinsReplacement(ctx context.Context, workspace string, now time.Time) {
	m.mu.Lock()
	w := m.windowFor(m.replaceWindows, workspace)
	w.Record(now)
	count := w.Count(now)
	m.mu.Unlock()

	if count >= m.cfg.LatestWinsThreshold {
		m.emit(ctx, Event{
			Scope:      ScopeWorkspace,
			Key:        workspace,
			Signal:     SignalLatestWinsReplacement,
			Action:     ActionStop,
			Severity:   SeverityError,
			Count:      count,
			OccurredAt: now,
		})
	}
}

// markFailing records workerKind as currently failing (crash or cancel
// timeout) as of now. Must be called with m.mu held.
func (m *Manager) markFailing(workerKind string, now time.Time) {
	m.failingKinds[workerKind] = now
}

// checkGlobalLocked reports whether two or more distinct worker kinds have
// failed within the window, as of now, and if so returns the global fatal
// event to emit. Must be called with m.mu held; also prunes kinds that
// have aged out of the window.
func (m *Manager) checkGlobalLocked(now time.Time) (Event, bool) {
	cutoff := now.Add(-m.cfg.Window)
	for kind, last := range m.failingKinds {
		if last.Before(cutoff) {
			delete(m.failingKinds, kind)
		}
	}
	failing := len(m.failingKinds)
	if m.metrics != nil {
		m.metrics.setFailingKinds(failing)
	}
	if failing < m.cfg.GlobalFailureThreshold {
		return Event{}, false
	}
	return Event{
		Scope:      ScopeGlobal,
		Signal:     SignalWorkerCrash,
		Action:     ActionStop,
		Severity:   SeverityFatal,
		Count:      failing,
		OccurredAt: now,
	}, true
}

// emit records ev to history, the metrics recorder, the durable store (if
// any), and fans it out to every registered callback, in that order.
func (m *Manager) emit(ctx context.Context, ev Event) {
	m.mu.Lock()
	m.history = append(m.history, ev)
	m.mu.Unlock()

	m.metrics.observe(ev)

	if m.store != nil {
		if err := m.store.Append(ctx, ev); err != nil {
			m.logger.Warn("escalation: failed to persist event", "error", err, "scope", ev.Scope, "signal", ev.Signal)
		}
	}

	m.logger.Warn("escalation event", "scope", ev.Scope, "key", ev.Key, "signal", ev.Signal,
		"action", ev.Action, "severity", ev.Severity, "count", ev.Count)

	m.callbacksMu.Lock()
	cbs := make([]func(Event), len(m.callbacks))
	copy(cbs, m.callbacks)
	m.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// History returns every event emitted since the manager was created, in
// emission order. The returned slice is a copy and safe to retain.
func (m *Manager) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.history))
	copy(out, m.history)
	return out
}
