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

// Package budget tracks the three resources the admission core rations out:
// concurrency slots, request rate, and an optional cumulative cost ceiling.
package budget

import (
	"log/slog"
	"sync"
	"time"

	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// RejectReason reports why canIssue/consume refused to admit an attempt.
type RejectReason = ferrors.RejectionReason

// Grant describes the resources a single permit consumes, applied atomically
// by consume and released atomically by Release.
type Grant struct {
	// Slots is almost always 1 (one concurrency slot per in-flight attempt).
	Slots int
	// Cost is the optional cumulative-cost consumption; zero if unused.
	Cost float64
}

// Config bounds the three resources. MaxConcurrency=0 means every permit
// request is rejected (spec boundary behavior), not "unbounded" — callers
// that want an unbounded slot count must set a large explicit value. Zero
// MaxRPS or MaxCostBudget does mean "unbounded" for that resource.
// MaxAttempts defaults to 1 when unset.
type Config struct {
	MaxConcurrency int
	MaxRPS         int
	MaxCostBudget  float64 // <= 0 means unbounded
	MaxAttempts    int
	Logger         *slog.Logger
}

// Budget is the single owner of concurrency/rate/cost state. All mutating
// methods serialize on mu; canIssue/consume/release together implement the
// atomic check-and-apply contract required by spec §4.1.
type Budget struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	activeSlots  int
	window       []time.Time // ring of request timestamps, capacity MaxRPS+1
	cumulative   float64
}

// New constructs a Budget from cfg. A zero Config leaves rate and cost
// unbounded, admits no concurrency slots (see Config), and defaults
// MaxAttempts to 1.
func New(cfg Config) *Budget {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	cap := cfg.MaxRPS + 1
	if cap < 1 {
		cap = 1
	}
	return &Budget{
		cfg:    cfg,
		logger: cfg.Logger,
		window: make([]time.Time, 0, cap),
	}
}

// CanIssue is a non-mutating eligibility check for one attempt of job at
// attemptIndex carrying the given cost hint.
func (b *Budget) CanIssue(attemptIndex int, costHint float64) (bool, RejectReason) {
	if costHint < 0 {
		panic("budget: negative cost hint is a programming error")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canIssueLocked(attemptIndex, costHint, time.Now())
}

func (b *Budget) canIssueLocked(attemptIndex int, costHint float64, now time.Time) (bool, RejectReason) {
	if attemptIndex >= b.cfg.MaxAttempts {
		return false, ferrors.RejectionAttemptsExhausted
	}
	if b.cfg.MaxConcurrency > 0 && b.activeSlots >= b.cfg.MaxConcurrency {
		return false, ferrors.RejectionConcurrencyLimit
	}
	if b.cfg.MaxConcurrency == 0 {
		return false, ferrors.RejectionConcurrencyLimit
	}
	if b.cfg.MaxRPS > 0 && b.countInWindowLocked(now) >= b.cfg.MaxRPS {
		return false, ferrors.RejectionRateLimit
	}
	if b.cfg.MaxCostBudget > 0 && b.cumulative+costHint > b.cfg.MaxCostBudget {
		return false, ferrors.RejectionBudgetExhausted
	}
	return true, ""
}

// countInWindowLocked evicts entries older than now-1s from the tail and
// returns the count remaining. Must be called with mu held.
func (b *Budget) countInWindowLocked(now time.Time) int {
	cutoff := now.Add(-1 * time.Second)
	i := 0
	for i < len(b.window) && b.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
	return len(b.window)
}

// Consume is the atomic check-and-apply: it re-checks rate and cost under the
// same critical section as the increment. Returns false (applying nothing) on
// failure, closing the TOCTOU race between CanIssue and commit.
func (b *Budget) Consume(attemptIndex int, grant Grant) bool {
	if grant.Cost < 0 {
		panic("budget: negative cost grant is a programming error")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	ok, _ := b.canIssueLocked(attemptIndex, grant.Cost, now)
	if !ok {
		return false
	}

	b.activeSlots += grant.Slots
	b.cumulative += grant.Cost
	if b.cfg.MaxRPS > 0 {
		b.window = append(b.window, now)
	}
	return true
}

// Release decrements active slots and cumulative cost (floored at 0) by the
// amounts granted.
func (b *Budget) Release(grant Grant) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.activeSlots -= grant.Slots
	if b.activeSlots < 0 {
		b.activeSlots = 0
	}
	b.cumulative -= grant.Cost
	if b.cumulative < 0 {
		b.cumulative = 0
	}
}

// Snapshot returns the current counters, mostly for metrics/diagnostics.
type Snapshot struct {
	ActiveSlots    int
	WindowCount    int
	CumulativeCost float64
}

// Snapshot returns a point-in-time view of the budget's counters.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ActiveSlots:    b.activeSlots,
		WindowCount:    b.countInWindowLocked(time.Now()),
		CumulativeCost: b.cumulative,
	}
}
