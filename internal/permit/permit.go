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

// Package permit composes the execution budget, circuit breaker registry and
// backpressure controller into a single permit lifecycle (spec §4.4).
package permit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foreman-run/foreman/internal/backpressure"
	"github.com/foreman-run/foreman/internal/breaker"
	"github.com/foreman-run/foreman/internal/budget"
	"github.com/foreman-run/foreman/internal/cancelctl"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// Job is the minimal view of a submitted job the gate needs to evaluate and
// grant a permit.
type Job struct {
	ID         string
	Providers  []string // breaker scopes this job's attempt touches
	Timeout    time.Duration
	CostHint   float64
}

// Tokens records what was granted to a permit, for release accounting.
type Tokens struct {
	Concurrency int
	RPS         int
	Cost        float64
	Degraded    bool
}

// Permit is a time-bounded right to execute one attempt of a job.
type Permit struct {
	ID            string
	JobID         string
	AttemptIndex  int
	Deadline      time.Time
	Tokens        Tokens
	BreakerSnapshot map[string]breaker.State
	Cancel        *cancelctl.Handle

	grant budget.Grant
}

// Gate composes budget, breaker, and backpressure and owns the active-permit
// set. All mutating entry points serialize on mu.
type Gate struct {
	budget        *budget.Budget
	breakers      *breaker.Registry
	backpressure  *backpressure.Controller
	cancels       *cancelctl.Manager
	logger        *slog.Logger
	loadSignal    func() float64

	mu     sync.Mutex
	active map[string]*activePermit
}

type activePermit struct {
	permit *Permit
	timer  *time.Timer
}

// Config wires the three composed subsystems plus an optional load-signal
// provider for the backpressure check (defaults to "always 0 = normal").
type Config struct {
	Budget       *budget.Budget
	Breakers     *breaker.Registry
	Backpressure *backpressure.Controller
	Cancels      *cancelctl.Manager
	LoadSignal   func() float64
	Logger       *slog.Logger
}

// NewGate constructs a permit Gate from its composed subsystems.
func NewGate(cfg Config) *Gate {
	if cfg.LoadSignal == nil {
		cfg.LoadSignal = func() float64 { return 0 }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		budget:       cfg.Budget,
		breakers:     cfg.Breakers,
		backpressure: cfg.Backpressure,
		cancels:      cfg.Cancels,
		logger:       cfg.Logger,
		loadSignal:   cfg.LoadSignal,
		active:       make(map[string]*activePermit),
	}
}

// RequestPermit implements spec §4.4's requestPermit sequence.
func (g *Gate) RequestPermit(job Job, attemptIndex int) (*Permit, *ferrors.RejectionError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	degraded := false
	if g.backpressure != nil {
		switch g.backpressure.Classify(g.loadSignal()) {
		case backpressure.LevelReject:
			return nil, &ferrors.RejectionError{Reason: ferrors.RejectionGlobalShed}
		case backpressure.LevelDefer:
			return nil, &ferrors.RejectionError{Reason: ferrors.RejectionDeferred}
		case backpressure.LevelDegrade:
			degraded = true
		}
	}

	snapshot := make(map[string]breaker.State)
	if g.breakers != nil {
		for _, provider := range job.Providers {
			state := g.breakers.Snapshot(provider)
			snapshot[provider] = state
			if state == breaker.StateOpen {
				return nil, &ferrors.RejectionError{Reason: ferrors.RejectionCircuitOpen, Provider: provider}
			}
		}
	}

	allowed, reason := g.budget.CanIssue(attemptIndex, job.CostHint)
	if !allowed {
		return nil, &ferrors.RejectionError{Reason: reason}
	}

	tokens := Tokens{Concurrency: 1, RPS: 1, Cost: job.CostHint, Degraded: degraded}
	if degraded {
		tokens.Cost = tokens.Cost / 2
	}

	grant := budget.Grant{Slots: tokens.Concurrency, Cost: tokens.Cost}
	if !g.budget.Consume(attemptIndex, grant) {
		return nil, &ferrors.RejectionError{Reason: ferrors.RejectionRateLimit}
	}

	id := uuid.NewString()
	var handle *cancelctl.Handle
	if g.cancels != nil {
		handle = g.cancels.CreateController(id, job.ID)
	} else {
		handle = cancelctl.NewHandle()
	}

	p := &Permit{
		ID:              id,
		JobID:           job.ID,
		AttemptIndex:    attemptIndex,
		Deadline:        time.Now().Add(job.Timeout),
		Tokens:          tokens,
		BreakerSnapshot: snapshot,
		Cancel:          handle,
		grant:           grant,
	}

	ap := &activePermit{permit: p}
	if job.Timeout > 0 {
		ap.timer = time.AfterFunc(job.Timeout, func() {
			g.revoke(id, ferrors.CancelReasonDeadlineExceeded, true)
		})
	}
	g.active[id] = ap

	g.logger.Debug("permit granted", "permit_id", id, "job_id", job.ID, "attempt", attemptIndex, "degraded", degraded)
	return p, nil
}

// RevokePermit triggers the permit's cancellation handle with reason,
// releases its budget grant, clears its deadline timer, and removes it from
// the active set. Idempotent.
func (g *Gate) RevokePermit(id string, reason ferrors.CancelReason) {
	g.revoke(id, reason, true)
}

// CompletePermit releases a permit without triggering cancellation, signaling
// normal termination. Idempotent.
func (g *Gate) CompletePermit(id string) {
	g.revoke(id, "", false)
}

func (g *Gate) revoke(id string, reason ferrors.CancelReason, fireCancel bool) {
	g.mu.Lock()
	ap, ok := g.active[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.active, id)
	g.mu.Unlock()

	if ap.timer != nil {
		ap.timer.Stop()
	}
	g.budget.Release(ap.permit.grant)
	if g.cancels != nil {
		g.cancels.RemoveController(id)
	}
	if fireCancel {
		ap.permit.Cancel.Fire(reason)
		g.logger.Debug("permit revoked", "permit_id", id, "reason", reason)
	} else {
		g.logger.Debug("permit completed", "permit_id", id)
	}
}

// Dispose clears all timers and cancels every still-active permit.
func (g *Gate) Dispose() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.active))
	for id := range g.active {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.RevokePermit(id, ferrors.CancelReasonUser)
	}
}

// ActiveCount reports the number of currently active permits, for tests and
// metrics.
func (g *Gate) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
