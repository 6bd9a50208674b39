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

package stall

import (
	"sync"
	"time"
)

// ActivityTracker holds the three reference timestamps the no-output
// watcher reads from, plus whether a worker event has ever been observed
// (so the watcher can distinguish a BATCH-mode worker that emits nothing
// until completion from a genuinely stalled one).
type ActivityTracker struct {
	mu sync.Mutex

	lastWorkerOutput    time.Time
	lastPhaseTransition time.Time
	lastStateUpdate     time.Time
	sawWorkerEvent      bool
}

// NewActivityTracker starts a tracker with all three timestamps set to now,
// matching a step whose clock starts the moment it begins running.
func NewActivityTracker(now time.Time) *ActivityTracker {
	return &ActivityTracker{
		lastWorkerOutput:    now,
		lastPhaseTransition: now,
		lastStateUpdate:     now,
	}
}

// TouchWorkerOutput records a worker-emitted event (stdout/stderr/progress).
func (a *ActivityTracker) TouchWorkerOutput(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastWorkerOutput = now
	a.sawWorkerEvent = true
}

// TouchPhaseTransition records a step lifecycle transition (e.g. entering
// the completion-check loop).
func (a *ActivityTracker) TouchPhaseTransition(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastPhaseTransition = now
}

// TouchStateUpdate records any runtime-state mutation for the step.
func (a *ActivityTracker) TouchStateUpdate(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastStateUpdate = now
}

// Reference returns the timestamp the no-output watcher should measure
// elapsed time against, per its configured source, and whether a worker
// event has ever been seen.
func (a *ActivityTracker) Reference(source ActivitySource) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch source {
	case SourceAnyEvent:
		ref := a.lastStateUpdate
		if a.lastPhaseTransition.After(ref) {
			ref = a.lastPhaseTransition
		}
		if a.lastWorkerOutput.After(ref) {
			ref = a.lastWorkerOutput
		}
		return ref, a.sawWorkerEvent
	case SourceProbeOnly:
		return a.lastStateUpdate, a.sawWorkerEvent
	default: // SourceWorkerEvent
		return a.lastWorkerOutput, a.sawWorkerEvent
	}
}
