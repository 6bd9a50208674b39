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

// Package escalation aggregates worker-crash, cancel-timeout, and
// workspace-thrashing signals over a sliding window and emits scoped
// escalation events when a configured threshold is crossed (spec §4.14).
package escalation

import "time"

// Signal names the kind of event being recorded.
type Signal string

const (
	SignalWorkerCrash          Signal = "worker-crash"
	SignalCancelTimeout        Signal = "cancel-timeout"
	SignalLatestWinsReplacement Signal = "latest-wins-replacement"
)

// Scope is the closed set of levels an escalation event applies to.
type Scope string

const (
	ScopeWorkerKind Scope = "worker-kind"
	ScopeWorkspace  Scope = "workspace"
	ScopeGlobal     Scope = "global"
)

// Action is the closed set of remediation actions an escalation recommends.
type Action string

const (
	ActionIsolate Action = "isolate"
	ActionStop    Action = "stop"
)

// Severity is the closed set of escalation severities.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Event is one emitted escalation, and the persisted/history unit.
type Event struct {
	Scope      Scope     `json:"scope"`
	Key        string    `json:"key,omitempty"` // worker kind or workspace; empty for global
	Signal     Signal    `json:"signal"`
	Action     Action    `json:"action"`
	Severity   Severity  `json:"severity"`
	Count      int       `json:"count"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Config tunes the three signal thresholds and the sliding-window width.
type Config struct {
	// Window is the sliding-window duration signals are aggregated over.
	// Default: 60s.
	Window time.Duration

	// CrashThreshold is the minimum worker-crash count within Window, per
	// worker kind, to emit a worker-kind isolate/error escalation.
	// Default: 3.
	CrashThreshold int

	// LatestWinsThreshold is the minimum thrashing-replacement count within
	// Window, per workspace, to emit a workspace stop/error escalation.
	// Default: 3.
	LatestWinsThreshold int

	// GlobalFailureThreshold is the minimum number of distinct worker kinds
	// concurrently failing (crashed or cancel-timed-out within Window) to
	// emit a global stop/fatal escalation. Default: 2.
	GlobalFailureThreshold int
}
