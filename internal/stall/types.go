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

// Package stall watches an in-flight workflow step for loss of progress and
// aborts it when one of its installed watchers trips (spec §4.12).
package stall

import (
	"time"

	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// ActivitySource names which signal feeds the no-output watcher's reference
// timestamp.
type ActivitySource string

const (
	SourceWorkerEvent ActivitySource = "worker_event"
	SourceAnyEvent     ActivitySource = "any_event"
	SourceProbeOnly    ActivitySource = "probe_only"
)

// ActionPolicy names what a triggered watcher does to the step.
type ActionPolicy string

const (
	ActionIgnore    ActionPolicy = "ignore"
	ActionInterrupt ActionPolicy = "interrupt"
)

// ProbeClass is the closed set of outcomes a no-progress probe can report.
type ProbeClass string

const (
	ProbeProgressing ProbeClass = "progressing"
	ProbeStalled     ProbeClass = "stalled"
	ProbeTerminal    ProbeClass = "terminal"
)

// ProbeErrorAction names what a run of consecutive probe failures does.
type ProbeErrorAction string

const (
	OnProbeErrorIgnore   ProbeErrorAction = "ignore"
	OnProbeErrorStall    ProbeErrorAction = "stall"
	OnProbeErrorTerminal ProbeErrorAction = "terminal"
)

// NoOutputConfig configures the no-output watcher.
type NoOutputConfig struct {
	Timeout time.Duration
	Source  ActivitySource // defaults to SourceWorkerEvent
	Action  ActionPolicy   // defaults to ActionInterrupt
}

// NoProgressConfig configures the no-progress (shell probe) watcher.
type NoProgressConfig struct {
	// Command is run via "sh -c" on every Interval tick.
	Command  string
	Interval time.Duration

	// Classify extracts a ProbeClass and a stable summary string from the
	// probe's raw stdout. Summary feeds the consecutive-digest comparison;
	// Class feeds the trigger/terminal decision.
	Classify func(stdout []byte) (class ProbeClass, summary string, err error)

	StallThreshold int
	Action         ActionPolicy

	OnProbeError        ProbeErrorAction
	ProbeErrorThreshold int
}

// Policy is the per-step stall configuration: zero, one, or both watchers.
type Policy struct {
	NoOutput   *NoOutputConfig
	NoProgress *NoProgressConfig
}

// Fingerprint tags naming the diagnostic reason a stall event accumulated.
const (
	FingerprintNoOutput        = "stall/no-output"
	FingerprintNoInitialOutput = "stall/no-initial-output"
	FingerprintNoProgress      = "stall/no-progress"
	FingerprintProbeTerminal   = "stall/probe-terminal"
	FingerprintProbeError      = "stall/probe-error"
)

// Event is the structured artifact written when a watcher triggers,
// schema roboppi.sentinel.stall.v1.
type Event struct {
	Schema       string              `json:"schema"`
	StepID       string              `json:"step_id"`
	Fingerprints []string            `json:"fingerprints"`
	Reason       ferrors.CancelReason `json:"reason"`
	Action       ActionPolicy        `json:"action"`
	Detail       string              `json:"detail,omitempty"`
	TriggeredAt  time.Time           `json:"triggered_at"`
}

const schemaStallV1 = "roboppi.sentinel.stall.v1"
