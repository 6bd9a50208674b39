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

// Package core wires the admission, delegation, execution, and monitoring
// subsystems into a single running supervisor, and holds the externally
// visible Data Model types shared across IPC and the executor.
package core

import (
	"encoding/json"
	"time"
)

// JobKind is the closed set of submittable unit-of-work kinds.
type JobKind string

const (
	JobKindModelCall    JobKind = "model-call"
	JobKindWorkerTask   JobKind = "worker-task"
	JobKindTool         JobKind = "tool"
	JobKindPluginEvent  JobKind = "plugin-event"
	JobKindMaintenance  JobKind = "maintenance"
)

// PriorityClass is the closed set of scheduling classes a job's priority
// belongs to.
type PriorityClass string

const (
	PriorityInteractive PriorityClass = "interactive"
	PriorityBatch       PriorityClass = "batch"
)

// Priority is a job's scheduling priority: an integer value plus class.
type Priority struct {
	Value int           `json:"value"`
	Class PriorityClass `json:"class"`
}

// JobLimits bounds a job's execution.
type JobLimits struct {
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"maxAttempts"`
	CostHint    *float64      `json:"costHint,omitempty"`
}

// JobContext carries cross-cutting correlation identifiers for a job.
type JobContext struct {
	TraceID       string `json:"traceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Job is the unit of work submitted through the IPC protocol. Immutable
// after submission; the core holds a soft copy for permit evaluation while
// the scheduler peer retains ownership (spec §3).
type Job struct {
	ID       string          `json:"id"`
	Kind     JobKind         `json:"kind"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Limits   JobLimits       `json:"limits"`
	Context  JobContext      `json:"context"`
}
