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

// Package workeradapter implements per-worker-kind adapters that translate
// generic worker tasks into external CLI invocations and parse their output
// (spec §4.6).
package workeradapter

import (
	"time"

	"github.com/foreman-run/foreman/internal/cancelctl"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// Capability is one of the permissions a worker task may be granted.
type Capability string

const (
	CapabilityRead        Capability = "read"
	CapabilityEdit        Capability = "edit"
	CapabilityRunTests    Capability = "run-tests"
	CapabilityRunCommands Capability = "run-commands"
)

// OutputMode selects whether the caller wants streamed or batched events.
type OutputMode string

const (
	OutputModeStream OutputMode = "stream"
	OutputModeBatch  OutputMode = "batch"
)

// TaskBudget bounds a task's runtime.
type TaskBudget struct {
	Deadline        time.Time
	MaxSteps        int
	MaxCommandTime  time.Duration
	GracePeriod     time.Duration
}

// Task is a request to an adapter to run one external worker process.
type Task struct {
	ID           string
	WorkerKind   string
	Workspace    string
	Instructions string
	Capabilities []Capability
	OutputMode   OutputMode
	Budget       TaskBudget
	Cancel       *cancelctl.Handle
}

// HasCapability reports whether the task was granted cap.
func (t Task) HasCapability(cap Capability) bool {
	for _, c := range t.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Handle is the opaque reference returned by StartTask.
type Handle struct {
	ID         string
	WorkerKind string
	Cancel     *cancelctl.Handle
}

// EventKind tags the variant carried by a WorkerEvent.
type EventKind string

const (
	EventStdout   EventKind = "stdout"
	EventStderr   EventKind = "stderr"
	EventProgress EventKind = "progress"
	EventPatch    EventKind = "patch"
)

// Event is a tagged-variant item from a worker's output stream.
type Event struct {
	Kind EventKind

	// Stdout/Stderr payload.
	Bytes []byte

	// Progress payload.
	Message string
	Percent *float64

	// Patch payload.
	FilePath   string
	UnifiedDiff string
}

// Status is the terminal outcome status of a worker task.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed-out"
)

// ArtifactType names the kind of artifact produced by a worker run.
type ArtifactType string

const (
	ArtifactPatch ArtifactType = "patch"
	ArtifactFile  ArtifactType = "file"
)

// Artifact is one output artifact produced by a worker run.
type Artifact struct {
	Type      ArtifactType
	Reference string
	Content   string
}

// Cost records the resource consumption of one worker run.
type Cost struct {
	WallTime     time.Duration
	TokenEstimate *int64
}

// Result is the terminal outcome of a worker task.
type Result struct {
	Status       Status
	Artifacts    []Artifact
	Observations []string
	Cost         Cost
	Duration     time.Duration
	ExitCode     *int
	ErrorClass   ferrors.ErrorClass
}
