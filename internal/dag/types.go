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

// Package dag executes a declarative workflow definition as a dependency
// graph of worker steps, with bounded parallelism, failure-propagation
// policy, and completion-check iteration (spec §4.8/§4.9).
package dag

import (
	"time"

	"github.com/foreman-run/foreman/internal/stall"
	"github.com/foreman-run/foreman/internal/workeradapter"
)

// FailureMode names how a step's failure affects its dependents and the
// workflow's terminal status.
type FailureMode string

const (
	OnFailureAbort    FailureMode = "abort"
	OnFailureContinue FailureMode = "continue"
	OnFailureRetry    FailureMode = "retry"
)

// IterationsExhaustedMode names what happens when a completion_check never
// reports COMPLETE within max_iterations.
type IterationsExhaustedMode string

const (
	OnIterationsContinue IterationsExhaustedMode = "continue"
	OnIterationsFail      IterationsExhaustedMode = "fail"
)

// InputSource names which producer-step output an input value is drawn from.
type InputSource struct {
	From string // producer step id
	Name string // output name on that step
}

// CompletionCheck describes the second worker task run after a step
// succeeds, to decide whether the step is actually done.
type CompletionCheck struct {
	WorkerKind             string
	Instructions           string
	Capabilities           []workeradapter.Capability
	MaxIterations          int
	OnIterationsExhausted  IterationsExhaustedMode
}

// StepSpec is one node in a workflow definition.
type StepSpec struct {
	ID           string
	WorkerKind   string
	Workspace    string
	Instructions string
	Capabilities []workeradapter.Capability
	Timeout      time.Duration

	OnFailure  FailureMode
	MaxRetries int

	DependsOn []string
	Inputs    map[string]InputSource
	Outputs   []string

	CompletionCheck *CompletionCheck

	// StallPolicy installs the no-output/no-progress watchers for this step's
	// attempts (spec §4.12). Nil means no stall watching runs.
	StallPolicy *stall.Policy

	// Management carries step-level management-hook override values.
	// Management hooks are a separate subsystem that this executor does not
	// implement; overrides are preserved verbatim so a hook runner reading
	// the definition later sees them, but the DAG executor itself never
	// interprets this field.
	Management map[string]any
}

// Definition is a validated workflow: step-id -> step-spec.
type Definition struct {
	Name        string
	Timeout     time.Duration
	Concurrency int // 0 means unbounded
	Steps       map[string]StepSpec
	// order is the topological order set by Validate (ties broken by step
	// id) for stable ready-set pop ordering; it is not declaration order.
	order []string
}

// StepStatus is the closed set of step runtime states.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepReady      StepStatus = "ready"
	StepRunning    StepStatus = "running"
	StepChecking   StepStatus = "checking"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepIncomplete StepStatus = "incomplete"
	StepCancelled  StepStatus = "cancelled"
)

// StepRuntimeState tracks one step's progress through execution.
type StepRuntimeState struct {
	Status        StepStatus
	Iteration     int
	MaxIterations int
	StartedAt     time.Time
	EndedAt       time.Time
	LastError     error
	LastResult    *workeradapter.Result
	Outputs       map[string]any
	Attempts      int
}

// WorkflowStatus is the closed set of workflow runtime states.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowTimedOut  WorkflowStatus = "timed-out"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// RuntimeState is the whole-workflow execution snapshot.
type RuntimeState struct {
	Status    WorkflowStatus
	Steps     map[string]*StepRuntimeState
	StartedAt time.Time
	EndedAt   time.Time
}

func newRuntimeState(def *Definition) *RuntimeState {
	steps := make(map[string]*StepRuntimeState, len(def.Steps))
	for id, spec := range def.Steps {
		maxIter := 1
		if spec.CompletionCheck != nil {
			maxIter = spec.CompletionCheck.MaxIterations
		}
		steps[id] = &StepRuntimeState{Status: StepPending, MaxIterations: maxIter, Outputs: make(map[string]any)}
	}
	return &RuntimeState{Status: WorkflowPending, Steps: steps}
}
