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

package dag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/foreman-run/foreman/internal/cancelctl"
	"github.com/foreman-run/foreman/internal/gateway"
	"github.com/foreman-run/foreman/internal/permit"
	"github.com/foreman-run/foreman/internal/retrypolicy"
	"github.com/foreman-run/foreman/internal/stall"
	"github.com/foreman-run/foreman/internal/tracing"
	"github.com/foreman-run/foreman/internal/workeradapter"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

var stepTracer trace.Tracer = otel.Tracer("github.com/foreman-run/foreman/internal/dag")

// Executor runs a validated Definition to completion, submitting each step
// to admission control and delegating it through the worker gateway
// (spec §4.8/§4.9).
type Executor struct {
	permits *permit.Gate
	gateway *gateway.Gateway
	retry   retrypolicy.Config
	logger  *slog.Logger

	stallSink stall.EventSink
	probeSink func(stall.ProbeObservation)
}

// ExecutorOption configures optional Executor collaborators.
type ExecutorOption func(*Executor)

// WithStallSink registers fn to receive every stall event any step's
// sentinel emits, for artifact writing (e.g. stall.ArtifactWriter.Sink).
func WithStallSink(fn stall.EventSink) ExecutorOption {
	return func(e *Executor) { e.stallSink = fn }
}

// WithProbeSink registers fn to receive every no-progress probe observation
// any step's sentinel records.
func WithProbeSink(fn func(stall.ProbeObservation)) ExecutorOption {
	return func(e *Executor) { e.probeSink = fn }
}

// NewExecutor constructs an Executor wired to the shared admission and
// delegation subsystems.
func NewExecutor(permits *permit.Gate, gw *gateway.Gateway, retry retrypolicy.Config, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{permits: permits, gateway: gw, retry: retry, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes def's steps in dependency order with bounded parallelism
// (def.Concurrency, 0 = unbounded), applying failure-propagation policy and
// completion-check iteration per step. workflowCancel is the workflow-level
// cancellation handle; every step's handle is created as its child so firing
// workflowCancel cancels every in-flight step.
func (e *Executor) Run(ctx context.Context, def *Definition, workflowCancel *cancelctl.Handle) (*RuntimeState, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	state := newRuntimeState(def)
	state.Status = WorkflowRunning
	state.StartedAt = time.Now()
	resolver := newInputResolver()

	type stepOutcome struct {
		id     string
		status StepStatus
		err    error
	}

	results := make(chan stepOutcome, len(def.Steps))
	running := make(map[string]bool)
	concurrency := def.Concurrency

	markDependentsSkipped := func(failedID string) {
		visited := map[string]bool{}
		var visit func(string)
		visit = func(id string) {
			for depID, spec := range def.Steps {
				if visited[depID] || !containsStr(spec.DependsOn, id) {
					continue
				}
				visited[depID] = true
				s := state.Steps[depID]
				if s.Status == StepPending {
					s.Status = StepSkipped
					visit(depID)
				}
			}
		}
		visit(failedID)
	}

	anyFailed := false

	for {
		ready := e.readySet(def, state, running)
		for len(ready) > 0 && (concurrency == 0 || len(running) < concurrency) {
			id := ready[0]
			ready = ready[1:]
			running[id] = true
			state.Steps[id].Status = StepRunning
			state.Steps[id].StartedAt = time.Now()

			spec := def.Steps[id]
			childCancel := workflowCancel.NewChild()

			go func(spec StepSpec, rtState *StepRuntimeState, cancel *cancelctl.Handle) {
				status, err := e.runStepWatched(ctx, spec, state, resolver, rtState, cancel)
				results <- stepOutcome{id: spec.ID, status: status, err: err}
			}(spec, state.Steps[id], childCancel)
		}

		if len(running) == 0 {
			break
		}

		out := <-results
		delete(running, out.id)
		s := state.Steps[out.id]
		s.Status = out.status
		s.EndedAt = time.Now()
		s.LastError = out.err

		if out.status == StepFailed || out.status == StepCancelled {
			anyFailed = true
			spec := def.Steps[out.id]
			if spec.OnFailure != OnFailureContinue {
				markDependentsSkipped(out.id)
			}
		}
	}

	state.EndedAt = time.Now()
	switch {
	case isCancelledAborted(workflowCancel):
		state.Status = WorkflowCancelled
	case anyFailed:
		state.Status = WorkflowFailed
	default:
		state.Status = WorkflowSucceeded
	}
	return state, nil
}

func isCancelledAborted(h *cancelctl.Handle) bool {
	aborted, reason := h.Aborted()
	return aborted && reason != ferrors.CancelReasonSentinelStall
}

// readySet returns pending steps whose every dependency is satisfied (see
// dependencySatisfied), in def.order: topological order with ties broken by
// step id, not declaration order.
func (e *Executor) readySet(def *Definition, state *RuntimeState, running map[string]bool) []string {
	var ready []string
	for _, id := range def.order {
		if running[id] {
			continue
		}
		s := state.Steps[id]
		if s.Status != StepPending {
			continue
		}
		spec := def.Steps[id]
		allSatisfied := true
		for _, dep := range spec.DependsOn {
			if !dependencySatisfied(def.Steps[dep], state.Steps[dep]) {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// dependencySatisfied reports whether dep's terminal state lets its
// dependents proceed: succeeded or incomplete always do, and a failed step
// does too when its own on_failure policy is "continue" (spec §4.8's
// "dependents still run with their upstream missing").
func dependencySatisfied(depSpec StepSpec, depState *StepRuntimeState) bool {
	switch depState.Status {
	case StepSucceeded, StepIncomplete:
		return true
	case StepFailed:
		return depSpec.OnFailure == OnFailureContinue
	default:
		return false
	}
}

// runStepWatched installs spec's stall policy (if any) around runStep: a
// Sentinel runs for the step's full lifecycle, including its completion-check
// iterations, and is stopped once the step reaches a terminal status.
func (e *Executor) runStepWatched(ctx context.Context, spec StepSpec, state *RuntimeState, resolver *inputResolver, rtState *StepRuntimeState, cancel *cancelctl.Handle) (StepStatus, error) {
	ctx, span := tracing.StartStep(ctx, stepTracer, spec.ID, spec.WorkerKind)
	defer span.End()

	activity := stall.NewActivityTracker(time.Now())

	if spec.StallPolicy != nil {
		sink := e.stallSink
		if sink == nil {
			sink = func(stall.Event) {}
		}
		sentinel := stall.New(spec.ID, *spec.StallPolicy, activity, cancel, sink, e.logger)
		if e.probeSink != nil {
			sentinel.SetProbeSink(e.probeSink)
		}
		sentinelCtx, stopSentinel := context.WithCancel(ctx)
		go sentinel.Run(sentinelCtx)
		defer func() {
			sentinel.Stop()
			stopSentinel()
		}()
	}

	status, err := e.runStep(ctx, spec, state, resolver, rtState, cancel, activity)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(map[string]any{"step.status": string(status)})
	return status, err
}

// runStep drives one step's full lifecycle: admission with retry-on-rejection,
// delegation through the gateway, failure-propagation's retry-on-transient
// path, and (when declared) the completion-check iteration loop.
func (e *Executor) runStep(ctx context.Context, spec StepSpec, state *RuntimeState, resolver *inputResolver, rtState *StepRuntimeState, cancel *cancelctl.Handle, activity *stall.ActivityTracker) (StepStatus, error) {
	activity.TouchPhaseTransition(time.Now())
	inputs, err := resolver.resolve(spec, state)
	if err != nil {
		return StepFailed, err
	}

	maxAttempts := spec.MaxRetries + 1
	if spec.OnFailure != OnFailureRetry {
		maxAttempts = 1
	}

	var lastResult *workeradapter.Result

	for attemptIndex := 0; ; attemptIndex++ {
		rtState.Attempts = attemptIndex + 1

		result, rejected, err := e.attempt(ctx, spec, inputs, attemptIndex, cancel, activity)
		if rejected != nil {
			decision := retrypolicy.Evaluate(e.retry, attemptIndex, ferrors.ErrorClassRetryableTransient)
			if !decision.Retry {
				return StepFailed, fmt.Errorf("dag: step %s permit rejected: %s", spec.ID, rejected.Reason)
			}
			sleepOrCancel(ctx, decision.Delay, cancel)
			continue
		}
		if err != nil {
			return StepFailed, err
		}

		lastResult = result

		if aborted, _ := cancel.Aborted(); aborted {
			return StepCancelled, nil
		}

		if result.Status != workeradapter.StatusSucceeded {
			if result.ErrorClass == ferrors.ErrorClassFatal {
				return StepFailed, fmt.Errorf("dag: step %s returned fatal error class", spec.ID)
			}
			if attemptIndex < maxAttempts-1 && result.ErrorClass.IsRetryable() {
				decision := retrypolicy.Evaluate(retrypolicy.Config{
					MaxAttempts: maxAttempts,
					BaseDelay:   e.retry.BaseDelay,
					MaxDelay:    e.retry.MaxDelay,
				}, attemptIndex, result.ErrorClass)
				if decision.Retry {
					sleepOrCancel(ctx, decision.Delay, cancel)
					continue
				}
			}
			return StepFailed, fmt.Errorf("dag: step %s failed: error class %s", spec.ID, result.ErrorClass)
		}

		break
	}

	for i, out := range spec.Outputs {
		if i < len(lastResult.Observations) {
			rtState.Outputs[out] = lastResult.Observations[i]
		}
	}

	if spec.CompletionCheck == nil {
		return StepSucceeded, nil
	}
	return e.runCompletionCheck(ctx, spec, inputs, rtState, cancel, activity)
}

// attempt performs one admission+delegation attempt for spec. A non-nil
// rejection means the permit gate declined the attempt; err is set only for
// infrastructure failures (adapter start/spawn errors), never for a worker
// returning a non-success Result. Every worker event the gateway streams back
// touches activity, which is what the step's stall sentinel (if any) reads
// its no-output reference timestamp from.
func (e *Executor) attempt(ctx context.Context, spec StepSpec, inputs map[string]any, attemptIndex int, cancel *cancelctl.Handle, activity *stall.ActivityTracker) (*workeradapter.Result, *ferrors.RejectionError, error) {
	jobID := uuid.NewString()
	p, rejected := e.permits.RequestPermit(permit.Job{
		ID:        jobID,
		Providers: []string{spec.WorkerKind},
		Timeout:   spec.Timeout,
	}, attemptIndex)
	if rejected != nil {
		return nil, rejected, nil
	}

	task := workeradapter.Task{
		ID:           p.ID,
		WorkerKind:   spec.WorkerKind,
		Workspace:    spec.Workspace,
		Instructions: instructionsWithInputs(spec.Instructions, inputs),
		Capabilities: spec.Capabilities,
		Budget:       workeradapter.TaskBudget{Deadline: p.Deadline},
		Cancel:       cancel,
	}

	onEvent := func(workeradapter.Event) { activity.TouchWorkerOutput(time.Now()) }
	result, err := e.gateway.DelegateTask(ctx, task, onEvent)
	e.permits.CompletePermit(p.ID)
	if err != nil {
		return nil, nil, err
	}
	activity.TouchStateUpdate(time.Now())
	return result, nil, nil
}

// runCompletionCheck implements spec §4.9: a second worker task runs the
// check's instructions against the same workspace after every successful
// attempt, scanning its observations for a last-line-wins COMPLETE /
// INCOMPLETE / FAIL marker.
func (e *Executor) runCompletionCheck(ctx context.Context, spec StepSpec, inputs map[string]any, rtState *StepRuntimeState, cancel *cancelctl.Handle, activity *stall.ActivityTracker) (StepStatus, error) {
	check := spec.CompletionCheck
	rtState.MaxIterations = check.MaxIterations

	for {
		rtState.Iteration++
		rtState.Status = StepChecking
		activity.TouchPhaseTransition(time.Now())

		result, rejected, err := e.attempt(ctx, StepSpec{
			ID:           spec.ID + ":check",
			WorkerKind:   check.WorkerKind,
			Workspace:    spec.Workspace,
			Instructions: check.Instructions,
			Capabilities: check.Capabilities,
			Timeout:      spec.Timeout,
		}, inputs, 0, cancel, activity)
		if rejected != nil {
			return StepFailed, fmt.Errorf("dag: step %s completion check rejected: %s", spec.ID, rejected.Reason)
		}
		if err != nil {
			return StepFailed, err
		}

		marker := scanCompletionMarker(result.Observations)
		switch marker {
		case MarkerComplete:
			return StepSucceeded, nil
		case MarkerFail:
			return StepFailed, fmt.Errorf("dag: step %s completion check reported FAIL", spec.ID)
		case MarkerIncomplete:
			if rtState.Iteration >= check.MaxIterations {
				if check.OnIterationsExhausted == OnIterationsContinue {
					return StepIncomplete, nil
				}
				return StepFailed, fmt.Errorf("dag: step %s exhausted %d completion-check iterations", spec.ID, check.MaxIterations)
			}

			if _, rerr, rerr2 := e.attempt(ctx, spec, inputs, 0, cancel, activity); rerr != nil || rerr2 != nil {
				if rerr != nil {
					return StepFailed, fmt.Errorf("dag: step %s re-run rejected: %s", spec.ID, rerr.Reason)
				}
				return StepFailed, rerr2
			}
		}
	}
}

// instructionsWithInputs prepends resolved input values to a step's
// instructions so the worker CLI sees them as plain text context; there is
// no structured "inputs" channel into a worker task beyond its instructions
// string.
func instructionsWithInputs(instructions string, inputs map[string]any) string {
	if len(inputs) == 0 {
		return instructions
	}
	prefix := "Inputs:\n"
	for name, val := range inputs {
		prefix += fmt.Sprintf("- %s: %v\n", name, val)
	}
	return prefix + "\n" + instructions
}

func sleepOrCancel(ctx context.Context, d time.Duration, cancel *cancelctl.Handle) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-cancel.Done():
	}
}

func containsStr(items []string, target string) bool {
	for _, s := range items {
		if s == target {
			return true
		}
	}
	return false
}
