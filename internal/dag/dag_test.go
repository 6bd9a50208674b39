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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-run/foreman/internal/backpressure"
	"github.com/foreman-run/foreman/internal/breaker"
	"github.com/foreman-run/foreman/internal/budget"
	"github.com/foreman-run/foreman/internal/cancelctl"
	"github.com/foreman-run/foreman/internal/gateway"
	"github.com/foreman-run/foreman/internal/permit"
	"github.com/foreman-run/foreman/internal/retrypolicy"
	"github.com/foreman-run/foreman/internal/stall"
	"github.com/foreman-run/foreman/internal/workeradapter"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

func TestValidateRejectsCycle(t *testing.T) {
	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", DependsOn: []string{"b"}, Workspace: "."},
		"b": {ID: "b", DependsOn: []string{"a"}, Workspace: "."},
	}}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", DependsOn: []string{"missing"}, Workspace: "."},
	}}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestValidateRejectsUnsafeWorkspace(t *testing.T) {
	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", Workspace: "../../etc"},
	}}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safe relative path")
}

func TestValidateRejectsLowMaxIterations(t *testing.T) {
	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", Workspace: ".", CompletionCheck: &CompletionCheck{MaxIterations: 1}},
	}}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}

func TestScanCompletionMarkerLastLineWins(t *testing.T) {
	assert.Equal(t, MarkerComplete, scanCompletionMarker([]string{"still working", "COMPLETE"}))
	assert.Equal(t, MarkerIncomplete, scanCompletionMarker([]string{"COMPLETE", "actually incomplete"}))
	assert.Equal(t, MarkerFail, scanCompletionMarker([]string{"nothing recognized here"}))
	assert.Equal(t, MarkerFail, scanCompletionMarker([]string{"test FAIL: assertion"}))
}

// --- executor integration tests, using a scriptable mock adapter ---

type scriptedAdapter struct {
	result func() (*workeradapter.Result, error)
	calls  []string
}

func (a *scriptedAdapter) StartTask(ctx context.Context, task workeradapter.Task) (*workeradapter.Handle, error) {
	a.calls = append(a.calls, task.WorkerKind)
	return &workeradapter.Handle{ID: task.ID}, nil
}
func (a *scriptedAdapter) StreamEvents(h *workeradapter.Handle) <-chan workeradapter.Event {
	ch := make(chan workeradapter.Event)
	close(ch)
	return ch
}
func (a *scriptedAdapter) Cancel(h *workeradapter.Handle) {}
func (a *scriptedAdapter) AwaitResult(ctx context.Context, h *workeradapter.Handle) (*workeradapter.Result, error) {
	if a.result != nil {
		return a.result()
	}
	return &workeradapter.Result{Status: workeradapter.StatusSucceeded}, nil
}

func newTestExecutor(t *testing.T, adapter workeradapter.Adapter) *Executor {
	t.Helper()
	b := budget.New(budget.Config{MaxConcurrency: 10, MaxAttempts: 10})
	br := breaker.New(breaker.Config{})
	bp := backpressure.New(backpressure.Thresholds{Degrade: 0.5, Defer: 0.8, Reject: 0.95})
	cm := cancelctl.New()
	gate := permit.NewGate(permit.Config{Budget: b, Breakers: br, Backpressure: bp, Cancels: cm})
	gw := gateway.New(gateway.Config{})
	gw.Register("test-kind", adapter)

	return NewExecutor(gate, gw, retrypolicy.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, nil)
}

func TestExecutorRunsLinearChain(t *testing.T) {
	adapter := &scriptedAdapter{result: func() (*workeradapter.Result, error) {
			return &workeradapter.Result{Status: workeradapter.StatusSucceeded, Observations: []string{"ok"}}, nil
	},
	}
	e := newTestExecutor(t, adapter)

	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", WorkerKind: "test-kind", Workspace: ".", Outputs: []string{"result"}},
		"b": {ID: "b", WorkerKind: "test-kind", Workspace: ".", DependsOn: []string{"a"}},
	}}
	require.NoError(t, Validate(def))

	root := cancelctl.NewHandle()
	state, err := e.Run(context.Background(), def, root)
	require.NoError(t, err)
	assert.Equal(t, WorkflowSucceeded, state.Status)
	assert.Equal(t, StepSucceeded, state.Steps["a"].Status)
	assert.Equal(t, StepSucceeded, state.Steps["b"].Status)
}

func TestExecutorAbortPropagatesSkipToDependents(t *testing.T) {
	adapter := &scriptedAdapter{result: func() (*workeradapter.Result, error) {
			return &workeradapter.Result{Status: workeradapter.StatusFailed, ErrorClass: ferrors.ErrorClassNonRetryable}, nil
	},
	}
	e := newTestExecutor(t, adapter)

	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", WorkerKind: "test-kind", Workspace: ".", OnFailure: OnFailureAbort},
		"b": {ID: "b", WorkerKind: "test-kind", Workspace: ".", DependsOn: []string{"a"}},
	}}
	require.NoError(t, Validate(def))

	state, err := e.Run(context.Background(), def, cancelctl.NewHandle())
	require.NoError(t, err)
	assert.Equal(t, WorkflowFailed, state.Status)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
	assert.Equal(t, StepSkipped, state.Steps["b"].Status)
}

func TestExecutorContinueLetsDependentsRun(t *testing.T) {
	adapter := &scriptedAdapter{result: func() (*workeradapter.Result, error) {
			return &workeradapter.Result{Status: workeradapter.StatusFailed, ErrorClass: ferrors.ErrorClassNonRetryable}, nil
	},
	}
	e := newTestExecutor(t, adapter)

	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", WorkerKind: "test-kind", Workspace: ".", OnFailure: OnFailureContinue},
		"b": {ID: "b", WorkerKind: "test-kind", Workspace: ".", DependsOn: []string{"a"}},
	}}
	require.NoError(t, Validate(def))

	state, err := e.Run(context.Background(), def, cancelctl.NewHandle())
	require.NoError(t, err)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
	assert.NotEqual(t, StepSkipped, state.Steps["b"].Status)
}

func TestExecutorRetryOnTransientThenSucceeds(t *testing.T) {
	attempts := 0
	adapter := &scriptedAdapter{result: func() (*workeradapter.Result, error) {
			attempts++
			if attempts == 1 {
				return &workeradapter.Result{Status: workeradapter.StatusFailed, ErrorClass: ferrors.ErrorClassRetryableTransient}, nil
			}
			return &workeradapter.Result{Status: workeradapter.StatusSucceeded}, nil
	},
	}
	e := newTestExecutor(t, adapter)

	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", WorkerKind: "test-kind", Workspace: ".", OnFailure: OnFailureRetry, MaxRetries: 2},
	}}
	require.NoError(t, Validate(def))

	state, err := e.Run(context.Background(), def, cancelctl.NewHandle())
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, state.Steps["a"].Status)
	assert.Equal(t, 2, attempts)
}

func TestExecutorFatalOverridesRetry(t *testing.T) {
	attempts := 0
	adapter := &scriptedAdapter{result: func() (*workeradapter.Result, error) {
			attempts++
			return &workeradapter.Result{Status: workeradapter.StatusFailed, ErrorClass: ferrors.ErrorClassFatal}, nil
	},
	}
	e := newTestExecutor(t, adapter)

	def := &Definition{Steps: map[string]StepSpec{
		"a": {ID: "a", WorkerKind: "test-kind", Workspace: ".", OnFailure: OnFailureRetry, MaxRetries: 3},
	}}
	require.NoError(t, Validate(def))

	state, err := e.Run(context.Background(), def, cancelctl.NewHandle())
	require.NoError(t, err)
	assert.Equal(t, StepFailed, state.Steps["a"].Status)
	assert.Equal(t, 1, attempts, "fatal error class must override on_failure:retry")
}

func TestExecutorCompletionCheckIncompleteThenComplete(t *testing.T) {
	checkCalls := 0
	adapter := &scriptedAdapter{result: func() (*workeradapter.Result, error) {
		checkCalls++
		if checkCalls <= 2 {
			// first call is the primary worker run; subsequent calls
			// alternate between check and re-run.
			return &workeradapter.Result{Status: workeradapter.StatusSucceeded, Observations: []string{"INCOMPLETE"}}, nil
		}
		return &workeradapter.Result{Status: workeradapter.StatusSucceeded, Observations: []string{"COMPLETE"}}, nil
	}}
	e := newTestExecutor(t, adapter)

	def := &Definition{Steps: map[string]StepSpec{
		"a": {
			ID: "a", WorkerKind: "test-kind", Workspace: ".",
			CompletionCheck: &CompletionCheck{
				WorkerKind: "test-kind", Instructions: "check", MaxIterations: 5,
				OnIterationsExhausted: OnIterationsFail,
			},
		},
	}}
	require.NoError(t, Validate(def))

	state, err := e.Run(context.Background(), def, cancelctl.NewHandle())
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, state.Steps["a"].Status)
}

func TestExecutorCompletionCheckExhaustedContinue(t *testing.T) {
	adapter := &scriptedAdapter{result: func() (*workeradapter.Result, error) {
		return &workeradapter.Result{Status: workeradapter.StatusSucceeded, Observations: []string{"INCOMPLETE"}}, nil
	}}
	e := newTestExecutor(t, adapter)

	def := &Definition{Steps: map[string]StepSpec{
		"a": {
			ID: "a", WorkerKind: "test-kind", Workspace: ".",
			CompletionCheck: &CompletionCheck{
				WorkerKind: "test-kind", Instructions: "check", MaxIterations: 2,
				OnIterationsExhausted: OnIterationsContinue,
			},
		},
	}}
	require.NoError(t, Validate(def))

	state, err := e.Run(context.Background(), def, cancelctl.NewHandle())
	require.NoError(t, err)
	assert.Equal(t, StepIncomplete, state.Steps["a"].Status)
}

// stallBlockingAdapter never settles on its own; only firing the task's
// cancellation handle unblocks it, simulating a worker that stopped
// producing output.
type stallBlockingAdapter struct{}

func (a *stallBlockingAdapter) StartTask(ctx context.Context, task workeradapter.Task) (*workeradapter.Handle, error) {
	return &workeradapter.Handle{ID: task.ID, WorkerKind: task.WorkerKind, Cancel: task.Cancel}, nil
}
func (a *stallBlockingAdapter) StreamEvents(h *workeradapter.Handle) <-chan workeradapter.Event {
	ch := make(chan workeradapter.Event)
	close(ch)
	return ch
}
func (a *stallBlockingAdapter) Cancel(h *workeradapter.Handle) {}
func (a *stallBlockingAdapter) AwaitResult(ctx context.Context, h *workeradapter.Handle) (*workeradapter.Result, error) {
	<-h.Cancel.Done()
	return &workeradapter.Result{Status: workeradapter.StatusCancelled}, nil
}

func TestExecutorStallSentinelAbortsNoOutputStep(t *testing.T) {
	adapter := &stallBlockingAdapter{}
	b := budget.New(budget.Config{MaxConcurrency: 10, MaxAttempts: 10})
	br := breaker.New(breaker.Config{})
	bp := backpressure.New(backpressure.Thresholds{Degrade: 0.5, Defer: 0.8, Reject: 0.95})
	cm := cancelctl.New()
	gate := permit.NewGate(permit.Config{Budget: b, Breakers: br, Backpressure: bp, Cancels: cm})
	gw := gateway.New(gateway.Config{})
	gw.Register("test-kind", adapter)

	var gotEvent stall.Event
	e := NewExecutor(gate, gw, retrypolicy.Config{}, nil, WithStallSink(func(ev stall.Event) { gotEvent = ev }))

	def := &Definition{Steps: map[string]StepSpec{
		"a": {
			ID: "a", WorkerKind: "test-kind", Workspace: ".",
			StallPolicy: &stall.Policy{
				NoOutput: &stall.NoOutputConfig{Timeout: time.Millisecond, Source: stall.SourceAnyEvent, Action: stall.ActionInterrupt},
			},
		},
	}}
	require.NoError(t, Validate(def))

	state, err := e.Run(context.Background(), def, cancelctl.NewHandle())
	require.NoError(t, err)
	assert.Equal(t, WorkflowFailed, state.Status)
	assert.Equal(t, StepCancelled, state.Steps["a"].Status)
	assert.Equal(t, "a", gotEvent.StepID)
	assert.Contains(t, gotEvent.Fingerprints, stall.FingerprintNoOutput)
}
