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
// subsystems into a single supervisor reachable over the IPC protocol
// (spec §2, §3). It owns no algorithm of its own: every decision is made by
// permit.Gate, gateway.Gateway, dag.Executor, stall.Sentinel, or
// escalation.Manager, and Dispatcher's job is solely to route between them
// and the supervisoripc.Server boundary.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/foreman-run/foreman/internal/cancelctl"
	"github.com/foreman-run/foreman/internal/dag"
	"github.com/foreman-run/foreman/internal/escalation"
	"github.com/foreman-run/foreman/internal/gateway"
	"github.com/foreman-run/foreman/internal/permit"
	"github.com/foreman-run/foreman/internal/retrypolicy"
	"github.com/foreman-run/foreman/internal/stall"
	"github.com/foreman-run/foreman/internal/workeradapter"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// JobOutcome is the closed set of terminal dispositions Dispatcher reports
// for a submitted job. Deliberately defined here rather than reused from
// supervisoripc: that package imports core.Job for its CoreHandlers
// interface, so core must not import back from it — the translation from
// JobOutcome to supervisoripc's wire enum lives in supervisoripc's own
// Notifier adapter.
type JobOutcome string

const (
	JobOutcomeSuccess   JobOutcome = "success"
	JobOutcomeFailure   JobOutcome = "failure"
	JobOutcomeCancelled JobOutcome = "cancelled"
)

// JobCompleted is the terminal-outcome event Dispatcher hands to a Notifier.
type JobCompleted struct {
	JobID   string
	Outcome JobOutcome
	Result  workeradapter.Result
}

// Notifier is the outbound boundary Dispatcher pushes core-initiated events
// through. Implemented by an adapter in internal/supervisoripc that
// translates these core-native events into wire messages; kept as an
// interface here so tests can substitute a recorder without pulling in the
// transport.
type Notifier interface {
	NotifyJobCompleted(n JobCompleted) error
	NotifyJobCancelled(jobID string, reason ferrors.CancelReason) error
	NotifyEscalation(event json.RawMessage) error
}

// trackedJob is the in-flight bookkeeping Dispatcher keeps per submitted job.
type trackedJob struct {
	job    Job
	cancel *cancelctl.Handle
}

// Dispatcher implements supervisoripc.CoreHandlers, routing submit_job to a
// direct worker delegation (the scheduler hands the whole unit of work to
// this process), request_permit to a bare admission decision (the scheduler
// runs the job itself and only wants the gate's verdict — see DESIGN.md for
// why the two requests are not collapsed into one), cancel_job to firing the
// job's cancellation handle, and report_queue_metrics to an observational
// log line.
type Dispatcher struct {
	permits    *permit.Gate
	gateway    *gateway.Gateway
	escalation *escalation.Manager
	logger     *slog.Logger

	notifierMu sync.RWMutex
	notifier   Notifier

	retry retrypolicy.Config

	mu        sync.Mutex
	jobs      map[string]*trackedJob
	workflows map[string]*cancelctl.Handle
}

// Config constructs a Dispatcher from its already-built collaborators.
type Config struct {
	Permits    *permit.Gate
	Gateway    *gateway.Gateway
	Escalation *escalation.Manager
	Logger     *slog.Logger

	// Retry governs step-level admission-rejection retry for workflow runs
	// (see RunWorkflow). Zero value disables retry (one attempt only).
	Retry retrypolicy.Config
}

// NewDispatcher builds a Dispatcher. The notifier is attached separately via
// SetNotifier once the supervisoripc.Server exists, since the server itself
// is constructed from a CoreHandlers that only the Dispatcher can supply —
// the two must be wired after each other's construction.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		permits:    cfg.Permits,
		gateway:    cfg.Gateway,
		escalation: cfg.Escalation,
		logger:     cfg.Logger,
		retry:      cfg.Retry,
		jobs:       make(map[string]*trackedJob),
		workflows:  make(map[string]*cancelctl.Handle),
	}
	if d.escalation != nil {
		d.escalation.OnEvent(d.forwardEscalation)
	}
	return d
}

// SetNotifier attaches the outbound notification sink. Must be called
// before any job reaches a terminal state.
func (d *Dispatcher) SetNotifier(n Notifier) {
	d.notifierMu.Lock()
	defer d.notifierMu.Unlock()
	d.notifier = n
}

func (d *Dispatcher) notify() Notifier {
	d.notifierMu.RLock()
	defer d.notifierMu.RUnlock()
	return d.notifier
}

func (d *Dispatcher) forwardEscalation(ev escalation.Event) {
	raw, err := escalation.MarshalDetail(ev)
	if err != nil {
		d.logger.Warn("core: failed to marshal escalation event", "error", err)
		return
	}
	if n := d.notify(); n != nil {
		if err := n.NotifyEscalation(raw); err != nil {
			d.logger.Warn("core: failed to deliver escalation notification", "error", err)
		}
	}
}

// SubmitJob accepts job for direct execution: it requests a permit,
// delegates the underlying task to the gateway, and — regardless of
// outcome — emits a job_completed notification when the worker settles, or
// a job_cancelled notification if the job's handle fired first.
func (d *Dispatcher) SubmitJob(ctx context.Context, job Job) error {
	cancel := cancelctl.NewHandle()

	d.mu.Lock()
	if _, exists := d.jobs[job.ID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("core: job %s already submitted", job.ID)
	}
	d.jobs[job.ID] = &trackedJob{job: job, cancel: cancel}
	d.mu.Unlock()

	go d.run(ctx, job, cancel)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, job Job, cancel *cancelctl.Handle) {
	ctx, span := startJobSpan(ctx, job)
	defer span.End()

	defer func() {
		d.mu.Lock()
		delete(d.jobs, job.ID)
		d.mu.Unlock()
	}()

	permitJob := permit.Job{ID: job.ID, Timeout: job.Limits.Timeout}
	if job.Limits.CostHint != nil {
		permitJob.CostHint = *job.Limits.CostHint
	}

	grant, rejection := d.permits.RequestPermit(permitJob, 0)
	if rejection != nil {
		span.RecordError(rejection)
		d.complete(job.ID, workeradapter.Result{
			Status:       workeradapter.StatusFailed,
			ErrorClass:   ferrors.ErrorClassNonRetryable,
			Observations: []string{rejection.Error()},
		})
		return
	}
	defer d.permits.CompletePermit(grant.ID)

	deadline := job.Limits.Timeout
	var budget workeradapter.TaskBudget
	if deadline > 0 {
		budget.Deadline = time.Now().Add(deadline)
	}

	task := workeradapter.Task{
		ID:         job.ID,
		WorkerKind: string(job.Kind),
		Budget:     budget,
		Cancel:     cancel,
	}

	result, err := d.gateway.DelegateTask(ctx, task, nil)
	if err != nil {
		span.RecordError(err)
		d.logger.Warn("core: job delegation failed", "job_id", job.ID, "error", err)
		if d.escalation != nil {
			d.escalation.RecordWorkerCrash(ctx, string(job.Kind), time.Now())
		}
		result = &workeradapter.Result{Status: workeradapter.StatusFailed, ErrorClass: ferrors.ErrorClassFatal}
	}

	if result.Status == workeradapter.StatusCancelled {
		if n := d.notify(); n != nil {
			if err := n.NotifyJobCancelled(job.ID, ferrors.CancelReasonUser); err != nil {
				d.logger.Warn("core: failed to notify job cancellation", "job_id", job.ID, "error", err)
			}
		}
		return
	}
	d.complete(job.ID, *result)
}

func (d *Dispatcher) complete(jobID string, result workeradapter.Result) {
	outcome := JobOutcomeSuccess
	switch result.Status {
	case workeradapter.StatusFailed, workeradapter.StatusTimedOut:
		outcome = JobOutcomeFailure
	case workeradapter.StatusCancelled:
		outcome = JobOutcomeCancelled
	}
	if n := d.notify(); n != nil {
		err := n.NotifyJobCompleted(JobCompleted{JobID: jobID, Outcome: outcome, Result: result})
		if err != nil {
			d.logger.Warn("core: failed to notify job completion", "job_id", jobID, "error", err)
		}
	}
}

// RequestPermit is the bare admission decision for a caller-managed job: no
// delegation happens here, the caller is expected to run the task itself
// once granted and call CancelJob / rely on the permit's own deadline for
// cleanup.
func (d *Dispatcher) RequestPermit(ctx context.Context, job permit.Job, attemptIndex int) (*permit.Permit, *ferrors.RejectionError) {
	return d.permits.RequestPermit(job, attemptIndex)
}

// CancelJob fires the tracked job's cancellation handle. Firing is
// idempotent and safe to call more than once (spec §5).
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string, reason ferrors.CancelReason) error {
	d.mu.Lock()
	tracked, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("core: job %s is not active", jobID)
	}
	tracked.cancel.Fire(reason)
	if reason == ferrors.CancelReasonDeadlineExceeded && d.escalation != nil {
		d.escalation.RecordCancelTimeout(ctx, string(tracked.job.Kind), time.Now())
	}
	return nil
}

// ReportQueueMetrics is a one-way observational report from the scheduler;
// it carries no response and currently only logs, since the escalation
// manager's signals are fed directly by SubmitJob/CancelJob rather than by
// queue-depth thresholds (spec.md names no queue-depth-driven escalation
// rule, only the three signals in §4.14).
func (d *Dispatcher) ReportQueueMetrics(depth int, oldestJobAgeMs int64, backlogCount int) {
	d.logger.Info("core: queue metrics reported", "depth", depth, "oldest_job_age_ms", oldestJobAgeMs, "backlog_count", backlogCount)
}

// RunWorkflow executes a validated workflow definition to completion: it
// builds a dag.Executor wired to the same permit.Gate and gateway.Gateway
// every direct job delegation uses, with every step's stall.Sentinel
// persisting its events under artifactsRoot/<stepID>/_stall (probe
// observations go to artifactsRoot/_probe/_stall), and snapshots the run's RuntimeState plus a lifecycle event
// stream under artifactsRoot/_workflow (see WorkflowArtifacts). Distinct
// from SubmitJob/RequestPermit: those two serve the per-job IPC requests in
// supervisoripc's request vocabulary, while a workflow run is triggered by
// the process hosting the Dispatcher loading a workflow file directly (see
// cmd/foreman-core), not by an IPC request — spec.md's protocol has no
// "run_workflow" request of its own.
func (d *Dispatcher) RunWorkflow(ctx context.Context, runID string, def *dag.Definition, artifactsRoot string) (*dag.RuntimeState, error) {
	d.mu.Lock()
	if _, exists := d.workflows[runID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("core: workflow run %s already in progress", runID)
	}
	workflowCancel := cancelctl.NewHandle()
	d.workflows[runID] = workflowCancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.workflows, runID)
		d.mu.Unlock()
	}()

	ctx, span := startWorkflowSpan(ctx, runID, def.Name)
	defer span.End()

	artifacts, err := NewWorkflowArtifacts(artifactsRoot, func(err error) {
		d.logger.Warn("core: workflow state snapshot failed", "run_id", runID, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("core: preparing workflow artifacts for run %s: %w", runID, err)
	}
	defer artifacts.Close()

	stallWriters := newStallArtifactWriters(artifactsRoot)
	executor := dag.NewExecutor(d.permits, d.gateway, d.retry, d.logger,
		dag.WithStallSink(stallWriters.sink(d.logger)),
		dag.WithProbeSink(stallWriters.probeSink(d.logger)),
	)

	_ = artifacts.AppendEvent(WorkflowEvent{Timestamp: time.Now(), Kind: "workflow-started"})

	state, err := executor.Run(ctx, def, workflowCancel)
	if err != nil {
		span.RecordError(err)
		_ = artifacts.AppendEvent(WorkflowEvent{Timestamp: time.Now(), Kind: "workflow-error", Detail: err.Error()})
		return nil, err
	}

	artifacts.SnapshotState(state)
	artifacts.Flush()
	_ = artifacts.AppendEvent(WorkflowEvent{Timestamp: time.Now(), Kind: "workflow-finished", Detail: string(state.Status)})

	if state.Status == dag.WorkflowFailed && d.escalation != nil {
		d.escalation.RecordWorkerCrash(ctx, def.Name, time.Now())
	}

	return state, nil
}

// CancelWorkflow fires the cancellation handle for an in-progress workflow
// run, aborting every currently-running step (each step's handle is a child
// of the workflow's, per dag.Executor.Run).
func (d *Dispatcher) CancelWorkflow(runID string, reason ferrors.CancelReason) error {
	d.mu.Lock()
	cancel, ok := d.workflows[runID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("core: workflow run %s is not active", runID)
	}
	cancel.Fire(reason)
	return nil
}

// stallArtifactWriters lazily creates a stall.ArtifactWriter per step the
// first time that step emits an event or probe observation, since a
// workflow's step set (and therefore its <stepID>/_stall directories) is
// only known once steps start running.
type stallArtifactWriters struct {
	root string
	mu   sync.Mutex
	byID map[string]*stall.ArtifactWriter
}

func newStallArtifactWriters(root string) *stallArtifactWriters {
	return &stallArtifactWriters{root: root, byID: make(map[string]*stall.ArtifactWriter)}
}

func (w *stallArtifactWriters) writerFor(stepID string) *stall.ArtifactWriter {
	w.mu.Lock()
	defer w.mu.Unlock()
	aw, ok := w.byID[stepID]
	if !ok {
		aw = stall.NewArtifactWriter(filepath.Join(w.root, stepID))
		w.byID[stepID] = aw
	}
	return aw
}

func (w *stallArtifactWriters) sink(logger *slog.Logger) stall.EventSink {
	return func(ev stall.Event) {
		writer := w.writerFor(ev.StepID)
		if err := writer.WriteEvent(ev); err != nil {
			logger.Warn("core: failed to write stall event artifact", "step_id", ev.StepID, "error", err)
		}
	}
}

func (w *stallArtifactWriters) probeSink(logger *slog.Logger) func(stall.ProbeObservation) {
	return func(obs stall.ProbeObservation) {
		// Probe observations aren't tagged with a step id; callers that need
		// per-step probe logs should use one Executor per step-concurrent
		// run, which RunWorkflow's single shared executor does not do. Kept
		// as a best-effort diagnostic sink under the run's root.
		writer := w.writerFor("_probe")
		if err := writer.AppendProbe(obs); err != nil {
			logger.Warn("core: failed to append probe observation artifact", "error", err)
		}
	}
}

