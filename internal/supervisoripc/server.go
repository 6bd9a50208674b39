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

package supervisoripc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foreman-run/foreman/internal/core"
	"github.com/foreman-run/foreman/internal/permit"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// CoreHandlers is the subset of the admission core's behavior the IPC
// server needs to dispatch requests to. Implemented by internal/core in
// production and by a fake in tests.
type CoreHandlers interface {
	// SubmitJob admits job into the running system and returns immediately
	// after acceptance; terminal outcome is reported later via a
	// job_completed or job_cancelled notification.
	SubmitJob(ctx context.Context, job core.Job) error

	// RequestPermit evaluates a permit request synchronously.
	RequestPermit(ctx context.Context, job permit.Job, attemptIndex int) (*permit.Permit, *ferrors.RejectionError)

	// CancelJob requests cancellation of an in-flight job.
	CancelJob(ctx context.Context, jobID string, reason ferrors.CancelReason) error

	// ReportQueueMetrics records scheduler-side queue pressure; no response.
	ReportQueueMetrics(depth int, oldestJobAgeMs int64, backlogCount int)
}

// Server binds a Transport to a CoreHandlers implementation, registering
// the four request types and exposing methods to push core-initiated
// notifications.
type Server struct {
	transport *Transport
	core      CoreHandlers
	logger    *slog.Logger
}

// NewServer registers submit_job, request_permit, cancel_job, and
// report_queue_metrics handlers on t, dispatching to h.
func NewServer(t *Transport, h CoreHandlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{transport: t, core: h, logger: logger}

	t.RegisterHandler(TypeSubmitJob, s.handleSubmitJob)
	t.RegisterHandler(TypeRequestPermit, s.handleRequestPermit)
	t.RegisterHandler(TypeCancelJob, s.handleCancelJob)
	t.RegisterHandler(TypeReportQueueMetrics, s.handleReportQueueMetrics)

	return s
}

func (s *Server) handleSubmitJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var req SubmitJobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding submit_job: %w", err)
	}
	if err := s.core.SubmitJob(ctx, req.Job); err != nil {
		return nil, err
	}
	return AckResponse{Type: TypeAck, RequestID: req.RequestID, JobID: req.Job.ID}, nil
}

func (s *Server) handleRequestPermit(ctx context.Context, raw json.RawMessage) (any, error) {
	var req RequestPermitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request_permit: %w", err)
	}

	p, rejection := s.core.RequestPermit(ctx, req.Job, req.AttemptIndex)
	if rejection != nil {
		return PermitRejectedResponse{
			Type:      TypePermitRejected,
			RequestID: req.RequestID,
			Rejection: Rejection{Reason: rejection.Reason, Detail: rejection.Detail},
		}, nil
	}
	return PermitGrantedResponse{
		Type:      TypePermitGranted,
		RequestID: req.RequestID,
		Permit:    NewPermitView(p),
	}, nil
}

func (s *Server) handleCancelJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var req CancelJobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding cancel_job: %w", err)
	}
	reason := req.Reason
	if reason == "" {
		reason = ferrors.CancelReasonUser
	}
	if err := s.core.CancelJob(ctx, req.JobID, reason); err != nil {
		return nil, err
	}
	return JobCancelledResponse{
		Type:      TypeJobCancelled,
		RequestID: req.RequestID,
		JobID:     req.JobID,
		Reason:    reason,
	}, nil
}

func (s *Server) handleReportQueueMetrics(_ context.Context, raw json.RawMessage) (any, error) {
	var req ReportQueueMetricsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding report_queue_metrics: %w", err)
	}
	s.core.ReportQueueMetrics(req.QueueDepth, req.OldestJobAgeMs, req.BacklogCount)
	return nil, nil
}

// NotifyJobCompleted pushes a job_completed notification. Per the
// documented job_cancelled-vs-job_completed race resolution, callers must
// send any job_cancelled response for the same job before this.
func (s *Server) NotifyJobCompleted(n JobCompletedNotification) error {
	n.Type = TypeJobCompleted
	return s.transport.Send(n)
}

// NotifyJobCancelled pushes an unsolicited job_cancelled notification
// (e.g. cancellation driven by the stall sentinel rather than a scheduler
// cancel_job request, which has no requestId to echo).
func (s *Server) NotifyJobCancelled(jobID string, reason ferrors.CancelReason) error {
	return s.transport.Send(JobCancelledResponse{Type: TypeJobCancelled, JobID: jobID, Reason: reason})
}

// NotifyEscalation relays an escalation-manager event verbatim.
func (s *Server) NotifyEscalation(event json.RawMessage) error {
	return s.transport.Send(EscalationNotification{Type: TypeEscalation, Event: event})
}

// NotifyHeartbeat pushes a heartbeat carrying the current time.
func (s *Server) NotifyHeartbeat(now time.Time) error {
	return s.transport.Send(HeartbeatNotification{Type: TypeHeartbeat, Timestamp: now})
}

// ErrCoreClosed is returned by a CoreHandlers implementation's methods once
// the supervisor has begun shutting down and can no longer accept work.
var ErrCoreClosed = errors.New("supervisoripc: core is shutting down")
