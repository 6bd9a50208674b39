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

// Package supervisoripc implements the line-delimited JSON request/response
// protocol between a scheduler peer and the admission core, over stdio or a
// Unix domain socket (spec §4.13, §6).
package supervisoripc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foreman-run/foreman/internal/core"
	"github.com/foreman-run/foreman/internal/permit"
	"github.com/foreman-run/foreman/internal/workeradapter"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// MaxLineBytes is the largest permitted single JSON line on the wire.
const MaxLineBytes = 1 << 20 // 1 MiB

var (
	// ErrNotObject is returned when a line does not decode to a JSON object.
	ErrNotObject = errors.New("supervisoripc: line is not a JSON object")

	// ErrMissingType is returned when a message object lacks a "type" field.
	ErrMissingType = errors.New("supervisoripc: message missing \"type\"")

	// ErrLineTooLong is returned when a line exceeds MaxLineBytes.
	ErrLineTooLong = errors.New("supervisoripc: line exceeds maximum size")

	// ErrUnknownMethod is returned when no handler is registered for a
	// request's type and it does not correlate to a pending call.
	ErrUnknownMethod = errors.New("supervisoripc: no handler registered for type")
)

// MessageType is the closed set of wire message type tags (spec §6).
type MessageType string

const (
	TypeSubmitJob           MessageType = "submit_job"
	TypeRequestPermit       MessageType = "request_permit"
	TypeCancelJob           MessageType = "cancel_job"
	TypeReportQueueMetrics  MessageType = "report_queue_metrics"
	TypeAck                 MessageType = "ack"
	TypePermitGranted       MessageType = "permit_granted"
	TypePermitRejected      MessageType = "permit_rejected"
	TypeJobCompleted        MessageType = "job_completed"
	TypeJobCancelled        MessageType = "job_cancelled"
	TypeEscalation          MessageType = "escalation"
	TypeHeartbeat           MessageType = "heartbeat"
	TypeError               MessageType = "error"
)

// Envelope is the minimal shape every wire message shares: a type tag and
// an optional correlation id. Concrete message structs embed the same two
// fields and are decoded from the same raw line.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
}

// parseEnvelope decodes line far enough to learn its type and correlation
// id, rejecting anything that is not a JSON object or lacks "type". Per
// spec §4.13/§7, the caller logs and drops on error; it must not stop the
// read loop.
func parseEnvelope(line []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}

	raw, ok := probe["type"]
	if !ok {
		return Envelope{}, ErrMissingType
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if env.Type == "" {
		_ = raw
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// SubmitJobRequest is the submit_job request payload.
type SubmitJobRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Job       core.Job    `json:"job"`
}

// NewSubmitJob builds a submit_job request.
func NewSubmitJob(requestID string, job core.Job) SubmitJobRequest {
	return SubmitJobRequest{Type: TypeSubmitJob, RequestID: requestID, Job: job}
}

// AckResponse acknowledges a submitted job.
type AckResponse struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	JobID     string      `json:"jobId"`
}

// RequestPermitRequest is the request_permit request payload.
type RequestPermitRequest struct {
	Type         MessageType `json:"type"`
	RequestID    string      `json:"requestId"`
	Job          permit.Job  `json:"job"`
	AttemptIndex int         `json:"attemptIndex"`
}

// PermitView is the wire encoding of a granted permit, deliberately
// omitting the cancellation handle (spec §6: "permit (without cancellation
// handle)") since a handle has no meaningful external representation.
type PermitView struct {
	ID           string        `json:"id"`
	JobID        string        `json:"jobId"`
	AttemptIndex int           `json:"attemptIndex"`
	Deadline     time.Time     `json:"deadline"`
	Tokens       permit.Tokens `json:"tokens"`
}

// NewPermitView strips p's cancellation handle for wire transmission.
func NewPermitView(p *permit.Permit) PermitView {
	return PermitView{
		ID:           p.ID,
		JobID:        p.JobID,
		AttemptIndex: p.AttemptIndex,
		Deadline:     p.Deadline,
		Tokens:       p.Tokens,
	}
}

// PermitGrantedResponse carries a granted permit view.
type PermitGrantedResponse struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Permit    PermitView  `json:"permit"`
}

// Rejection is the wire encoding of a permit rejection.
type Rejection struct {
	Reason ferrors.RejectionReason `json:"reason"`
	Detail string                  `json:"detail,omitempty"`
}

// PermitRejectedResponse carries a rejection reason.
type PermitRejectedResponse struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Rejection Rejection   `json:"rejection"`
}

// CancelJobRequest is the cancel_job request payload.
type CancelJobRequest struct {
	Type      MessageType         `json:"type"`
	RequestID string              `json:"requestId"`
	JobID     string              `json:"jobId"`
	Reason    ferrors.CancelReason `json:"reason"`
}

// JobCancelledResponse acknowledges a cancel_job request.
type JobCancelledResponse struct {
	Type      MessageType          `json:"type"`
	RequestID string               `json:"requestId,omitempty"`
	JobID     string               `json:"jobId"`
	Reason    ferrors.CancelReason `json:"reason"`
}

// JobOutcome is the closed set of terminal job_completed outcomes.
type JobOutcome string

const (
	JobOutcomeSuccess   JobOutcome = "success"
	JobOutcomeFailure   JobOutcome = "failure"
	JobOutcomeCancelled JobOutcome = "cancelled"
)

// JobCompletedNotification is a core-initiated terminal job notification.
type JobCompletedNotification struct {
	Type    MessageType          `json:"type"`
	JobID   string               `json:"jobId"`
	Outcome JobOutcome           `json:"outcome"`
	Result  workeradapter.Result `json:"result"`
}

// ReportQueueMetricsRequest is the one-way report_queue_metrics message.
type ReportQueueMetricsRequest struct {
	Type           MessageType `json:"type"`
	QueueDepth     int         `json:"queueDepth"`
	OldestJobAgeMs int64       `json:"oldestJobAgeMs"`
	BacklogCount   int         `json:"backlogCount"`
}

// EscalationNotification relays an escalation-manager event to the peer.
type EscalationNotification struct {
	Type  MessageType     `json:"type"`
	Event json.RawMessage `json:"event"`
}

// HeartbeatNotification is a core-initiated liveness signal.
type HeartbeatNotification struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorMessage carries a protocol- or handler-level error, in either
// direction.
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}
