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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-run/foreman/internal/core"
	"github.com/foreman-run/foreman/internal/permit"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

type fakeCore struct {
	submitted      []core.Job
	cancelled      []string
	reportedDepths []int
	rejectNext     *ferrors.RejectionError
}

func (f *fakeCore) SubmitJob(ctx context.Context, job core.Job) error {
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakeCore) RequestPermit(ctx context.Context, job permit.Job, attemptIndex int) (*permit.Permit, *ferrors.RejectionError) {
	if f.rejectNext != nil {
		return nil, f.rejectNext
	}
	return &permit.Permit{ID: "permit-1", JobID: job.ID, AttemptIndex: attemptIndex, Deadline: time.Now().Add(time.Minute)}, nil
}

func (f *fakeCore) CancelJob(ctx context.Context, jobID string, reason ferrors.CancelReason) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeCore) ReportQueueMetrics(depth int, oldestJobAgeMs int64, backlogCount int) {
	f.reportedDepths = append(f.reportedDepths, depth)
}

func wirePair(t *testing.T) (client *Transport, serverTransport *Transport, fc *fakeCore) {
	t.Helper()
	connA, connB := net.Pipe()
	t.Cleanup(func() { connA.Close(); connB.Close() })

	client = NewTransport(connA, Config{})
	serverTransport = NewTransport(connB, Config{})
	fc = &fakeCore{}
	NewServer(serverTransport, fc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx, connA)
	go serverTransport.Run(ctx, connB)

	return client, serverTransport, fc
}

func TestSubmitJobRoundTrip(t *testing.T) {
	client, _, fc := wirePair(t)

	job := core.Job{ID: "job-1", Kind: core.JobKindWorkerTask, Priority: core.Priority{Value: 1, Class: core.PriorityInteractive}}
	raw, err := client.Call(context.Background(), "r1", NewSubmitJob("r1", job), 2*time.Second)
	require.NoError(t, err)

	var ack AckResponse
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, "job-1", ack.JobID)
	require.Len(t, fc.submitted, 1)
	assert.Equal(t, "job-1", fc.submitted[0].ID)
}

func TestRequestPermitGrantedAndRejected(t *testing.T) {
	client, _, fc := wirePair(t)

	raw, err := client.Call(context.Background(), "r2", RequestPermitRequest{
		Type: TypeRequestPermit, RequestID: "r2", Job: permit.Job{ID: "job-2", Timeout: time.Second},
	}, 2*time.Second)
	require.NoError(t, err)

	var granted PermitGrantedResponse
	require.NoError(t, json.Unmarshal(raw, &granted))
	assert.Equal(t, TypePermitGranted, granted.Type)
	assert.Equal(t, "permit-1", granted.Permit.ID)

	fc.rejectNext = &ferrors.RejectionError{Reason: ferrors.RejectionBudgetExhausted}
	raw, err = client.Call(context.Background(), "r3", RequestPermitRequest{
		Type: TypeRequestPermit, RequestID: "r3", Job: permit.Job{ID: "job-3"},
	}, 2*time.Second)
	require.NoError(t, err)

	var rejected PermitRejectedResponse
	require.NoError(t, json.Unmarshal(raw, &rejected))
	assert.Equal(t, TypePermitRejected, rejected.Type)
	assert.Equal(t, ferrors.RejectionBudgetExhausted, rejected.Rejection.Reason)
}

func TestCancelJobRoundTrip(t *testing.T) {
	client, _, fc := wirePair(t)

	raw, err := client.Call(context.Background(), "r4", CancelJobRequest{
		Type: TypeCancelJob, RequestID: "r4", JobID: "job-4", Reason: ferrors.CancelReasonUser,
	}, 2*time.Second)
	require.NoError(t, err)

	var resp JobCancelledResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "job-4", resp.JobID)
	assert.Contains(t, fc.cancelled, "job-4")
}

func TestReportQueueMetricsIsOneWay(t *testing.T) {
	client, _, fc := wirePair(t)

	err := client.Send(ReportQueueMetricsRequest{Type: TypeReportQueueMetrics, QueueDepth: 7, BacklogCount: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fc.reportedDepths) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, fc.reportedDepths[0])
}

func TestUnknownMethodReturnsError(t *testing.T) {
	client, _, _ := wirePair(t)

	raw, err := client.Call(context.Background(), "r5", map[string]string{"type": "not_a_real_method", "requestId": "r5"}, 2*time.Second)
	require.NoError(t, err)

	var errMsg ErrorMessage
	require.NoError(t, json.Unmarshal(raw, &errMsg))
	assert.Equal(t, TypeError, errMsg.Type)
	assert.Equal(t, "method-not-found", errMsg.Code)
}

type panicCore struct{ fakeCore }

func (p *panicCore) SubmitJob(ctx context.Context, job core.Job) error {
	panic("boom")
}

func TestHandlerPanicIsRecoveredAndLoopContinues(t *testing.T) {
	connA, connB := net.Pipe()
	t.Cleanup(func() { connA.Close(); connB.Close() })

	client := NewTransport(connA, Config{})
	serverTransport := NewTransport(connB, Config{})
	NewServer(serverTransport, &panicCore{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx, connA)
	go serverTransport.Run(ctx, connB)

	job := core.Job{ID: "job-5"}
	raw, err := client.Call(context.Background(), "r6", NewSubmitJob("r6", job), 2*time.Second)
	require.NoError(t, err)

	var errMsg ErrorMessage
	require.NoError(t, json.Unmarshal(raw, &errMsg))
	assert.Equal(t, "handler-error", errMsg.Code)
	assert.Contains(t, errMsg.Message, "boom")

	// The read loop must still be alive: a second, well-formed call succeeds.
	raw, err = client.Call(context.Background(), "r7", CancelJobRequest{Type: TypeCancelJob, RequestID: "r7", JobID: "job-5"}, 2*time.Second)
	require.NoError(t, err)
	var cancelled JobCancelledResponse
	require.NoError(t, json.Unmarshal(raw, &cancelled))
	assert.Equal(t, "job-5", cancelled.JobID)
}

func TestMalformedLineIsDroppedNotFatal(t *testing.T) {
	client, _, fc := wirePair(t)

	_, err := client.Call(context.Background(), "", map[string]any{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrCallTimeout)

	raw, err := client.Call(context.Background(), "r8", CancelJobRequest{Type: TypeCancelJob, RequestID: "r8", JobID: "job-6"}, 2*time.Second)
	require.NoError(t, err)
	var resp JobCancelledResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "job-6", resp.JobID)
	assert.Contains(t, fc.cancelled, "job-6")
}

func TestServerNotifications(t *testing.T) {
	_, serverTransport, fc := wirePair(t)
	_ = fc
	srv := NewServer(serverTransport, fc, nil)

	require.NoError(t, srv.NotifyHeartbeat(time.Now()))
	require.NoError(t, srv.NotifyJobCancelled("job-7", ferrors.CancelReasonSentinelStall))
	require.NoError(t, srv.NotifyEscalation(json.RawMessage(`{"scope":"global"}`)))
}

func TestAuthenticatorValidatesAndRateLimits(t *testing.T) {
	key := []byte("test-signing-key-not-a-real-secret")
	auth := NewAuthenticator(key)

	token, err := IssueToken(key, "scheduler-peer", time.Minute)
	require.NoError(t, err)
	require.NoError(t, auth.Validate(token, "peer-a"))

	for i := 0; i < maxFailedAttempts; i++ {
		err := auth.Validate("garbage-token", "peer-b")
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	}
	assert.True(t, auth.IsLockedOut("peer-b"))

	err = auth.Validate(token, "peer-b")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestAuthenticatorRejectsWrongKey(t *testing.T) {
	token, err := IssueToken([]byte("key-one-not-a-real-secret"), "scheduler-peer", time.Minute)
	require.NoError(t, err)

	auth := NewAuthenticator([]byte("key-two-not-a-real-secret"))
	err = auth.Validate(token, "peer-c")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
