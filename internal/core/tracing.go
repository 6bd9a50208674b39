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

package core

import (
	"context"

	"github.com/foreman-run/foreman/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/foreman-run/foreman/internal/core"

// jobTracer is the otel tracer core spans are created against. A package
// variable (rather than threading a Tracer through every call) matches
// how the rest of the corpus reaches for otel.Tracer(name) at the call
// site; a provider configured via tracing.NewOTelProvider is still what
// determines where the resulting spans are exported.
var jobTracer trace.Tracer = otel.Tracer(tracerName)

// startJobSpan opens a span for one submitted job's end-to-end lifecycle,
// reusing the teacher's WorkflowSpan helper (internal/tracing/workflow.go)
// rather than reimplementing attribute-setting/error-recording plumbing.
func startJobSpan(ctx context.Context, job Job) (context.Context, *tracing.WorkflowSpan) {
	ctx, span := tracing.StartWorkflowRun(ctx, jobTracer, job.ID, string(job.Kind))
	span.SetAttributes(map[string]any{
		"job.priority.value": job.Priority.Value,
		"job.priority.class": string(job.Priority.Class),
	})
	if job.Context.TraceID != "" {
		span.SetAttributes(map[string]any{"job.trace_id": job.Context.TraceID})
	}
	if job.Context.CorrelationID != "" {
		span.SetAttributes(map[string]any{"job.correlation_id": job.Context.CorrelationID})
	}
	return ctx, span
}

// startWorkflowSpan opens the root span for one RunWorkflow call. Per-step
// spans are created inside dag.Executor itself (see internal/dag/executor.go),
// since that is where a step's lifecycle actually begins and ends.
func startWorkflowSpan(ctx context.Context, runID, workflowName string) (context.Context, *tracing.WorkflowSpan) {
	return tracing.StartWorkflowRun(ctx, jobTracer, runID, workflowName)
}
