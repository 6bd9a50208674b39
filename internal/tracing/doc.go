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

/*
Package tracing provides OpenTelemetry-based distributed tracing for the
supervisor core's job and workflow execution.

# Quick Start

Create an OTel provider:

	cfg := tracing.Config{
	    Enabled:        true,
	    ServiceName:    "foreman-core",
	    ServiceVersion: "1.0.0",
	    Sampling: tracing.SamplingConfig{
	        Enabled: true,
	        Rate:    0.1, // 10% sampling
	    },
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg)

Get a tracer and create spans:

	tracer := provider.Tracer("workflow")

	ctx, span := tracer.Start(ctx, "execute-step",
	    observability.WithAttributes(map[string]any{
	        "step.id": stepID,
	    }),
	)
	defer span.End()

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper, installs itself as the process's
    global tracer provider so package-level otel.Tracer(name) calls resolve
    against it.
  - Sampler: Configurable trace sampling, including an error-aware sampler
    that, with AlwaysSampleErrors set, samples spans started with an
    "error"=true or "foreman.status"="error" attribute regardless of rate.
  - Exporter: Trace export to backends (console, OTLP gRPC, OTLP HTTP).
  - WorkflowSpan: helpers for starting workflow-run and step spans.

# Subpackages

  - export: concrete span exporter implementations.
*/
package tracing
