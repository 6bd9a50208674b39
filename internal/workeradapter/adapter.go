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

package workeradapter

import (
	"context"
)

// Adapter is polymorphic over a single worker kind.
type Adapter interface {
	// StartTask spawns the external process for task and returns a handle.
	StartTask(ctx context.Context, task Task) (*Handle, error)

	// StreamEvents returns a lazy sequence of events for handle, closing the
	// returned channel when both stdout and stderr streams have closed.
	StreamEvents(handle *Handle) <-chan Event

	// Cancel initiates graceful shutdown of handle's process: a polite
	// signal, then after GracePeriod a forced kill.
	Cancel(handle *Handle)

	// AwaitResult blocks until handle's process has produced exactly one
	// terminal result, then releases the adapter's internal reference to it.
	AwaitResult(ctx context.Context, handle *Handle) (*Result, error)
}

// CLIArgBuilder translates a task's capabilities and instructions into the
// command-line invocation of one worker-kind's underlying CLI tool.
type CLIArgBuilder interface {
	// Command returns the executable name/path for the worker kind.
	Command() string

	// BuildArgs returns the argv for invoking Command on task.
	BuildArgs(task Task) []string
}
