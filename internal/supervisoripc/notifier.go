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
	"encoding/json"

	"github.com/foreman-run/foreman/internal/core"
	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// ServerNotifier adapts a *Server into a core.Notifier, translating
// core-native event shapes into wire messages. It lives here (rather than
// in internal/core) because internal/core must not import this package —
// this package already imports internal/core for CoreHandlers' Job
// parameter, and Go forbids the reverse edge.
type ServerNotifier struct {
	Server *Server
}

var _ core.Notifier = ServerNotifier{}

func (n ServerNotifier) NotifyJobCompleted(c core.JobCompleted) error {
	var outcome JobOutcome
	switch c.Outcome {
	case core.JobOutcomeFailure:
		outcome = JobOutcomeFailure
	case core.JobOutcomeCancelled:
		outcome = JobOutcomeCancelled
	default:
		outcome = JobOutcomeSuccess
	}
	return n.Server.NotifyJobCompleted(JobCompletedNotification{
		Type:    TypeJobCompleted,
		JobID:   c.JobID,
		Outcome: outcome,
		Result:  c.Result,
	})
}

func (n ServerNotifier) NotifyJobCancelled(jobID string, reason ferrors.CancelReason) error {
	return n.Server.NotifyJobCancelled(jobID, reason)
}

func (n ServerNotifier) NotifyEscalation(event json.RawMessage) error {
	return n.Server.NotifyEscalation(event)
}
