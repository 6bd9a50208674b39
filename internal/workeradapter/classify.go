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
	"strings"

	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

var networkMarkers = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"context deadline exceeded",
	"no route to host",
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
}

// ClassifyExit maps a worker's exit code and combined stdout/stderr output to
// an error class (spec §4.6).
func ClassifyExit(exitCode int, signaled bool, combinedOutput string) ferrors.ErrorClass {
	if exitCode == 0 && !signaled {
		return ""
	}
	if signaled {
		return ferrors.ErrorClassRetryableTransient
	}

	lower := strings.ToLower(combinedOutput)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return ferrors.ErrorClassRetryableRateLimit
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(lower, m) {
			return ferrors.ErrorClassRetryableNetwork
		}
	}
	return ferrors.ErrorClassNonRetryable
}
