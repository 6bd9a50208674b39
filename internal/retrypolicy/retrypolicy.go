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

// Package retrypolicy maps a worker result's error class to a retry
// decision, using full-jitter exponential backoff rather than the fixed
// multiplier pkg/workflow's step retries use.
package retrypolicy

import (
	"math/rand/v2"
	"time"

	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

// Config bounds the backoff curve.
type Config struct {
	// MaxAttempts is the total number of attempts allowed (attemptIndex is
	// 0-based, so attemptIndex < MaxAttempts-1 means another attempt remains).
	MaxAttempts int

	// BaseDelay is the backoff at attemptIndex 0 (before jitter).
	BaseDelay time.Duration

	// MaxDelay caps the backoff ceiling regardless of attemptIndex.
	MaxDelay time.Duration
}

// DefaultConfig returns conservative retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Decision is the outcome of evaluating a retry policy.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Evaluate decides whether attemptIndex (0-based, the attempt that just
// failed with class) should be retried, and if so the full-jitter
// exponential backoff delay: uniform(0, min(maxDelay, baseDelay*2^attemptIndex)).
func Evaluate(cfg Config, attemptIndex int, class ferrors.ErrorClass) Decision {
	if !class.IsRetryable() {
		return Decision{Retry: false, Delay: 0}
	}
	if attemptIndex >= cfg.MaxAttempts-1 {
		return Decision{Retry: false, Delay: 0}
	}

	ceiling := fullJitterCeiling(cfg, attemptIndex)
	if ceiling <= 0 {
		return Decision{Retry: true, Delay: 0}
	}
	delay := time.Duration(rand.Int64N(int64(ceiling)))
	return Decision{Retry: true, Delay: delay}
}

func fullJitterCeiling(cfg Config, attemptIndex int) time.Duration {
	base := cfg.BaseDelay
	for i := 0; i < attemptIndex; i++ {
		base *= 2
		if cfg.MaxDelay > 0 && base >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && base > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return base
}
