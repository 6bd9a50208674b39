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

package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	ferrors "github.com/foreman-run/foreman/pkg/errors"
)

func TestNonRetryableClassesNeverRetry(t *testing.T) {
	cfg := DefaultConfig()
	for _, class := range []ferrors.ErrorClass{
		ferrors.ErrorClassNonRetryable,
		ferrors.ErrorClassNonRetryableLint,
		ferrors.ErrorClassNonRetryableTest,
		ferrors.ErrorClassFatal,
	} {
		d := Evaluate(cfg, 0, class)
		assert.False(t, d.Retry, "class %s should not retry", class)
		assert.Zero(t, d.Delay)
	}
}

func TestRetryableClassesRetryUntilAttemptsExhausted(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	d0 := Evaluate(cfg, 0, ferrors.ErrorClassRetryableTransient)
	assert.True(t, d0.Retry)

	d1 := Evaluate(cfg, 1, ferrors.ErrorClassRetryableTransient)
	assert.True(t, d1.Retry)

	d2 := Evaluate(cfg, 2, ferrors.ErrorClassRetryableTransient)
	assert.False(t, d2.Retry, "attemptIndex 2 is the last of MaxAttempts=3")
}

func TestDelayIsBoundedByFullJitterCeiling(t *testing.T) {
	cfg := Config{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	for attempt := 0; attempt < 8; attempt++ {
		ceiling := fullJitterCeiling(cfg, attempt)
		assert.LessOrEqual(t, ceiling, cfg.MaxDelay)

		for i := 0; i < 20; i++ {
			d := Evaluate(cfg, attempt, ferrors.ErrorClassRetryableNetwork)
			assert.True(t, d.Retry)
			assert.GreaterOrEqual(t, d.Delay, time.Duration(0))
			assert.Less(t, d.Delay, ceiling+1)
		}
	}
}

func TestDelayGrowsWithAttemptIndexBeforeCeiling(t *testing.T) {
	cfg := Config{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Hour}

	assert.Equal(t, 10*time.Millisecond, fullJitterCeiling(cfg, 0))
	assert.Equal(t, 20*time.Millisecond, fullJitterCeiling(cfg, 1))
	assert.Equal(t, 40*time.Millisecond, fullJitterCeiling(cfg, 2))
}

func TestZeroCeilingDoesNotPanic(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: 0, MaxDelay: time.Second}
	d := Evaluate(cfg, 0, ferrors.ErrorClassRetryableService)
	assert.True(t, d.Retry)
	assert.Zero(t, d.Delay)
}
