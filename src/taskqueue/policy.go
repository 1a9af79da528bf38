// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package taskqueue

import (
	"time"

	"github.com/hibiken/asynq"
)

const TypeRemoteTask = "remote:task"

// Policy is the retry contract of a remote task.
type Policy struct {
	MaxAttempts   int
	MaxExceptions int
	Timeout       time.Duration
	// Backoff[i] is the wait before retry i+1; the last entry repeats.
	Backoff []time.Duration
}

var DefaultPolicy = Policy{
	MaxAttempts:   3,
	MaxExceptions: 1,
	Timeout:       600 * time.Second,
	Backoff:       []time.Duration{30 * time.Second, 90 * time.Second, 180 * time.Second},
}

// Delay returns the wait after a failed attempt, given how many retries
// already happened.
func (p Policy) Delay(retried int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if retried < 0 {
		retried = 0
	}
	if retried >= len(p.Backoff) {
		retried = len(p.Backoff) - 1
	}
	return p.Backoff[retried]
}

// RetryDelay is an asynq.RetryDelayFunc.
func (p Policy) RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return p.Delay(n)
}

func (p Policy) maxRetry() int {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return p.MaxAttempts - 1
}

// Attempt identifies one delivery of a task.
type Attempt struct {
	Retried  int
	MaxRetry int
}

func (a Attempt) Number() int { return a.Retried + 1 }

func (a Attempt) Last() bool { return a.Retried >= a.MaxRetry }
