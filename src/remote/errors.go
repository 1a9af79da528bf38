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

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnectionError means the server could not be reached or the transport
// dropped before the command reported an exit status.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError is a command that ran to completion with a non-zero exit code.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// TimeoutError is an attempt that overran its deadline.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("command %q timed out after %s", e.Command, e.After)
	}
	return fmt.Sprintf("command %q timed out", e.Command)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// IsRetryable reports whether err is a failure class that a new attempt may
// fix. Anything else is treated as an unexpected exception.
func IsRetryable(err error) bool {
	var (
		connErr *ConnectionError
		cmdErr  *CommandError
		toErr   *TimeoutError
	)
	return errors.As(err, &connErr) || errors.As(err, &cmdErr) || errors.As(err, &toErr)
}
