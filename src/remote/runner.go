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
	"fmt"
	"io"

	"kaifyworker/src/model"
)

// Runner executes a single shell command on a server. A non-zero exit code
// is reported through the returned code with a nil error; err is reserved
// for transport failures and is a *ConnectionError.
type Runner interface {
	Run(ctx context.Context, server model.Server, command string, stdout, stderr io.Writer) (int, error)
}

// Transports routes each server to the runner for its transport.
type Transports struct {
	SSH    Runner
	Docker Runner
}

func (t Transports) Run(ctx context.Context, server model.Server, command string, stdout, stderr io.Writer) (int, error) {
	var r Runner
	switch server.Transport {
	case model.TransportDocker:
		r = t.Docker
	case model.TransportSSH, "":
		r = t.SSH
	}
	if r == nil {
		return -1, &ConnectionError{Server: server.String(), Err: fmt.Errorf("no runner for transport %q", server.Transport)}
	}
	return r.Run(ctx, server, command, stdout, stderr)
}
