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

package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"kaifyworker/src/logging"
)

const (
	ChannelDeployments = "deployments_updated"
	ChannelActivities  = "activity_events"
)

// NewListener subscribes to Postgres notification channels. Callers select on
// the returned listener's Notify channel next to a polling ticker, since
// notifications can be dropped while the connection is re-established.
func NewListener(dsn string, channels ...string) (*pq.Listener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelWarn)
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	for _, ch := range channels {
		if err := listener.Listen(ch); err != nil {
			listener.Close()
			return nil, fmt.Errorf("listening on %s: %w", ch, err)
		}
	}
	return listener, nil
}
