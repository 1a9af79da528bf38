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

package events

import (
	"context"
	"encoding/json"
)

type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// ActivityRefresh tells listening UIs that an activity reached a final state.
func ActivityRefresh(n Notifier, channel string) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return n.Notify(ctx, channel, string(raw))
	}
}
