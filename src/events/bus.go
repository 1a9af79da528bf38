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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
)

var ErrUnknownEvent = errors.New("no handler registered")

// Handler reacts to a completion event. The payload is the task's event data
// plus a "status" key.
type Handler func(ctx context.Context, payload map[string]any) error

// DispatchError wraps any failure raised while delivering an event,
// including a panicking handler.
type DispatchError struct {
	Kind model.EventKind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching %s event: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Registry maps event kinds to handlers. Kinds are fixed at compile time;
// registering the same kind twice replaces the handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.EventKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.EventKind]Handler)}
}

func (r *Registry) Register(kind model.EventKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Registry) Lookup(kind model.EventKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) Kinds() []model.EventKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.EventKind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// Bus delivers events synchronously to the registered handler.
type Bus struct {
	registry *Registry
}

func NewBus(registry *Registry) *Bus {
	return &Bus{registry: registry}
}

// Handles reports whether kind has a handler. EventNone always does.
func (b *Bus) Handles(kind model.EventKind) bool {
	if kind == model.EventNone {
		return true
	}
	_, ok := b.registry.Lookup(kind)
	return ok
}

func (b *Bus) Dispatch(ctx context.Context, kind model.EventKind, payload map[string]any) (err error) {
	if kind == model.EventNone {
		return nil
	}
	h, ok := b.registry.Lookup(kind)
	if !ok {
		return &DispatchError{Kind: kind, Err: ErrUnknownEvent}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &DispatchError{Kind: kind, Err: fmt.Errorf("handler panicked: %v", r)}
		}
	}()
	logging.Log(fmt.Sprintf("Dispatching %s event", kind), slog.LevelDebug)
	if herr := h(ctx, payload); herr != nil {
		return &DispatchError{Kind: kind, Err: herr}
	}
	return nil
}

// Int reads an integer payload value. Payloads that went through JSON carry
// numbers as float64.
func Int(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func String(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
