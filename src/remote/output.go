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
	"bytes"
	"context"
	"sync"
)

// lineWriter forwards whole lines to sink as they complete. Partial lines are
// held until a newline arrives or the writer is closed. Sink failures never
// fail the write, so a slow or broken log store cannot abort a command; the
// first failure is reported by Close.
type lineWriter struct {
	ctx  context.Context
	sink func(ctx context.Context, chunk string) error

	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func newLineWriter(ctx context.Context, sink func(context.Context, string) error) *lineWriter {
	return &lineWriter{ctx: ctx, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if i := bytes.LastIndexByte(w.buf.Bytes(), '\n'); i >= 0 {
		w.emit(string(w.buf.Next(i + 1)))
	}
	return len(p), nil
}

func (w *lineWriter) emit(chunk string) {
	if err := w.sink(w.ctx, chunk); err != nil && w.err == nil {
		w.err = err
	}
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String() + "\n")
		w.buf.Reset()
	}
	return w.err
}

const captureLimit = 4096

// lineCapture keeps the tail of a command's output for error reports.
type lineCapture struct {
	mu  sync.Mutex
	buf []byte
}

func (c *lineCapture) add(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, chunk...)
	if over := len(c.buf) - captureLimit; over > 0 {
		c.buf = c.buf[over:]
	}
}

func (c *lineCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}
