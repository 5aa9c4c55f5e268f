package log

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// RingBuffer keeps the most recent formatted log lines.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	next  int
	count int
}

// NewRingBuffer creates a ring buffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Add appends a line, overwriting the oldest one when full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.lines)
	if rb.count < len(rb.lines) {
		rb.count++
	}
}

// Lines returns up to n of the newest lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return []string{}
	}

	out := make([]string, n)
	start := rb.next - n
	if start < 0 {
		start += len(rb.lines)
	}
	for i := range out {
		out[i] = rb.lines[(start+i)%len(rb.lines)]
	}
	return out
}

// Len returns the number of lines held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// BufferHandler copies every record into a RingBuffer before forwarding it.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
}

// NewBufferHandler wraps h. A nil h only fills the buffer.
func NewBufferHandler(h slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{wrapped: h, buffer: buffer}
}

// Enabled always reports true; the wrapped handler filters on its own.
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle formats r as text into the buffer and forwards it.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	text := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	if err := text.Handle(ctx, r); err == nil {
		h.buffer.Add(buf.String())
	}

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var wrapped slog.Handler
	if h.wrapped != nil {
		wrapped = h.wrapped.WithAttrs(attrs)
	}
	return &BufferHandler{wrapped: wrapped, buffer: h.buffer}
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	var wrapped slog.Handler
	if h.wrapped != nil {
		wrapped = h.wrapped.WithGroup(name)
	}
	return &BufferHandler{wrapped: wrapped, buffer: h.buffer}
}
