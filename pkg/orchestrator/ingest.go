package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// ingestChannel is the bounded, ordered byte channel between the
// transport (writer) and the recognition backend (reader). Writes block
// when the channel is full, which is the backpressure against a slow
// recognizer. Closing the write side signals end of input to the reader.
type ingestChannel struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

var errIngestClosed = errors.New("audio ingest channel closed")

func newIngestChannel(capacity int) *ingestChannel {
	if capacity <= 0 {
		capacity = 64
	}
	return &ingestChannel{ch: make(chan []byte, capacity)}
}

// Frames exposes the read side consumed by the recognizer.
func (c *ingestChannel) Frames() <-chan []byte { return c.ch }

// Write enqueues one frame, blocking while the channel is full. Returns
// an error when the channel was closed or ctx was canceled.
func (c *ingestChannel) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errIngestClosed
	}
	// Hold the lock across the send so Close cannot race a blocked
	// writer into a send on a closed channel.
	defer c.mu.Unlock()
	select {
	case c.ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the write side. Idempotent.
func (c *ingestChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
