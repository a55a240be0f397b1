// Package session tracks live connections, their room memberships, and the
// bounded outboxes that carry events to them.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cory-johannsen/parley/internal/chat"
)

// DefaultOutboxSize is used when a non-positive size is requested.
const DefaultOutboxSize = 64

var (
	// ErrOutboxClosed is returned by Push after Close.
	ErrOutboxClosed = errors.New("outbox is closed")
	// ErrOutboxFull is returned by Push when the buffer has no free slot.
	ErrOutboxFull = errors.New("outbox buffer full")
)

// Outbox routes pushed events to a buffered channel drained by the
// transport writer of a single connection.
type Outbox struct {
	connID  string
	events  chan chat.Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewOutbox creates an Outbox for the given connection.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an Outbox with an open events channel of the given capacity.
func NewOutbox(connID string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		connID: connID,
		events: make(chan chat.Event, size),
	}
}

// Push enqueues evt without blocking.
//
// Postcondition: evt is enqueued, or an error wrapping ErrOutboxClosed or
// ErrOutboxFull is returned and the event is dropped.
func (o *Outbox) Push(evt chat.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxClosed)
	}
	select {
	case o.events <- evt:
		return nil
	default:
		o.dropped.Add(1)
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxFull)
	}
}

// Events returns the read-only events channel. It is closed by Close.
func (o *Outbox) Events() <-chan chat.Event {
	return o.events
}

// Dropped returns how many events were discarded because the buffer was full.
func (o *Outbox) Dropped() uint64 {
	return o.dropped.Load()
}

// Close marks the outbox closed and closes the events channel. It is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
