// Package outbox defines the contract of the durable queue of cached telemetry
// batches drained by the pump.
package outbox

import (
	"context"
	"errors"
)

var (
	// ErrNotPeeked is returned by Pop when no head was obtained through Peek.
	ErrNotPeeked = errors.New("outbox: pop without peek")
	// ErrClosed is returned by operations on a closed outbox.
	ErrClosed = errors.New("outbox: closed")
)

// Entry is one cached batch: the URL it must be posted to and its body.
type Entry struct {
	Destination string `json:"destination" bson:"destination"`
	Payload     []byte `json:"payload" bson:"payload"`
}

// Valid reports whether both destination and payload are present.
func (e Entry) Valid() bool {
	return e.Destination != "" && len(e.Payload) > 0
}

// Outbox is a FIFO of entries backed by persistent storage. It is owned by a
// single pump run at a time and is not safe for concurrent use.
type Outbox interface {
	// HasPending reports whether at least one entry is queued.
	HasPending(ctx context.Context) (bool, error)
	// PendingCount returns the number of queued entries.
	PendingCount(ctx context.Context) (int, error)
	// Peek returns the head without removing it. ok is false when empty.
	Peek(ctx context.Context) (entry Entry, ok bool, err error)
	// Pop removes the head returned by the last Peek.
	Pop(ctx context.Context) error
	// Requeue appends entry at the tail.
	Requeue(ctx context.Context, entry Entry) error
	// Close releases the underlying resources. It is idempotent.
	Close() error
}
