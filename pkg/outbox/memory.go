package outbox

import "context"

// Memory is an Outbox held entirely in memory.
type Memory struct {
	entries []Entry
	peeked  bool
	closed  bool
}

// NewMemory returns an outbox holding entries in order.
func NewMemory(entries ...Entry) *Memory {
	m := &Memory{}
	m.entries = append(m.entries, entries...)
	return m
}

func (m *Memory) HasPending(context.Context) (bool, error) {
	if m.closed {
		return false, ErrClosed
	}
	return len(m.entries) > 0, nil
}

func (m *Memory) PendingCount(context.Context) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.entries), nil
}

func (m *Memory) Peek(context.Context) (Entry, bool, error) {
	if m.closed {
		return Entry{}, false, ErrClosed
	}
	if len(m.entries) == 0 {
		return Entry{}, false, nil
	}
	m.peeked = true
	return m.entries[0], true, nil
}

func (m *Memory) Pop(context.Context) error {
	if m.closed {
		return ErrClosed
	}
	if !m.peeked || len(m.entries) == 0 {
		return ErrNotPeeked
	}
	m.peeked = false
	m.entries = m.entries[1:]
	return nil
}

func (m *Memory) Requeue(_ context.Context, entry Entry) error {
	if m.closed {
		return ErrClosed
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}

// Reopen makes a closed outbox usable again, keeping its entries. It stands in
// for reopening the same on-disk cache in a later run.
func (m *Memory) Reopen() {
	m.closed = false
	m.peeked = false
}

// Entries returns a copy of the queued entries in order.
func (m *Memory) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Closed reports whether Close has been called.
func (m *Memory) Closed() bool { return m.closed }
