// Package tick provides the cooperative update loop that drives the pump and
// the scene orchestrator, and the queue of deferred continuations they use in
// place of blocking waits.
package tick

import (
	"context"
	"sync"
	"time"
)

// Source invokes registered callbacks once per tick, always from the same
// goroutine.
type Source interface {
	OnTick(fn func())
	Cancel()
}

// Manual is a Source advanced explicitly by calling Tick. Tests drive
// components with it one frame at a time.
type Manual struct {
	callbacks []func()
	canceled  bool
	ticks     int
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) OnTick(fn func()) {
	m.callbacks = append(m.callbacks, fn)
	m.canceled = false
}

func (m *Manual) Cancel() { m.canceled = true }

// Canceled reports whether Cancel was called since the last OnTick.
func (m *Manual) Canceled() bool { return m.canceled }

// Ticks returns how many ticks have been delivered.
func (m *Manual) Ticks() int { return m.ticks }

// Tick runs every callback once. It returns false once the source is canceled.
func (m *Manual) Tick() bool {
	if m.canceled {
		return false
	}
	m.ticks++
	for _, fn := range m.callbacks {
		fn()
		if m.canceled {
			break
		}
	}
	return !m.canceled
}

// RunUntilCanceled ticks until canceled or max ticks elapse, returning the
// number of ticks delivered.
func (m *Manual) RunUntilCanceled(max int) int {
	n := 0
	for n < max && m.Tick() {
		n++
	}
	return n
}

// Interval is a Source driven by a wall-clock ticker.
type Interval struct {
	every time.Duration

	mu        sync.Mutex
	callbacks []func()
	done      chan struct{}
	once      sync.Once
}

func NewInterval(every time.Duration) *Interval {
	return &Interval{every: every, done: make(chan struct{})}
}

func (i *Interval) OnTick(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.callbacks = append(i.callbacks, fn)
}

// Cancel stops Run after the current tick. Safe from any goroutine.
func (i *Interval) Cancel() {
	i.once.Do(func() { close(i.done) })
}

// Run delivers ticks on the calling goroutine until Cancel is called or ctx
// is done.
func (i *Interval) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.done:
			return nil
		case <-ticker.C:
			i.mu.Lock()
			callbacks := append([]func(){}, i.callbacks...)
			i.mu.Unlock()
			for _, fn := range callbacks {
				fn()
			}
		}
	}
}
