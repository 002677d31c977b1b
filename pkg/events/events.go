// Package events carries progress and state changes out of the pipeline to
// whatever presents them: logs, a broker, a CLI summary.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies an event.
type Kind string

const (
	KindProgress     Kind = "progress"
	KindStateChanged Kind = "state_changed"
	KindSceneSkipped Kind = "scene_skipped"
	KindSceneHalted  Kind = "scene_halted"
	KindSceneFailed  Kind = "scene_failed"
	KindSceneDone    Kind = "scene_done"
	KindRunComplete  Kind = "run_complete"
)

// Terminal reports whether the event closes out a scene or a run.
func (k Kind) Terminal() bool {
	switch k {
	case KindSceneHalted, KindSceneFailed, KindSceneDone, KindRunComplete:
		return true
	}
	return false
}

// Event is one notification from the pump or the orchestrator.
type Event struct {
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id"`
	Component string    `json:"component"`
	Scene     string    `json:"scene,omitempty"`
	State     string    `json:"state,omitempty"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Delivered int       `json:"delivered,omitempty"`
	Retained  int       `json:"retained,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives events. Emit is called from the tick goroutine and must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Bus fans events out to its subscribers in subscription order.
type Bus struct {
	mu   sync.RWMutex
	subs []Sink
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}

func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.Emit(e)
	}
}

// Recorder keeps every event it receives. Used by tests and the CLI summary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes events to a zerolog logger; progress goes to debug.
type LogSink struct {
	Log zerolog.Logger
}

func (l LogSink) Emit(e Event) {
	ev := l.Log.Info()
	switch e.Kind {
	case KindProgress, KindStateChanged:
		ev = l.Log.Debug()
	case KindSceneHalted, KindSceneFailed:
		ev = l.Log.Warn()
	}
	ev = ev.Str("kind", string(e.Kind)).
		Str("run_id", e.RunID).
		Str("component", e.Component).
		Int("done", e.Done).
		Int("total", e.Total)
	if e.Scene != "" {
		ev = ev.Str("scene", e.Scene)
	}
	if e.State != "" {
		ev = ev.Str("state", e.State)
	}
	if e.Kind == KindRunComplete {
		ev = ev.Int("delivered", e.Delivered).Int("retained", e.Retained).Int("dropped", e.Dropped)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	ev.Msg("pipeline event")
}
