package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
	"github.com/zoff-tech/telemetry-uploader/pkg/events"
)

const publishTimeout = 10 * time.Second

// Forwarder is an events.Sink that publishes terminal events on its own
// goroutine. Emit never blocks; events are dropped when the buffer is full.
type Forwarder struct {
	pub         Publisher
	destination string
	routingKey  string
	log         zerolog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan events.Event
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewForwarder starts forwarding to pub. Close must be called to flush.
func NewForwarder(pub Publisher, cfg config.BrokerSettings, log zerolog.Logger) *Forwarder {
	size := cfg.BufferSize
	if size <= 0 {
		size = 64
	}
	f := &Forwarder{
		pub:         pub,
		destination: Destination(cfg),
		routingKey:  cfg.RoutingKey,
		log:         log.With().Str("component", "forwarder").Logger(),
		queue:       make(chan events.Event, size),
		done:        make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Forwarder) Emit(e events.Event) {
	if !e.Kind.Terminal() {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.dropped.Add(1)
		return
	}
	select {
	case f.queue <- e:
	default:
		f.dropped.Add(1)
		f.log.Warn().Str("kind", string(e.Kind)).Msg("event buffer full, dropping event")
	}
}

// Dropped returns how many events were not queued.
func (f *Forwarder) Dropped() int64 { return f.dropped.Load() }

// Failed returns how many publications the broker rejected.
func (f *Forwarder) Failed() int64 { return f.failed.Load() }

// Close stops accepting events, waits for queued ones to be published until
// ctx is done, then closes the publisher.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()

	select {
	case <-f.done:
	case <-ctx.Done():
		f.log.Warn().Int("pending", len(f.queue)).Msg("closing before all events were published")
	}
	return f.pub.Close()
}

func (f *Forwarder) run() {
	defer close(f.done)
	for e := range f.queue {
		msg, err := NewEventMessage(f.destination, f.routingKey, e)
		if err != nil {
			f.failed.Add(1)
			f.log.Error().Err(err).Msg("failed to encode event")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = f.pub.Publish(ctx, msg)
		cancel()
		if err != nil {
			f.failed.Add(1)
			f.log.Warn().Err(err).Str("kind", string(e.Kind)).Str("destination", f.destination).
				Msg("failed to publish event")
			continue
		}
		f.log.Debug().Str("kind", string(e.Kind)).Str("run_id", e.RunID).Msg("event published")
	}
}
