package pump

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
	"github.com/zoff-tech/telemetry-uploader/pkg/events"
	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"
	"github.com/zoff-tech/telemetry-uploader/pkg/telemetry"
	"github.com/zoff-tech/telemetry-uploader/pkg/tick"
	"github.com/zoff-tech/telemetry-uploader/pkg/transport"
)

const component = "pump"

var (
	// ErrNilOutbox is returned by Start when no outbox is given.
	ErrNilOutbox = errors.New("pump: nil outbox")
	// ErrEmpty is returned by Start when the outbox has nothing pending. The
	// outbox has been closed.
	ErrEmpty = errors.New("pump: outbox is empty")
	// ErrBusy is returned by Start while a run is in progress.
	ErrBusy = errors.New("pump: run in progress")
)

// Transport posts one entry and classifies the answer.
type Transport interface {
	Post(ctx context.Context, url string, body []byte) (*transport.Response, error)
	Classify(resp *transport.Response, err error) transport.Outcome
}

// Status is the coarse state of the pump as seen by its driver.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusComplete:
		return "complete"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result summarises a finished run. Delivered+Retained counts every valid
// entry that was attempted; Dropped counts malformed entries.
type Result struct {
	RunID     string
	Total     int
	Attempted int
	Delivered int
	Retained  int
	Dropped   int
	Canceled  bool
	Err       error
}

type attempt struct {
	resp *transport.Response
	err  error
}

type delivery struct {
	entry outbox.Entry
	span  trace.Span
	done  chan attempt
}

// OutboxPump drains an outbox to the ingestion endpoint with at most one
// request in flight. It is driven by calling Step once per tick.
type OutboxPump struct {
	transport         Transport
	sink              events.Sink
	log               zerolog.Logger
	tracer            trace.Tracer
	deleteAfterUpload bool
	maxBatch          int

	ctx       context.Context
	ob        outbox.Outbox
	status    Status
	total     int
	attempted int
	inflight  *delivery
	result    Result
	canceled  atomic.Bool
}

// NewOutboxPump creates a pump using cfg's delete policy and batch budget.
func NewOutboxPump(t Transport, cfg config.UploadSettings, log zerolog.Logger, sink events.Sink) *OutboxPump {
	if sink == nil {
		sink = events.Discard
	}
	return &OutboxPump{
		transport:         t,
		sink:              sink,
		log:               log.With().Str("component", component).Logger(),
		tracer:            otel.Tracer(telemetry.TracerName),
		deleteAfterUpload: cfg.DeleteAfterUpload,
		maxBatch:          cfg.MaxBatch,
	}
}

// Start begins a run against ob. The pump owns ob until the run completes and
// closes it then.
func (p *OutboxPump) Start(ctx context.Context, ob outbox.Outbox) error {
	if p.status == StatusRunning {
		return ErrBusy
	}
	if ob == nil {
		return ErrNilOutbox
	}

	pending, err := ob.HasPending(ctx)
	if err != nil {
		_ = ob.Close()
		return fmt.Errorf("pump: check outbox: %w", err)
	}
	if !pending {
		_ = ob.Close()
		return ErrEmpty
	}
	total, err := ob.PendingCount(ctx)
	if err != nil {
		_ = ob.Close()
		return fmt.Errorf("pump: count outbox: %w", err)
	}
	if p.maxBatch > 0 && total > p.maxBatch {
		total = p.maxBatch
	}

	p.ctx = ctx
	p.ob = ob
	p.total = total
	p.attempted = 0
	p.inflight = nil
	p.result = Result{RunID: uuid.NewString(), Total: total}
	p.canceled.Store(false)
	p.status = StatusRunning

	p.log.Info().Str("run_id", p.result.RunID).Int("total", total).
		Bool("delete_after_upload", p.deleteAfterUpload).Msg("outbox run started")
	p.emit(events.KindProgress)
	return nil
}

// Cancel stops the run from issuing new requests. A request already in flight
// is still classified before the outbox is closed. Safe from any goroutine.
func (p *OutboxPump) Cancel() {
	p.canceled.Store(true)
}

// Progress returns attempted and total for the current or last run.
func (p *OutboxPump) Progress() (attempted, total int) {
	return p.attempted, p.total
}

// InFlight reports whether a request is outstanding.
func (p *OutboxPump) InFlight() bool { return p.inflight != nil }

// Status returns the pump status without advancing it.
func (p *OutboxPump) Status() Status { return p.status }

// Result returns the summary of the last completed run.
func (p *OutboxPump) Result() Result { return p.result }

// Step advances the run by at most one completed request and one issued
// request. It never blocks on the network.
func (p *OutboxPump) Step() Status {
	if p.status != StatusRunning {
		return p.status
	}

	if p.inflight != nil {
		select {
		case a := <-p.inflight.done:
			if err := p.settle(a); err != nil {
				p.finish(err)
				return p.status
			}
		default:
			return StatusRunning
		}
	}

	if p.canceled.Load() || p.attempted >= p.total {
		p.finish(nil)
		return p.status
	}

	pending, err := p.ob.HasPending(p.ctx)
	if err != nil {
		p.finish(fmt.Errorf("pump: check outbox: %w", err))
		return p.status
	}
	if !pending {
		p.finish(nil)
		return p.status
	}

	entry, ok, err := p.ob.Peek(p.ctx)
	if err != nil {
		p.finish(fmt.Errorf("pump: peek: %w", err))
		return p.status
	}
	if !ok {
		p.finish(nil)
		return p.status
	}

	p.attempted++
	if !entry.Valid() {
		p.log.Warn().Str("destination", entry.Destination).Int("payload_bytes", len(entry.Payload)).
			Msg("dropping malformed outbox entry")
		if err := p.ob.Pop(p.ctx); err != nil {
			p.finish(fmt.Errorf("pump: drop malformed entry: %w", err))
			return p.status
		}
		p.result.Dropped++
		p.emit(events.KindProgress)
		return p.status
	}

	p.send(entry)
	p.emit(events.KindProgress)
	return p.status
}

// Attach drives the pump from src. done is called once when the run ends.
func (p *OutboxPump) Attach(src tick.Source, done func(Result)) {
	reported := false
	src.OnTick(func() {
		if p.Step() != StatusComplete || reported {
			return
		}
		reported = true
		src.Cancel()
		if done != nil {
			done(p.result)
		}
	})
}

func (p *OutboxPump) send(entry outbox.Entry) {
	ctx, span := p.tracer.Start(p.ctx, "pump.Deliver", trace.WithAttributes(
		attribute.String("outbox.destination", entry.Destination),
		attribute.Int("outbox.payload_size_bytes", len(entry.Payload)),
		attribute.Int("outbox.attempt", p.attempted),
	))

	d := &delivery{entry: entry, span: span, done: make(chan attempt, 1)}
	p.inflight = d

	go func() {
		resp, err := p.transport.Post(ctx, entry.Destination, entry.Payload)
		d.done <- attempt{resp: resp, err: err}
	}()
}

// settle classifies the finished request and rotates the outbox. A copy is
// requeued before the head is popped, so a storage failure between the two
// calls duplicates the entry instead of losing it.
func (p *OutboxPump) settle(a attempt) error {
	d := p.inflight
	p.inflight = nil
	defer d.span.End()

	outcome := p.transport.Classify(a.resp, a.err)
	d.span.SetAttributes(attribute.String("outbox.outcome", outcome.String()))

	logEvent := p.log.Debug()
	if outcome != transport.OutcomeDelivered {
		logEvent = p.log.Warn()
		d.span.SetStatus(codes.Error, outcome.String())
		if a.err != nil {
			d.span.RecordError(a.err)
			logEvent = logEvent.Err(a.err)
		}
		if a.resp != nil {
			logEvent = logEvent.Int("status", a.resp.StatusCode)
		}
	}
	logEvent.Str("destination", d.entry.Destination).Str("outcome", outcome.String()).Msg("outbox entry settled")

	keep := outcome != transport.OutcomeDelivered || !p.deleteAfterUpload
	if keep {
		if err := p.ob.Requeue(p.ctx, d.entry); err != nil {
			return fmt.Errorf("pump: requeue: %w", err)
		}
	}
	if err := p.ob.Pop(p.ctx); err != nil {
		return fmt.Errorf("pump: pop: %w", err)
	}

	if outcome == transport.OutcomeDelivered {
		p.result.Delivered++
	} else {
		p.result.Retained++
	}
	return nil
}

func (p *OutboxPump) finish(err error) {
	if cerr := p.ob.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("pump: close outbox: %w", cerr)
	}
	p.result.Attempted = p.attempted
	p.result.Canceled = p.canceled.Load()
	p.result.Err = err
	p.status = StatusComplete

	logEvent := p.log.Info()
	if err != nil {
		logEvent = p.log.Error().Err(err)
	}
	logEvent.Str("run_id", p.result.RunID).
		Int("delivered", p.result.Delivered).
		Int("retained", p.result.Retained).
		Int("dropped", p.result.Dropped).
		Bool("canceled", p.result.Canceled).
		Msg("outbox run complete")
	p.emit(events.KindRunComplete)
}

func (p *OutboxPump) emit(kind events.Kind) {
	e := events.Event{
		Kind:      kind,
		RunID:     p.result.RunID,
		Component: component,
		Done:      p.attempted,
		Total:     p.total,
	}
	if kind == events.KindRunComplete {
		e.Delivered = p.result.Delivered
		e.Retained = p.result.Retained
		e.Dropped = p.result.Dropped
		if p.result.Err != nil {
			e.Error = p.result.Err.Error()
		}
	}
	p.sink.Emit(e)
}
