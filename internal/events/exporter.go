package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ExporterConfig tunes the buffering behavior of an Exporter.
type ExporterConfig struct {
	// BufferSize is the capacity of the internal event channel. Forward
	// drops events once the buffer is full.
	BufferSize int
	// MaxBatch is the number of events that triggers an immediate flush.
	MaxBatch int
	// MaxWait is the longest an incomplete batch sits before flushing.
	MaxWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext is the parent for sink contexts. Defaults to
	// context.Background.
	BaseContext context.Context
	// Logger receives drop warnings and sink errors. Defaults to zap.NewNop.
	Logger *zap.Logger
	// OnDrop is invoked once per dropped event, for metrics. Optional.
	OnDrop func()
}

func (c ExporterConfig) withDefaults() ExporterConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Exporter fans events out to external sinks without ever blocking the
// publisher. Events are buffered on a bounded channel and delivered in
// batches; when the buffer is full, Forward drops the event and counts it.
type Exporter struct {
	cfg   ExporterConfig
	sinks []Sink

	in   chan Event
	stop chan struct{}
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	dropped  atomic.Uint64
	lastWarn atomic.Int64

	subs []*Subscription
}

// NewExporter starts the delivery goroutine and returns the exporter. Close
// must be called to drain and release the sinks.
func NewExporter(cfg ExporterConfig, sinks ...Sink) *Exporter {
	cfg = cfg.withDefaults()
	e := &Exporter{
		cfg:   cfg,
		sinks: sinks,
		in:    make(chan Event, cfg.BufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Forward enqueues an event for export. It never blocks: if the buffer is
// full the event is dropped and the drop counter incremented, with a warning
// logged at most once per second. Events arriving after Close are ignored.
func (e *Exporter) Forward(evt Event) {
	if e.closed.Load() {
		return
	}
	select {
	case e.in <- evt:
	default:
		n := e.dropped.Add(1)
		if e.cfg.OnDrop != nil {
			e.cfg.OnDrop()
		}
		e.warnDrops(n)
	}
}

func (e *Exporter) warnDrops(total uint64) {
	now := time.Now().UnixNano()
	last := e.lastWarn.Load()
	if now-last < int64(time.Second) {
		return
	}
	if e.lastWarn.CompareAndSwap(last, now) {
		e.cfg.Logger.Warn("event export buffer full, dropping events",
			zap.Uint64("dropped_total", total),
		)
	}
}

// Dropped reports how many events have been discarded since startup.
func (e *Exporter) Dropped() uint64 {
	return e.dropped.Load()
}

// Attach subscribes the exporter to every event kind on the bus. Close
// detaches the subscriptions again.
func (e *Exporter) Attach(bus *Bus) {
	for _, kind := range AllKinds() {
		e.subs = append(e.subs, bus.Subscribe(kind, e.Forward))
	}
}

// Close detaches from the bus, drains buffered events into the sinks, and
// closes each sink. It is safe to call more than once.
func (e *Exporter) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		for _, s := range e.subs {
			s.Unsubscribe()
		}
		close(e.stop)
	})

	select {
	case <-e.done:
	case <-ctx.Done():
		return fmt.Errorf("event exporter close wait: %w", ctx.Err())
	}

	var firstErr error
	for _, s := range e.sinks {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Exporter) run() {
	defer close(e.done)

	batch := make([]Event, 0, e.cfg.MaxBatch)
	timer := time.NewTimer(e.cfg.MaxWait)
	defer timer.Stop()

	for {
		select {
		case evt := <-e.in:
			batch = append(batch, evt)
			if len(batch) >= e.cfg.MaxBatch {
				e.deliver(batch)
				batch = batch[:0]
				resetTimer(timer, e.cfg.MaxWait)
			}
		case <-timer.C:
			if len(batch) > 0 {
				e.deliver(batch)
				batch = batch[:0]
			}
			timer.Reset(e.cfg.MaxWait)
		case <-e.stop:
			e.drain(batch)
			return
		}
	}
}

// drain empties whatever is still buffered and flushes the final batches.
func (e *Exporter) drain(batch []Event) {
	for {
		select {
		case evt := <-e.in:
			batch = append(batch, evt)
			if len(batch) >= e.cfg.MaxBatch {
				e.deliver(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				e.deliver(batch)
			}
			return
		}
	}
}

func (e *Exporter) deliver(batch []Event) {
	out := make([]Event, len(batch))
	copy(out, batch)
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(e.cfg.BaseContext, e.cfg.SinkTimeout)
		if err := s.Consume(ctx, out); err != nil {
			e.cfg.Logger.Error("event sink consume failed",
				zap.Int("batch_size", len(out)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
