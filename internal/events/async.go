package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/aimemory/internal/observe"
)

// Async defaults.
const (
	DefaultBufferSize    = 1024
	DefaultBatchSize     = 50
	DefaultFlushInterval = 2 * time.Second
)

// Async is an [Emitter] that queues events and forwards them to a [Sink] from
// a single background goroutine.
type Async struct {
	sink     Sink
	name     string
	queue    chan Event
	batch    int
	interval time.Duration
	timeout  time.Duration
	metrics  *observe.Metrics

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

var _ Emitter = (*Async)(nil)

// AsyncOption configures an [Async] emitter.
type AsyncOption func(*Async)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.queue = make(chan Event, n)
		}
	}
}

// WithBatchSize sets the maximum number of events per Send.
func WithBatchSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.batch = n
		}
	}
}

// WithFlushInterval sets how often a partial batch is flushed.
func WithFlushInterval(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) AsyncOption {
	return func(a *Async) { a.metrics = m }
}

// NewAsync starts an emitter forwarding to sink. name labels the sink in
// metrics and logs. Call [Async.Close] to flush and stop.
func NewAsync(sink Sink, name string, opts ...AsyncOption) *Async {
	a := &Async{
		sink:     sink,
		name:     name,
		queue:    make(chan Event, DefaultBufferSize),
		batch:    DefaultBatchSize,
		interval: DefaultFlushInterval,
		timeout:  10 * time.Second,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	go a.run()
	return a
}

// Emit queues e. When the queue is full or the emitter is closed the event
// is dropped.
func (a *Async) Emit(ctx context.Context, e Event) {
	select {
	case <-a.done:
		a.metrics.RecordEventDropped(ctx, a.name)
		return
	default:
	}
	select {
	case a.queue <- e:
	default:
		a.metrics.RecordEventDropped(ctx, a.name)
	}
}

// Close stops accepting events, flushes what is queued and waits for the
// worker to finish or ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.done) })
	select {
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.stopped)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	buf := make([]Event, 0, a.batch)
	for {
		select {
		case e := <-a.queue:
			buf = append(buf, e)
			if len(buf) >= a.batch {
				buf = a.flush(buf)
			}
		case <-ticker.C:
			buf = a.flush(buf)
		case <-a.done:
			for {
				select {
				case e := <-a.queue:
					buf = append(buf, e)
					if len(buf) >= a.batch {
						buf = a.flush(buf)
					}
				default:
					a.flush(buf)
					return
				}
			}
		}
	}
}

func (a *Async) flush(buf []Event) []Event {
	if len(buf) == 0 {
		return buf
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.sink.Send(ctx, buf); err != nil {
		slog.Warn("events: delivery failed", "sink", a.name, "events", len(buf), "error", err)
		for range buf {
			a.metrics.RecordEventDropped(ctx, a.name)
		}
	}
	return buf[:0]
}
