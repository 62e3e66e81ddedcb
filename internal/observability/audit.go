package observability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an audit record emitted by the session core. Delivery is
// fire-and-forget, at-least-once is acceptable for the sink behind it.
type Event struct {
	Name      string
	At        time.Time
	UserID    string
	SessionID string
	TenantID  string
	Fields    map[string]any
}

// Sink receives audit events. Implementations must tolerate concurrent calls.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SlogSink writes audit events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, e Event) {
	attrs := []any{
		"event", e.Name,
		"at", e.At,
	}
	if e.UserID != "" {
		attrs = append(attrs, "user_id", e.UserID)
	}
	if e.SessionID != "" {
		attrs = append(attrs, "session_id", e.SessionID)
	}
	if e.TenantID != "" {
		attrs = append(attrs, "tenant_id", e.TenantID)
	}
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}

// Dispatcher forwards events to a sink asynchronously so a slow sink never
// blocks the request path. A full buffer drops the event and counts it.
type Dispatcher struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func NewDispatcher(sink Sink, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if sink == nil {
		sink = NewSlogSink(nil)
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.ch:
			d.sink.Emit(context.Background(), e)
		case <-d.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case e := <-d.ch:
					d.sink.Emit(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// Emit enqueues an event without blocking. Nil dispatchers are no-ops so
// callers do not need nil checks on optional wiring.
func (d *Dispatcher) Emit(e Event) {
	if d == nil {
		return
	}
	select {
	case d.ch <- e:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Close flushes buffered events and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of events discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
