package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// DropCounter is told about every event lost to a full queue.
type DropCounter interface {
	IncrementAuditDropped()
}

// Async decouples request paths from slow sinks. Emit never blocks: when the
// queue is full the event is dropped and counted.
type Async struct {
	queue   chan Event
	dropped atomic.Int64
	counter DropCounter
}

type AsyncOption func(*Async)

func WithDropCounter(c DropCounter) AsyncOption {
	return func(a *Async) {
		a.counter = c
	}
}

func NewAsync(capacity int, opts ...AsyncOption) *Async {
	if capacity <= 0 {
		capacity = 1024
	}
	a := &Async{queue: make(chan Event, capacity)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Async) Emit(_ context.Context, e Event) error {
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
		if a.counter != nil {
			a.counter.IncrementAuditDropped()
		}
	}
	return nil
}

// Dropped returns the number of events lost to a full queue.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Inbox exposes the queue to a Worker.
func (a *Async) Inbox() <-chan Event {
	return a.queue
}

// Worker consumes audit events from a channel and forwards them to a sink.
// Sink failures are logged, not fatal.
type Worker struct {
	sink   Publisher
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Publisher, inbox <-chan Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

// Run forwards events until ctx is done, then drains what is already queued.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()
		case event := <-w.inbox:
			w.forward(ctx, event)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case event := <-w.inbox:
			w.forward(context.Background(), event)
		default:
			return
		}
	}
}

func (w *Worker) forward(ctx context.Context, event Event) {
	if err := w.sink.Emit(ctx, event); err != nil {
		w.logger.ErrorContext(ctx, "failed to publish audit event",
			"action", string(event.Action),
			"subject_id", event.SubjectID,
			"error", err,
		)
	}
}
