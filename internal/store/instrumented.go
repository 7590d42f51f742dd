package store

import (
	"context"
	"time"
)

// OpObserver receives the latency of each store call.
type OpObserver interface {
	ObserveStoreOp(backend, op string, start time.Time)
}

// Instrumented times every call to the wrapped backend.
type Instrumented struct {
	next    Backend
	backend string
	obs     OpObserver
}

// Instrument wraps next. backend labels the observations ("memory", "redis", ...).
func Instrument(next Backend, backend string, obs OpObserver) *Instrumented {
	return &Instrumented{next: next, backend: backend, obs: obs}
}

func (i *Instrumented) observe(op string) func() {
	start := time.Now()
	return func() {
		if i.obs != nil {
			i.obs.ObserveStoreOp(i.backend, op, start)
		}
	}
}

func (i *Instrumented) Put(ctx context.Context, subjectID, token string, status Status) (*Record, error) {
	defer i.observe("put")()
	return i.next.Put(ctx, subjectID, token, status)
}

func (i *Instrumented) Insert(ctx context.Context, subjectID, token string, status Status) (*Record, error) {
	defer i.observe("insert")()
	return i.next.Insert(ctx, subjectID, token, status)
}

func (i *Instrumented) Get(ctx context.Context, subjectID string) (*Record, error) {
	defer i.observe("get")()
	return i.next.Get(ctx, subjectID)
}

func (i *Instrumented) List(ctx context.Context) ([]*Record, error) {
	defer i.observe("list")()
	return i.next.List(ctx)
}

func (i *Instrumented) SetStatus(ctx context.Context, subjectID string, status Status) (bool, error) {
	defer i.observe("set_status")()
	return i.next.SetStatus(ctx, subjectID, status)
}

func (i *Instrumented) SetStatusMany(ctx context.Context, subjectIDs []string, status Status) ([]string, error) {
	defer i.observe("set_status_many")()
	return i.next.SetStatusMany(ctx, subjectIDs, status)
}
