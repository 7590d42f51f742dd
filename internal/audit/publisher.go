package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Publisher is the sink domain services emit events into.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
}

func stamp(e Event, now func() time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	e.Timestamp = e.Timestamp.UTC()
	return e
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Emit(ctx context.Context, event Event) error {
	event = stamp(event, time.Now)
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
