// Package throttle is used to limit concurrent activities
package throttle

import (
	"context"
	"fmt"
)

// Throttle restricts how many operations run at once. A nil *Throttle never
// blocks, so an unlimited budget needs no special casing by callers.
type Throttle struct {
	ch chan struct{}
}

// New creates a throttle allowing count concurrent operations. A count below
// one returns nil, which never blocks.
func New(count int) *Throttle {
	if count < 1 {
		return nil
	}
	return &Throttle{ch: make(chan struct{}, count)}
}

// Acquire blocks until a slot is available or the context is done.
func (t *Throttle) Acquire(ctx context.Context) error {
	if t == nil {
		return nil
	}
	select {
	case t.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is immediately available.
func (t *Throttle) TryAcquire(ctx context.Context) (bool, error) {
	if t == nil {
		return true, nil
	}
	select {
	case t.ch <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

// Release frees a slot acquired earlier.
func (t *Throttle) Release(ctx context.Context) error {
	if t == nil {
		return nil
	}
	select {
	case <-t.ch:
		return nil
	default:
		return fmt.Errorf("release requested when throttle was not acquired")
	}
}
