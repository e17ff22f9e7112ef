// Package slot provides the single-element hand-off queue used between a
// caller and a background worker.
package slot

import "context"

// Slot holds at most one value. The zero value is not usable; call New.
type Slot[T any] struct {
	ch chan T
}

func New[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// TryPush stores v if the slot is empty and reports whether it did.
func (s *Slot[T]) TryPush(v T) bool {
	select {
	case s.ch <- v:
		return true
	default:
		return false
	}
}

// Push waits until the slot is empty or ctx is done.
func (s *Slot[T]) Push(ctx context.Context, v T) error {
	select {
	case s.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop waits for a value or until ctx is done.
func (s *Slot[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-s.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Slot[T]) TryPop() (T, bool) {
	select {
	case v := <-s.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// C exposes the receive side for use in select statements.
func (s *Slot[T]) C() <-chan T {
	return s.ch
}

func (s *Slot[T]) Len() int {
	return len(s.ch)
}
