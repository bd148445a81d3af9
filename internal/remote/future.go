package remote

import (
	"context"
	"sync"
	"time"
)

// Future is the eventual result of an asynchronous controller operation.
// It resolves exactly once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

// resolve settles the future. Later calls are ignored.
func (f *Future[T]) resolve(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks for at most timeout. It returns ErrWaitTimeout if the future
// has not resolved by then; a non-positive timeout waits indefinitely.
func (f *Future[T]) Wait(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		<-f.done
		return f.val, f.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.val, f.err
	case <-timer.C:
		var zero T
		return zero, ErrWaitTimeout
	}
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
