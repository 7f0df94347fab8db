package smtpproxy

import (
	"context"
	"sync"
	"time"
)

// Future is a value that settles exactly once, either resolved with a value
// or rejected with an error. Any number of goroutines may wait on it.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future with v. It reports false if already settled.
func (f *Future[T]) Resolve(v T) bool {
	settled := false
	f.once.Do(func() {
		f.value = v
		close(f.done)
		settled = true
	})
	return settled
}

// Reject settles the future with err. It reports false if already settled.
func (f *Future[T]) Reject(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done. When ctx wins the
// race, the context cause is returned.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

// Delay runs a callback once after a duration unless cancelled first.
type Delay struct {
	timer *time.Timer
	fired chan struct{}
}

func NewDelay(d time.Duration, fn func()) *Delay {
	dl := &Delay{fired: make(chan struct{})}
	dl.timer = time.AfterFunc(d, func() {
		close(dl.fired)
		if fn != nil {
			fn()
		}
	})
	return dl
}

// Cancel stops the delay. It reports false if the callback already ran.
func (d *Delay) Cancel() bool {
	return d.timer.Stop()
}

// Done is closed when the delay expires.
func (d *Delay) Done() <-chan struct{} {
	return d.fired
}

// Wait blocks until the delay expires or ctx is done.
func (d *Delay) Wait(ctx context.Context) error {
	select {
	case <-d.fired:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
