package smtpproxy

import (
	"context"
	"sync"
)

// Action is one step of deferred work on the session, typically reading a
// backend reply and relaying it to the client.
type Action func(ctx context.Context) error

// Pipeline runs actions strictly in insertion order, one at a time. An
// action is removed only after it has completed. Client replies produced by
// actions therefore come out in the order the commands arrived.
type Pipeline struct {
	mu       sync.Mutex
	queue    []Action
	closed   bool
	closeErr error
	waiters  []chan struct{}

	wake chan struct{}
	done chan struct{}

	// onEmpty is called each time the queue drains.
	onEmpty func()
}

func NewPipeline(onEmpty func()) *Pipeline {
	return &Pipeline{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onEmpty: onEmpty,
	}
}

// Add appends an action. It fails once the pipeline is closed.
func (p *Pipeline) Add(a Action) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrConnectionClosed
	}
	p.queue = append(p.queue, a)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of pending actions, including a running one.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run processes actions until the pipeline is closed. A graceful close lets
// queued actions finish first; a close with an error stops right away. The
// first failing action stops the loop and its error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed && p.closeErr != nil {
			err := p.closeErr
			p.mu.Unlock()
			return err
		}
		if len(p.queue) == 0 {
			waiters := p.waiters
			p.waiters = nil
			closed := p.closed
			p.mu.Unlock()

			for _, w := range waiters {
				close(w)
			}
			if closed {
				return nil
			}
			if p.onEmpty != nil {
				p.onEmpty()
			}

			select {
			case <-p.wake:
			case <-p.done:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
			continue
		}
		action := p.queue[0]
		p.mu.Unlock()

		err := action(ctx)

		p.mu.Lock()
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err != nil {
			return err
		}
	}
}

// WaitEmpty blocks until every queued action has completed. It fails with
// ErrConnectionClosed if the pipeline closes while work is still pending.
func (p *Pipeline) WaitEmpty(ctx context.Context) error {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return ErrConnectionClosed
	}
	w := make(chan struct{})
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-p.done:
		select {
		case <-w:
			return nil
		default:
			return ErrConnectionClosed
		}
	case <-ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops accepting actions. With a nil error pending actions still
// run; otherwise Run returns err without running them.
func (p *Pipeline) Close(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	p.mu.Unlock()
	close(p.done)
}

// Done is closed once Close has been called.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}
