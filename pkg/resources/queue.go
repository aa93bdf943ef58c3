package resources

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueStopped is returned by Queue.Run after Stop.
var ErrQueueStopped = errors.New("queue stopped")

// Queue serializes every store mutation of a frame on a single goroutine.
// Watch loops, CRUD completions and resets all hand their work to the same
// queue, so a store never observes two writers at once.
//
// Work functions run on the queue goroutine and must not call Run themselves.
type Queue struct {
	work chan func()
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// NewQueue starts a queue goroutine.
func NewQueue() *Queue {
	q := &Queue{
		work: make(chan func()),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case fn := <-q.work:
			fn()
		}
	}
}

// Run hands fn to the queue and waits until it has run. The hand-off blocks
// while the queue is busy, which is the backpressure watch loops rely on.
// Once fn was accepted, Run waits for it regardless of ctx.
func (q *Queue) Run(ctx context.Context, fn func()) error {
	return q.run(ctx, fn, false)
}

// runInterruptible is Run, except that it stops waiting for an accepted fn
// when ctx is done. fn still runs to completion on the queue.
func (q *Queue) runInterruptible(ctx context.Context, fn func()) error {
	return q.run(ctx, fn, true)
}

func (q *Queue) run(ctx context.Context, fn func(), interruptible bool) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stop:
		return ErrQueueStopped
	case q.work <- task:
	}
	if !interruptible {
		<-finished
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the queue after the currently running function returns.
// It is safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}
