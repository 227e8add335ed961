package eventloop

import (
	"golang.org/x/sync/semaphore"
)

// Pool runs CPU-heavy tasks, typically signature verification, on a bounded
// set of worker goroutines. Results are handed back to the event loop
// goroutine, so the completion callback may mutate consensus state.
type Pool struct {
	el  *EventLoop
	sem *semaphore.Weighted
}

// NewPool returns a pool that runs at most nworker tasks concurrently.
func NewPool(el *EventLoop, nworker int64) *Pool {
	if nworker < 1 {
		nworker = 1
	}
	return &Pool{
		el:  el,
		sem: semaphore.NewWeighted(nworker),
	}
}

// Go runs task on a worker goroutine and then runs done(result) on the event
// loop goroutine. If the event loop's context is cancelled before a worker
// slot becomes available, the task is dropped and done is never called.
func (p *Pool) Go(task func() bool, done func(ok bool)) {
	ctx := p.el.Context()
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		ok := task()
		if ctx.Err() != nil {
			return
		}
		p.el.Defer(func() { done(ok) })
	}()
}
