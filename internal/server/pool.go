package server

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs jobs on a fixed set of worker goroutines. Callers block in Do
// until their job's result is ready.
type Pool[Job any, Result any] struct {
	numWorkers int
	jobs       chan task[Job, Result]
	closed     chan struct{}
	stopped    chan struct{}
	discard    func(Result)
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

type task[Job any, Result any] struct {
	job   Job
	reply chan Result
}

// NewPool starts numWorkers workers running workerFn. If numWorkers is 0 or
// negative it defaults to GOMAXPROCS. queue bounds how many jobs may wait
// for a free worker. discard, when non-nil, receives results whose caller
// gave up before the worker finished.
func NewPool[Job any, Result any](numWorkers, queue int, workerFn func(Job) Result, discard func(Result)) *Pool[Job, Result] {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool[Job, Result]{
		numWorkers: numWorkers,
		jobs:       make(chan task[Job, Result], queue),
		closed:     make(chan struct{}),
		stopped:    make(chan struct{}),
		discard:    discard,
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case t := <-p.jobs:
					t.reply <- workerFn(t.job)
				case <-p.closed:
					return
				}
			}
		}()
	}
	return p
}

// Workers reports the pool size.
func (p *Pool[Job, Result]) Workers() int {
	return p.numWorkers
}

// Do submits job and waits for its result. It returns ctx's error if ctx
// ends first, and ErrPoolClosed once the pool is closed.
func (p *Pool[Job, Result]) Do(ctx context.Context, job Job) (Result, error) {
	var zero Result
	t := task[Job, Result]{job: job, reply: make(chan Result, 1)}
	select {
	case p.jobs <- t:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.closed:
		return zero, ErrPoolClosed
	}
	select {
	case r := <-t.reply:
		return r, nil
	case <-ctx.Done():
		p.abandon(t.reply)
		return zero, ctx.Err()
	case <-p.closed:
		// A worker may have finished the job just before stopping.
		select {
		case r := <-t.reply:
			return r, nil
		default:
			p.abandon(t.reply)
			return zero, ErrPoolClosed
		}
	}
}

// abandon hands a late result to discard. A queued job that no worker ever
// picks up produces nothing once the workers have stopped.
func (p *Pool[Job, Result]) abandon(reply chan Result) {
	if p.discard == nil {
		return
	}
	go func() {
		select {
		case r := <-reply:
			p.discard(r)
		case <-p.stopped:
			select {
			case r := <-reply:
				p.discard(r)
			default:
			}
		}
	}()
}

// Close stops the workers and waits for running jobs to finish. Queued jobs
// that no worker picked up are abandoned.
func (p *Pool[Job, Result]) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
		close(p.stopped)
	})
}
