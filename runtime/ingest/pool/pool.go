// Package pool schedules per-entity work onto a bounded set of workers.
// Submission never blocks: the semaphore gates execution, and the
// orchestrator throttles its submission loop with WaitBatch when the
// pending set grows past its watermark. Task failures surface through
// handles and never abort the pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxWorkers bounds concurrent tasks when no override is given.
const DefaultMaxWorkers = 100

// ErrPending is returned by Handle.Err while the task is still running.
var ErrPending = errors.New("pool: task pending")

// Task is one unit of per-entity work.
type Task func(ctx context.Context) error

// Handle tracks one submitted task.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed once the task has finished, successfully or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports the task outcome once Done is closed. While the task is
// still pending it returns ErrPending.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return ErrPending
	}
}

// Pool is a semaphore-bounded task scheduler.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu        sync.Mutex
	pending   map[*Handle]struct{}
	completed []*Handle
	sig       chan struct{}
}

// New builds a pool running at most maxWorkers tasks at once.
// Non-positive values select DefaultMaxWorkers.
func New(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(maxWorkers)),
		pending: make(map[*Handle]struct{}),
		sig:     make(chan struct{}, 1),
	}
}

// Submit records the task in the pending set and schedules it. Execution
// begins once a worker permit is available; ctx cancellation before or
// during execution fails the task with the context error.
func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	if task == nil {
		return nil, errors.New("pool: nil task")
	}
	h := &Handle{done: make(chan struct{})}
	p.mu.Lock()
	p.pending[h] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.finish(h, err)
			return
		}
		defer p.sem.Release(1)
		p.finish(h, runTask(ctx, task))
	}()
	return h, nil
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(ctx)
}

func (p *Pool) finish(h *Handle, err error) {
	h.err = err
	close(h.done)

	p.mu.Lock()
	delete(p.pending, h)
	p.completed = append(p.completed, h)
	p.mu.Unlock()

	select {
	case p.sig <- struct{}{}:
	default:
	}
}

// takeCompleted returns and clears the completed-but-unreaped handles.
func (p *Pool) takeCompleted() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	done := p.completed
	p.completed = nil
	return done
}

// Pending reports how many submitted tasks have not finished yet.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// WaitBatch returns the tasks completed since the last reap, waiting up
// to timeout for at least one to finish. It returns an empty batch when
// the timeout elapses first or when nothing is pending.
func (p *Pool) WaitBatch(ctx context.Context, timeout time.Duration) ([]*Handle, error) {
	if done := p.takeCompleted(); len(done) > 0 {
		select {
		case <-p.sig:
		default:
		}
		return done, nil
	}
	if p.Pending() == 0 {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.sig:
		return p.takeCompleted(), nil
	case <-timer.C:
		return p.takeCompleted(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until every submitted task has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
