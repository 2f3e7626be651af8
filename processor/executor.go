package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

type outcome struct {
	value any
	err   error
}

// executor bounds how many task functions run at once. Each execution gets
// its own goroutine so the worker can give up on it at the deadline; the
// slot is only released when the function actually returns.
type executor struct {
	name     string
	size     int64
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	active   atomic.Int64
}

func newExecutor(name string, size int) *executor {
	if size < 1 {
		size = 1
	}
	return &executor{
		name: name,
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// run starts fn once a slot is free. The returned channel receives exactly
// one outcome.
func (e *executor) run(ctx context.Context, fn TaskFunc) <-chan outcome {
	out := make(chan outcome, 1)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		out <- outcome{err: err}
		return out
	}

	e.inflight.Add(1)
	e.active.Add(1)
	go func() {
		defer e.inflight.Done()
		defer e.active.Add(-1)
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()

		v, err := fn(ctx)
		out <- outcome{value: v, err: err}
	}()
	return out
}

// wait blocks until every started execution has returned.
func (e *executor) wait() {
	e.inflight.Wait()
}

func (e *executor) running() int {
	return int(e.active.Load())
}
