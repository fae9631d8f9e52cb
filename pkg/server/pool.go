package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/veritylab/trawl/pkg/agent"
)

// ErrPoolClosed rejects acquisitions once shutdown has begun.
var ErrPoolClosed = errors.New("pool is shutting down")

// Runner is the pooled pipeline surface. *agent.Pipeline implements it.
// Run must close the sink before returning so event consumers can drain
// to completion.
type Runner interface {
	Run(ctx context.Context, task string, sink *agent.Sink) agent.Result
	Model() string
	Close() error
}

// Pool holds pre-built pipelines and bounds concurrent requests with a
// weighted semaphore. Acquire takes a request slot first, then a pipeline;
// Release returns them in reverse order. The semaphore capacity is at
// least the pool size, so extra slots queue requests instead of failing
// them while every pipeline is busy.
type Pool struct {
	runners chan Runner
	limiter *semaphore.Weighted
	size    int
	weight  int64
	active  atomic.Int64

	mu        sync.Mutex
	rejecting bool
	closed    bool
}

// NewPool builds size pipelines eagerly so startup fails fast on broken
// configuration. build receives the pipeline's slot number.
func NewPool(size, maxConcurrent int, build func(int) (Runner, error)) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	if maxConcurrent < size {
		return nil, fmt.Errorf("max concurrent requests (%d) must be at least the pool size (%d)",
			maxConcurrent, size)
	}
	p := &Pool{
		runners: make(chan Runner, size),
		limiter: semaphore.NewWeighted(int64(maxConcurrent)),
		size:    size,
		weight:  int64(maxConcurrent),
	}
	for i := 0; i < size; i++ {
		r, err := build(i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("build pipeline %d: %w", i, err)
		}
		p.runners <- r
	}
	return p, nil
}

// Acquire claims a request slot and a pipeline, blocking until both are
// available or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (Runner, error) {
	if p.isRejecting() {
		return nil, ErrPoolClosed
	}
	if err := p.limiter.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire request slot: %w", err)
	}
	if p.isRejecting() {
		p.limiter.Release(1)
		return nil, ErrPoolClosed
	}
	select {
	case r := <-p.runners:
		p.active.Add(1)
		return r, nil
	case <-ctx.Done():
		p.limiter.Release(1)
		return nil, ctx.Err()
	}
}

// Release returns the pipeline to the pool and frees the request slot.
func (p *Pool) Release(r Runner) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		r.Close()
	} else {
		p.runners <- r
		p.mu.Unlock()
	}
	p.active.Add(-1)
	p.limiter.Release(1)
}

// RejectNew makes all further Acquire calls fail. Running tasks keep
// their pipelines until they release them.
func (p *Pool) RejectNew() {
	p.mu.Lock()
	p.rejecting = true
	p.mu.Unlock()
}

// WaitIdle blocks until every request slot is free or ctx ends. Call
// after RejectNew, or new requests will keep it waiting.
func (p *Pool) WaitIdle(ctx context.Context) error {
	if err := p.limiter.Acquire(ctx, p.weight); err != nil {
		return err
	}
	p.limiter.Release(p.weight)
	return nil
}

// Close shuts down every idle pipeline. Pipelines still held by running
// tasks are shut down when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.rejecting = true
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for {
		select {
		case r := <-p.runners:
			if err := r.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}

// Active returns how many requests currently hold a pipeline.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Size returns the number of pipelines the pool was built with.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) isRejecting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejecting
}
