// Package coordinator implements the per-key actor layer: N single-threaded
// workers, each consuming its own FIFO job queue, with keys routed to a
// fixed worker by hash. All operations submitted for the same key execute
// in submission order on the same worker, so no key ever needs a lock; work
// for different keys runs fully concurrently.
package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	minPartitions = 8
	maxPartitions = 32

	shutdownDrainTimeout = 30 * time.Second
)

// job is a unit of work submitted to a worker; result, if non-nil, receives
// the return value for jobs that want one.
type job struct {
	fn     func(ctx context.Context) (any, error)
	result chan<- jobResult
}

type jobResult struct {
	value any
	err   error
}

// Coordinator routes work keyed by an arbitrary string to one of N
// partitions, each a single-threaded worker with its own queue.
type Coordinator struct {
	name    string
	queues  []chan job
	wg      sync.WaitGroup
	closing chan struct{}
	closed  sync.Once
}

// partitionCount returns clamp(runtime.NumCPU(), minPartitions, maxPartitions).
func partitionCount() int {
	n := runtime.NumCPU()
	if n < minPartitions {
		return minPartitions
	}
	if n > maxPartitions {
		return maxPartitions
	}
	return n
}

// New constructs a Coordinator named name (used only in logs) and starts
// its worker goroutines.
func New(name string) *Coordinator {
	n := partitionCount()
	c := &Coordinator{
		name:    name,
		queues:  make([]chan job, n),
		closing: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		c.queues[i] = make(chan job, 256)
		c.wg.Add(1)
		go c.runWorker(i)
	}
	log.Info().Str("coordinator", name).Int("partitions", n).Msg("coordinator started")
	return c
}

// partitionFor routes key to a worker index. FNV-1a is used instead of a
// raw hashCode()%N because the latter biases low partitions for
// sequentially-assigned integer-like keys; FNV-1a's avalanche behavior
// spreads keys evenly regardless of their surface shape.
func (c *Coordinator) partitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(c.queues)))
}

func (c *Coordinator) runWorker(idx int) {
	defer c.wg.Done()
	queue := c.queues[idx]
	ctx := context.Background()
	for j := range queue {
		value, err := c.runJob(ctx, j)
		if j.result != nil {
			j.result <- jobResult{value: value, err: err}
			close(j.result)
		}
	}
}

// runJob invokes j.fn with panic containment: a panicking job logs and
// returns an error instead of taking down the worker (and with it every
// other key's pending work on this partition).
func (c *Coordinator) runJob(ctx context.Context, j job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("coordinator", c.name).Interface("panic", r).Msg("coordinator: job panicked, recovered")
			err = fmt.Errorf("coordinator: job panicked: %v", r)
		}
	}()
	return j.fn(ctx)
}

// Execute submits fn to run on key's partition and returns immediately; the
// submission order for a given key is preserved across callers.
func (c *Coordinator) Execute(key string, fn func(ctx context.Context) error) {
	idx := c.partitionFor(key)
	select {
	case c.queues[idx] <- job{fn: func(ctx context.Context) (any, error) { return nil, fn(ctx) }}:
	case <-c.closing:
		log.Warn().Str("coordinator", c.name).Str("key", key).Msg("coordinator shutting down, job dropped")
	}
}

// future is the handle returned by ExecuteFuture for a result-returning job.
type future struct {
	ch <-chan jobResult
}

// Wait blocks until the job completes, returning its value and error.
func (f future) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-f.ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteFuture submits fn to run on key's partition and returns a future
// for its result.
func (c *Coordinator) ExecuteFuture(key string, fn func(ctx context.Context) (any, error)) future {
	resultCh := make(chan jobResult, 1)
	idx := c.partitionFor(key)
	select {
	case c.queues[idx] <- job{fn: fn, result: resultCh}:
	case <-c.closing:
		resultCh <- jobResult{err: context.Canceled}
		close(resultCh)
	}
	return future{ch: resultCh}
}

// Shutdown signals every worker to stop accepting new work, waits up to
// shutdownDrainTimeout for queues to drain, then returns regardless —
// any goroutines still running are abandoned (force-terminate), matching
// the contract that shutdown must not hang the process indefinitely.
func (c *Coordinator) Shutdown() {
	c.closed.Do(func() {
		close(c.closing)
		for _, q := range c.queues {
			close(q)
		}
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("coordinator", c.name).Msg("coordinator drained cleanly")
	case <-time.After(shutdownDrainTimeout):
		log.Warn().Str("coordinator", c.name).Msg("coordinator shutdown timed out, force-terminating")
	}
}
