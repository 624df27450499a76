package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_PreservesOrderPerKey(t *testing.T) {
	c := New("test")
	defer c.Shutdown()

	var mu sync.Mutex
	var seen []int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		c.Execute("same-key", func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
			return nil
		})
	}
	wg.Wait()

	require.Len(t, seen, 50)
	for i, v := range seen {
		assert.Equal(t, i, v, "jobs submitted for the same key must run in submission order")
	}
}

func TestExecute_DifferentKeysRunConcurrently(t *testing.T) {
	c := New("test")
	defer c.Shutdown()

	const n = 8
	start := make(chan struct{})
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		key := string(rune('a' + i))
		c.Execute(key, func(ctx context.Context) error {
			defer wg.Done()
			<-start
			cur := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
	}
	close(start)
	wg.Wait()

	assert.Greater(t, int(maxInFlight.Load()), 1, "distinct keys should be able to run on different partitions concurrently")
}

func TestExecuteFuture_ReturnsValueAndError(t *testing.T) {
	c := New("test")
	defer c.Shutdown()

	f := c.ExecuteFuture("key", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRunJob_RecoversPanicAndReturnsError(t *testing.T) {
	c := New("test")
	defer c.Shutdown()

	f := c.ExecuteFuture("key", func(ctx context.Context) (any, error) {
		panic("boom")
	})
	v, err := f.Wait(context.Background())
	assert.Nil(t, v)
	require.Error(t, err, "a panicking job must surface as an error, not crash the worker")

	// The worker must still be alive and serving this key's queue afterward.
	f2 := c.ExecuteFuture("key", func(ctx context.Context) (any, error) {
		return "alive", nil
	})
	v2, err2 := f2.Wait(context.Background())
	require.NoError(t, err2)
	assert.Equal(t, "alive", v2)
}

func TestShutdown_IsIdempotent(t *testing.T) {
	c := New("test")
	c.Shutdown()
	assert.NotPanics(t, func() { c.Shutdown() })
}
