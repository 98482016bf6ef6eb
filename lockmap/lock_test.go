package lockmap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-fsjournal/common"
)

func TestExclusiveConflict(t *testing.T) {
	assert := assert.New(t)
	lm := MkLockMap(20 * time.Millisecond)
	assert.NoError(lm.Acquire(1, 10, Exclusive))
	assert.NoError(lm.Acquire(1, 10, Exclusive), "reentrant")
	err := lm.Acquire(2, 10, Shared)
	assert.True(common.Has(err, ErrWouldBlock))
	assert.True(common.Retryable(err))
	lm.Release(1, 10)
	assert.NoError(lm.Acquire(2, 10, Shared))
}

func TestSharedCompatible(t *testing.T) {
	assert := assert.New(t)
	lm := MkLockMap(0)
	assert.True(lm.TryAcquire(1, 5, Shared))
	assert.True(lm.TryAcquire(2, 5, Shared))
	assert.False(lm.TryAcquire(3, 5, Exclusive))
	assert.False(lm.TryAcquire(1, 5, Exclusive), "upgrade waits for other readers")
	lm.Release(2, 5)
	assert.True(lm.TryAcquire(1, 5, Exclusive))
	m, ok := lm.Holds(1, 5)
	assert.True(ok)
	assert.Equal(Exclusive, m)
	o, ok := lm.ExclusiveOwner(5)
	assert.True(ok)
	assert.Equal(uint64(1), o)
}

func TestReleaseWakesWaiter(t *testing.T) {
	lm := MkLockMap(5 * time.Second)
	require.NoError(t, lm.Acquire(1, 7, Exclusive))
	done := make(chan error)
	go func() {
		done <- lm.Acquire(2, 7, Exclusive)
	}()
	time.Sleep(10 * time.Millisecond)
	lm.Release(1, 7)
	require.NoError(t, <-done)
	_, ok := lm.Holds(1, 7)
	assert.False(t, ok)
}

func TestDeadlockDetected(t *testing.T) {
	lm := MkLockMap(5 * time.Second)
	require.NoError(t, lm.Acquire(1, 100, Exclusive))
	require.NoError(t, lm.Acquire(2, 200, Exclusive))

	var wg sync.WaitGroup
	wg.Add(1)
	var err1 error
	go func() {
		defer wg.Done()
		err1 = lm.Acquire(1, 200, Exclusive)
	}()
	// wait until owner 1 is registered as waiting
	for {
		lm.graph.mu.Lock()
		_, waiting := lm.graph.edges[1]
		lm.graph.mu.Unlock()
		if waiting {
			break
		}
		time.Sleep(time.Millisecond)
	}
	err2 := lm.Acquire(2, 100, Exclusive)
	assert.True(t, common.Has(err2, ErrDeadlock))

	// owner 2 backs off; owner 1 proceeds
	lm.Release(2, 200)
	wg.Wait()
	assert.NoError(t, err1)
}

func TestManyOwners(t *testing.T) {
	lm := MkLockMap(5 * time.Second)
	counter := 0
	var wg sync.WaitGroup
	for o := uint64(1); o <= 8; o++ {
		wg.Add(1)
		go func(o uint64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := lm.Acquire(o, 3, Exclusive); err != nil {
					t.Error(err)
					return
				}
				counter++
				lm.Release(o, 3)
			}
		}(o)
	}
	wg.Wait()
	assert.Equal(t, 800, counter)
	assert.Empty(t, lm.shard(3).state, "released locks are collected")
}
