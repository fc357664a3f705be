package local

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kneutral-org/lockcoord/internal/lock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocks_NilReceiver(t *testing.T) {
	var ll *Locks
	_, err := ll.Lease(context.Background())

	var cfgErr *lock.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConn_TryAcquireRelease(t *testing.T) {
	ll := NewLocks()
	ctx := context.Background()

	a, err := ll.Lease(ctx)
	require.NoError(t, err)
	b, err := ll.Lease(ctx)
	require.NoError(t, err)

	ok, err := a.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Different keys do not interfere
	ok, err = b.TryAcquire(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, b.Release(ctx, 1), ErrNotHeld)
	require.NoError(t, a.Release(ctx, 1))
	assert.ErrorIs(t, a.Release(ctx, 1), ErrNotHeld)

	ok, err = b.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConn_AcquireBlocksUntilRelease(t *testing.T) {
	ll := NewLocks()
	ctx := context.Background()

	holder, _ := ll.Lease(ctx)
	waiter, _ := ll.Lease(ctx)

	require.NoError(t, holder.Acquire(ctx, 7))

	done := make(chan error, 1)
	go func() {
		done <- waiter.Acquire(ctx, 7)
	}()

	select {
	case <-done:
		t.Fatal("acquire returned while the key was held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, holder.Release(ctx, 7))
	require.NoError(t, <-done)
}

func TestConn_AcquireHonoursContext(t *testing.T) {
	ll := NewLocks()
	holder, _ := ll.Lease(context.Background())
	waiter, _ := ll.Lease(context.Background())

	_, err := holder.TryAcquire(context.Background(), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waiter.Acquire(ctx, 3), context.DeadlineExceeded)
}

func TestConn_DiscardReleasesEverything(t *testing.T) {
	ll := NewLocks()
	ctx := context.Background()

	c, _ := ll.Lease(ctx)
	for key := uint64(0); key < 3; key++ {
		ok, err := c.TryAcquire(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, c.Discard())

	other, _ := ll.Lease(ctx)
	for key := uint64(0); key < 3; key++ {
		ok, err := other.TryAcquire(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestHandle_MutualExclusion(t *testing.T) {
	ll := NewLocks()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := lock.NewLockHandle(ll, "local:exclusion",
				lock.WithBackoff(lock.ConstantBackoff(time.Millisecond)))
			err := lock.WithLock(context.Background(), h, 3, func(context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestHandle_CancelFreesKey(t *testing.T) {
	ll := NewLocks()

	ctx, cancel := context.WithCancel(context.Background())
	first := lock.NewLockHandle(ll, "local:cancel")
	require.NoError(t, first.AcquireLock(ctx, 1))
	cancel()
	<-first.Done()

	second := lock.NewLockHandle(ll, "local:cancel")
	require.NoError(t, second.AcquireLock(context.Background(), 1))
	require.NoError(t, second.ReleaseLock(context.Background()))
}
