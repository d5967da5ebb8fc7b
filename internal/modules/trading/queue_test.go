package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountQueues_FIFO(t *testing.T) {
	q := NewAccountQueues()
	ctx := context.Background()

	release, err := q.Acquire(ctx, "acct-1")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rel, err := q.Acquire(ctx, "acct-1")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			rel()
		}(i)
		// enqueue strictly one after another
		require.Eventually(t, func() bool { return q.Pending("acct-1") == i+1 }, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, q.Pending("acct-1"))
}

func TestAccountQueues_AccountsAreIndependent(t *testing.T) {
	q := NewAccountQueues()
	ctx := context.Background()

	release, err := q.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	defer release()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	rel2, err := q.Acquire(ctx2, "acct-2")
	require.NoError(t, err)
	rel2()
}

func TestAccountQueues_CancelWhileWaiting(t *testing.T) {
	q := NewAccountQueues()

	release, err := q.Acquire(context.Background(), "acct-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Acquire(ctx, "acct-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.Pending("acct-1"))

	release()

	// the abandoned waiter must not hold the turn
	ctx3, cancel3 := context.WithTimeout(context.Background(), time.Second)
	defer cancel3()
	rel, err := q.Acquire(ctx3, "acct-1")
	require.NoError(t, err)
	rel()
}

func TestAccountQueues_ReleaseIsIdempotent(t *testing.T) {
	q := NewAccountQueues()
	ctx := context.Background()

	first, err := q.Acquire(ctx, "acct-1")
	require.NoError(t, err)

	got := make(chan func(), 1)
	go func() {
		rel, err := q.Acquire(ctx, "acct-1")
		if err == nil {
			got <- rel
		}
	}()
	require.Eventually(t, func() bool { return q.Pending("acct-1") == 1 }, time.Second, time.Millisecond)

	first()
	first()
	second := <-got

	// a double release of the first holder must not let a third caller in alongside the second
	ctx3, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Acquire(ctx3, "acct-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	second()
}
