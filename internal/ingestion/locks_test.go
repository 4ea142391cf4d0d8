package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_WaiterHonoursDeadline(t *testing.T) {
	t.Parallel()
	var k keyedMutex

	unlock, err := k.Lock(context.Background(), "doc-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "doc-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, k.size(), "abandoned waiter must release its reference")

	_, err = k.Lock(ctx, "doc-2")
	require.ErrorIs(t, err, context.DeadlineExceeded, "expired context is checked even for a free key")

	unlock()
	assert.Equal(t, 0, k.size())
}

func TestKeyedMutex_HandsOverToWaiter(t *testing.T) {
	t.Parallel()
	var k keyedMutex

	unlock, err := k.Lock(context.Background(), "doc-1")
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		next, err := k.Lock(context.Background(), "doc-1")
		if err == nil {
			acquired <- next
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case next := <-acquired:
		next()
	case <-time.After(time.Second):
		t.Fatal("waiter was not handed the lock")
	}
	assert.Equal(t, 0, k.size())
}
