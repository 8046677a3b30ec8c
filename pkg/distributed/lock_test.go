package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	addr := os.Getenv("ROUTERD_TEST_REDIS")
	if addr == "" {
		t.Skip("ROUTERD_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	key := "routerd:test:lock:" + lockValue()
	a := NewLock(client, key, time.Second)
	b := NewLock(client, key, time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, b.Lock(ctx, 200*time.Millisecond), ErrLockTimeout)
	assert.ErrorIs(t, b.Unlock(ctx), ErrNotHeld)

	// Renewal keeps the lease past its TTL.
	time.Sleep(1500 * time.Millisecond)
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))
	require.NoError(t, b.Lock(ctx, time.Second))
	require.NoError(t, b.Unlock(ctx))
}

func TestLockValueUnique(t *testing.T) {
	assert.NotEqual(t, lockValue(), lockValue())
	assert.Len(t, lockValue(), 32)
}
