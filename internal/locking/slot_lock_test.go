package locking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestSlotLockerExclusive(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewSlotLocker(client, 5*time.Second, logging.Discard())
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "doc-1", "2025-03-10", "09:00")
	require.NoError(t, err)
	assert.True(t, mr.Exists(SlotKey("doc-1", "2025-03-10", "09:00")))

	_, err = locker.Acquire(ctx, "doc-1", "2025-03-10", "09:00")
	assert.ErrorIs(t, err, ErrSlotLocked)

	other, err := locker.Acquire(ctx, "doc-1", "2025-03-10", "09:30")
	require.NoError(t, err)
	other()

	release()
	assert.False(t, mr.Exists(SlotKey("doc-1", "2025-03-10", "09:00")))

	again, err := locker.Acquire(ctx, "doc-1", "2025-03-10", "09:00")
	require.NoError(t, err)
	again()
}

func TestSlotLockerExpires(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewSlotLocker(client, time.Second, logging.Discard())
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "doc-1", "2025-03-10", "09:00")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	release, err := locker.Acquire(ctx, "doc-1", "2025-03-10", "09:00")
	require.NoError(t, err)
	release()
}

func TestSlotLockerReleaseKeepsForeignToken(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewSlotLocker(client, time.Second, logging.Discard())
	ctx := context.Background()
	key := SlotKey("doc-1", "2025-03-10", "09:00")

	stale, err := locker.Acquire(ctx, "doc-1", "2025-03-10", "09:00")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	fresh, err := locker.Acquire(ctx, "doc-1", "2025-03-10", "09:00")
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists(key))
	fresh()
	assert.False(t, mr.Exists(key))
}

func TestSlotLockerWithoutRedis(t *testing.T) {
	locker := NewSlotLocker(nil, 0, nil)
	release, err := locker.Acquire(context.Background(), "doc-1", "2025-03-10", "09:00")
	require.NoError(t, err)
	release()

	var nilLocker *SlotLocker
	release, err = nilLocker.Acquire(context.Background(), "doc-1", "2025-03-10", "09:00")
	require.NoError(t, err)
	release()
}
