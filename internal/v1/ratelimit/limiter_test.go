package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, chatRate, giftRate string) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l, err := New(chatRate, giftRate, rdb)
	require.NoError(t, err)
	return l
}

func TestNew_InvalidRate(t *testing.T) {
	_, err := New("not-a-rate", "330-M", nil)
	assert.Error(t, err)

	_, err = New("60-M", "bogus", nil)
	assert.Error(t, err)
}

func TestAllowChat_UnderLimit(t *testing.T) {
	l := newTestLimiter(t, "60-M", "330-M")

	for i := 0; i < 10; i++ {
		assert.NoError(t, l.AllowChat(context.Background(), 1))
	}
}

func TestAllowChat_ExactThreshold(t *testing.T) {
	l := newTestLimiter(t, "3-M", "330-M")
	ctx := context.Background()

	// The Nth request in the window succeeds, the (N+1)th fails.
	require.NoError(t, l.AllowChat(ctx, 1))
	require.NoError(t, l.AllowChat(ctx, 1))
	require.NoError(t, l.AllowChat(ctx, 1))
	assert.ErrorIs(t, l.AllowChat(ctx, 1), ErrTooManyMessages)
}

func TestAllowGift_ExactThreshold(t *testing.T) {
	l := newTestLimiter(t, "60-M", "2-M")
	ctx := context.Background()

	require.NoError(t, l.AllowGift(ctx, 7))
	require.NoError(t, l.AllowGift(ctx, 7))
	assert.ErrorIs(t, l.AllowGift(ctx, 7), ErrTooManyGifts)
}

func TestAllow_PerUserIsolation(t *testing.T) {
	l := newTestLimiter(t, "1-M", "330-M")
	ctx := context.Background()

	require.NoError(t, l.AllowChat(ctx, 1))
	assert.ErrorIs(t, l.AllowChat(ctx, 1), ErrTooManyMessages)

	// A different user has an untouched window.
	assert.NoError(t, l.AllowChat(ctx, 2))
}

func TestAllow_ClassesAreIndependent(t *testing.T) {
	l := newTestLimiter(t, "1-M", "1-M")
	ctx := context.Background()

	require.NoError(t, l.AllowChat(ctx, 5))
	require.ErrorIs(t, l.AllowChat(ctx, 5), ErrTooManyMessages)

	// Exhausting chat must not consume the gift budget.
	assert.NoError(t, l.AllowGift(ctx, 5))
}

func TestAllow_MemoryStoreFallback(t *testing.T) {
	l, err := New("1-M", "1-M", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.AllowChat(ctx, 9))
	assert.ErrorIs(t, l.AllowChat(ctx, 9), ErrTooManyMessages)
}

func TestAllow_FailsOpenWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l, err := New("1-M", "1-M", rdb)
	require.NoError(t, err)

	mr.Close()

	// Store errors must not block user traffic.
	assert.NoError(t, l.AllowChat(context.Background(), 1))
}
