package seats

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T, onExpire func(string, int, int64)) (*ExpiryNotifier, *Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewStore(rdb, 15)
	n := NewExpiryNotifier(store, onExpire)
	n.ttl = 30 * time.Millisecond
	t.Cleanup(n.Stop)
	return n, store, mr
}

func TestExpiryNotifier_FiresOnExpiry(t *testing.T) {
	var fired atomic.Int32
	var gotSeat atomic.Int32
	n, store, mr := newTestNotifier(t, func(roomID string, seatIndex int, targetUserID int64) {
		assert.Equal(t, "42", roomID)
		assert.Equal(t, int64(7), targetUserID)
		gotSeat.Store(int32(seatIndex))
		fired.Add(1)
	})

	require.NoError(t, store.CreateInvite(context.Background(), "42", testInvite(2, 7)))
	n.Arm("42", 2, 7)

	// Let the redis TTL lapse before the local timer fires.
	mr.FastForward(InviteTTL + time.Second)

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), gotSeat.Load())

	// One notification only.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestExpiryNotifier_CancelSuppresses(t *testing.T) {
	var fired atomic.Int32
	n, store, _ := newTestNotifier(t, func(string, int, int64) { fired.Add(1) })

	require.NoError(t, store.CreateInvite(context.Background(), "42", testInvite(2, 7)))
	n.Arm("42", 2, 7)
	n.Cancel("42", 2)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestExpiryNotifier_NewerInviteSuppressesStaleTimer(t *testing.T) {
	var fired atomic.Int32
	n, store, _ := newTestNotifier(t, func(roomID string, seatIndex int, targetUserID int64) {
		fired.Add(1)
		assert.Equal(t, int64(8), targetUserID)
	})

	ctx := context.Background()
	require.NoError(t, store.CreateInvite(ctx, "42", testInvite(2, 7)))
	n.Arm("42", 2, 7)

	// The first invite is declined and replaced before its timer fires. The
	// stale timer must not report seat 2 as expired for user 8's invite.
	_, err := store.DeclineInvite(ctx, "42", 7)
	require.NoError(t, err)
	n.Cancel("42", 2)
	require.NoError(t, store.CreateInvite(ctx, "42", testInvite(2, 8)))
	n.Arm("42", 2, 8)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestExpiryNotifier_StopCancelsAll(t *testing.T) {
	var fired atomic.Int32
	n, store, _ := newTestNotifier(t, func(string, int, int64) { fired.Add(1) })

	ctx := context.Background()
	require.NoError(t, store.CreateInvite(ctx, "42", testInvite(2, 7)))
	require.NoError(t, store.CreateInvite(ctx, "42", testInvite(3, 8)))
	n.Arm("42", 2, 7)
	n.Arm("42", 3, 8)
	n.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load())
}
