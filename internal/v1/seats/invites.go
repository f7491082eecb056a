package seats

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
)

// ExpiryNotifier mirrors the redis invite TTL with process-local timers so an
// expiry notification can be emitted. The redis TTL stays authoritative for
// correctness; a timer that fires after the invite was accepted or replaced
// re-checks the record and stays silent.
type ExpiryNotifier struct {
	store    *Store
	onExpire func(roomID string, seatIndex int, targetUserID int64)
	ttl      time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer // roomID|seatIndex
}

func NewExpiryNotifier(store *Store, onExpire func(roomID string, seatIndex int, targetUserID int64)) *ExpiryNotifier {
	return &ExpiryNotifier{
		store:    store,
		onExpire: onExpire,
		ttl:      InviteTTL,
		timers:   make(map[string]*time.Timer),
	}
}

func timerKey(roomID string, seatIndex int) string {
	return roomID + "|" + strconv.Itoa(seatIndex)
}

// Arm schedules the expiry notification for a freshly created invite. An
// existing timer for the seat is replaced.
func (n *ExpiryNotifier) Arm(roomID string, seatIndex int, targetUserID int64) {
	key := timerKey(roomID, seatIndex)

	n.mu.Lock()
	defer n.mu.Unlock()

	if old, ok := n.timers[key]; ok {
		old.Stop()
	}
	n.timers[key] = time.AfterFunc(n.ttl, func() {
		n.fire(roomID, seatIndex, targetUserID)
	})
}

// Cancel stops the pending notification, called on accept and decline.
func (n *ExpiryNotifier) Cancel(roomID string, seatIndex int) {
	key := timerKey(roomID, seatIndex)

	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.timers[key]; ok {
		t.Stop()
		delete(n.timers, key)
	}
}

// fire re-checks the invite is still the one we armed for before notifying.
// A race with accept/decline leaves either no record or a different target,
// and in both cases the notification is suppressed.
func (n *ExpiryNotifier) fire(roomID string, seatIndex int, targetUserID int64) {
	key := timerKey(roomID, seatIndex)

	n.mu.Lock()
	_, pending := n.timers[key]
	delete(n.timers, key)
	n.mu.Unlock()
	if !pending {
		// Cancelled between the timer firing and this callback running.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inv, found, err := n.store.GetInvite(ctx, roomID, seatIndex)
	if err != nil {
		logging.Warn(ctx, "Invite expiry check failed",
			zap.String("room_id", roomID),
			zap.Int("seat_index", seatIndex),
			zap.Error(err))
		return
	}
	if found && inv.TargetUserID != targetUserID {
		// A newer invite owns the seat now; its own timer will handle it.
		return
	}
	// found means the redis TTL has not lapsed yet (local clock ran early);
	// the record dies within the skew window either way, so notify once here.
	n.onExpire(roomID, seatIndex, targetUserID)
}

// Stop cancels every pending timer. Shutdown calls this.
func (n *ExpiryNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, t := range n.timers {
		t.Stop()
		delete(n.timers, key)
	}
}
