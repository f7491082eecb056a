package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/backend"
	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/types"
)

// errGiftOverloaded is the ack when the buffer's high-water mark is hit. The
// gift was not queued; the optimistic broadcast never went out.
var errGiftOverloaded = errors.New("overloaded")

// Gift buffer defaults, overridable through Options.
const (
	defaultGiftFlushInterval = 500 * time.Millisecond
	defaultGiftFlushMax      = 50
	defaultGiftBufferCap     = 1000
	giftFlushBackoffCap      = 30 * time.Second
)

// GiftBuffer batches optimistic gift transactions for backend settlement.
// Logical failures notify the sender and are final; transport failures
// re-queue the chunk and back off the flush loop.
type GiftBuffer struct {
	backend  *backend.Client
	notify   func(userID int64, event events.Name, data any)
	interval time.Duration
	flushMax int
	capacity int

	// flushMu serializes whole flushes so a ticker flush and the shutdown
	// drain can never pop chunks concurrently and settle them out of order.
	flushMu sync.Mutex

	// mu guards the queue and the backoff state.
	mu          sync.Mutex
	queue       []backend.GiftTransaction
	backoff     time.Duration
	nextAttempt time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newGiftBuffer(client *backend.Client, notify func(userID int64, event events.Name, data any),
	interval time.Duration, flushMax, capacity int) *GiftBuffer {

	if interval <= 0 {
		interval = defaultGiftFlushInterval
	}
	if flushMax <= 0 {
		flushMax = defaultGiftFlushMax
	}
	if capacity <= 0 {
		capacity = defaultGiftBufferCap
	}
	return &GiftBuffer{
		backend:  client,
		notify:   notify,
		interval: interval,
		flushMax: flushMax,
		capacity: capacity,
		stop:     make(chan struct{}),
	}
}

func (b *GiftBuffer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.run()
	}()
}

func (b *GiftBuffer) run() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			backingOff := time.Now().Before(b.nextAttempt)
			b.mu.Unlock()
			if backingOff {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			b.flush(ctx)
			cancel()
		}
	}
}

// enqueue admits a transaction unless the buffer is at capacity.
func (b *GiftBuffer) enqueue(tx backend.GiftTransaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) >= b.capacity {
		metrics.GiftsDropped.Inc()
		return errGiftOverloaded
	}
	b.queue = append(b.queue, tx)
	metrics.GiftsBuffered.Set(float64(len(b.queue)))
	return nil
}

// flush sends one chunk. Transport errors put the chunk back at the head so
// settlement order survives the retry.
func (b *GiftBuffer) flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	n := len(b.queue)
	if n == 0 {
		b.mu.Unlock()
		return
	}
	if n > b.flushMax {
		n = b.flushMax
	}
	chunk := make([]backend.GiftTransaction, n)
	copy(chunk, b.queue[:n])
	b.queue = b.queue[n:]
	metrics.GiftsBuffered.Set(float64(len(b.queue)))
	b.mu.Unlock()

	res, err := b.backend.SendGiftBatch(ctx, chunk)
	if err != nil {
		b.mu.Lock()
		b.queue = append(chunk, b.queue...)
		metrics.GiftsBuffered.Set(float64(len(b.queue)))
		if b.backoff == 0 {
			b.backoff = b.interval
		} else {
			b.backoff *= 2
			if b.backoff > giftFlushBackoffCap {
				b.backoff = giftFlushBackoffCap
			}
		}
		b.nextAttempt = time.Now().Add(b.backoff)
		backoff := b.backoff
		b.mu.Unlock()

		metrics.GiftFlushFailures.Inc()
		logging.Warn(ctx, "Gift flush failed, backing off",
			zap.Int("chunk", len(chunk)),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		return
	}

	b.mu.Lock()
	b.backoff = 0
	b.nextAttempt = time.Time{}
	b.mu.Unlock()
	metrics.GiftsFlushed.Add(float64(res.Processed))

	for _, failure := range res.Failed {
		metrics.GiftsDropped.Inc()
		b.notify(failure.SenderID, events.GiftError, events.GiftErrorPayload{
			TransactionID: failure.TransactionID,
			Error:         failure.Error,
		})
	}
}

// close performs the final synchronous flush, bounded by the shutdown
// deadline.
func (b *GiftBuffer) close(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.stop) })

	for {
		b.mu.Lock()
		remaining := len(b.queue)
		b.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logging.Warn(ctx, "Shutdown deadline hit with gifts unsettled",
				zap.Int("remaining", remaining))
			return
		default:
		}
		b.mu.Lock()
		b.nextAttempt = time.Time{}
		b.mu.Unlock()
		b.flush(ctx)

		b.mu.Lock()
		failed := time.Now().Before(b.nextAttempt)
		b.mu.Unlock()
		if failed {
			// Transport failure mid-shutdown; give the backend a beat.
			select {
			case <-ctx.Done():
			case <-time.After(b.interval):
			}
		}
	}
}

// HandleGiftSend settles a gift optimistically: broadcast first, enqueue for
// backend settlement second. The ack carries the transaction id.
func (m *Manager) HandleGiftSend(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.GiftSendPayload](raw)
	if err != nil {
		return nil, err
	}
	if string(conn.Room()) != p.RoomID {
		return nil, ErrRoomNotFound
	}
	userID := int64(conn.UserID())

	if err := m.limiter.AllowGift(ctx, userID); err != nil {
		return nil, err
	}

	tx := backend.GiftTransaction{
		TransactionID: uuid.NewString(),
		RoomID:        p.RoomID,
		SenderID:      userID,
		RecipientID:   p.RecipientID,
		GiftID:        p.GiftID,
		Quantity:      p.EffectiveQuantity(),
		Timestamp:     time.Now().UnixMilli(),
	}

	if err := m.gifts.enqueue(tx); err != nil {
		m.notifyUser(userID, events.GiftError, events.GiftErrorPayload{Error: errGiftOverloaded.Error()})
		return nil, err
	}

	m.broadcast(ctx, p.RoomID, events.GiftReceived, events.GiftReceivedPayload{
		SenderID:    userID,
		RoomID:      p.RoomID,
		GiftID:      p.GiftID,
		RecipientID: p.RecipientID,
		Quantity:    tx.Quantity,
	}, userID)
	m.RecordActivity(ctx, p.RoomID)

	return map[string]string{"transactionId": tx.TransactionID}, nil
}

// HandleGiftPrepare relays a preload hint to the room. No server state moves.
func (m *Manager) HandleGiftPrepare(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.GiftPreparePayload](raw)
	if err != nil {
		return nil, err
	}
	if string(conn.Room()) != p.RoomID {
		return nil, ErrRoomNotFound
	}
	userID := int64(conn.UserID())

	m.broadcast(ctx, p.RoomID, events.GiftPrepare, map[string]any{
		"senderId":    userID,
		"giftId":      p.GiftID,
		"recipientId": p.RecipientID,
	}, userID)
	return events.SuccessAck{Success: true}, nil
}
