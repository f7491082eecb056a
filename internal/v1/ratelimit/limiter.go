// Package ratelimit enforces the per-user event limits: chat messages and
// gift sends. Counters live in redis so the limit holds across instances; a
// memory store keeps dev setups without redis working.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

// Overflow errors. The exact strings reach clients in acks.
var (
	ErrTooManyMessages = errors.New("Too many messages")
	ErrTooManyGifts    = errors.New("Too many gifts, please slow down")
)

// Limiter holds one limiter per event class, sharing a store.
type Limiter struct {
	chat *limiter.Limiter
	gift *limiter.Limiter
}

// New builds the limiter set from ulule-formatted rates ("60-M"). A nil
// redis client falls back to the in-memory store.
func New(chatRate, giftRate string, redisClient *redis.Client) (*Limiter, error) {
	chat, err := limiter.NewRateFromFormatted(chatRate)
	if err != nil {
		return nil, fmt.Errorf("invalid chat rate: %w", err)
	}
	gift, err := limiter.NewRateFromFormatted(giftRate)
	if err != nil {
		return nil, fmt.Errorf("invalid gift rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "msab:ratelimit",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (redis unavailable)")
	}

	return &Limiter{
		chat: limiter.New(store, chat),
		gift: limiter.New(store, gift),
	}, nil
}

// AllowChat checks the chat limit for a user. Store failures fail open:
// availability beats strictness for a chat stream.
func (l *Limiter) AllowChat(ctx context.Context, userID int64) error {
	return l.allow(ctx, l.chat, "chat", userID, ErrTooManyMessages)
}

// AllowGift checks the gift limit for a user.
func (l *Limiter) AllowGift(ctx context.Context, userID int64) error {
	return l.allow(ctx, l.gift, "gift", userID, ErrTooManyGifts)
}

func (l *Limiter) allow(ctx context.Context, lim *limiter.Limiter, scope string, userID int64, overflow error) error {
	metrics.RateLimitRequests.WithLabelValues(scope).Inc()

	key := scope + ":" + strconv.FormatInt(userID, 10)
	res, err := lim.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed",
			zap.String("scope", scope),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return nil
	}

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(scope, "user").Inc()
		return overflow
	}
	return nil
}
