// Package bus is the cross-instance broadcast fabric. Every instance
// publishes room and user events to redis pub/sub; every instance delivers
// what it receives to its local sockets. Channels: msab:room:{id} for room
// broadcasts, msab:user:{id} for user-targeted events like seat invites.
//
// A nil *Service is valid and degrades to single-instance mode: publishes
// and subscriptions become no-ops and local delivery is the only delivery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

// Payload is the envelope carried on every bus channel.
type Payload struct {
	RoomID string          `json:"roomId,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	// OriginID names the publishing instance. Subscribe drops payloads that
	// carry the local instance id, so a broadcast never echoes back into the
	// room that already delivered it locally.
	OriginID string `json:"originId"`
	// ExcludeUserID skips that user's local sockets on delivery. Used for
	// sender-excluded broadcasts like gift:received.
	ExcludeUserID int64 `json:"excludeUserId,omitempty"`
}

// Service handles all pub/sub interaction with redis.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// RoomChannel names the broadcast channel of a room.
func RoomChannel(roomID string) string {
	return "msab:room:" + roomID
}

// UserChannel names the direct channel of a user.
func UserChannel(userID int64) string {
	return fmt.Sprintf("msab:user:%d", userID)
}

// Client returns the underlying redis client, nil in single-instance mode.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// InstanceID identifies this process on the bus.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

// NewService connects to redis and verifies the connection before returning.
func NewService(addr, password string, db int) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	instanceID := uuid.NewString()
	logging.Info(context.Background(), "Connected to Redis pub/sub",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.String("instance_id", instanceID))

	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: instanceID,
	}, nil
}

// PublishRoom broadcasts an event to every instance serving the room.
// excludeUserID of zero excludes nobody.
func (s *Service) PublishRoom(ctx context.Context, roomID string, event string, data any, excludeUserID int64) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode
	}
	return s.publish(ctx, RoomChannel(roomID), Payload{
		RoomID:        roomID,
		Event:         event,
		OriginID:      s.instanceID,
		ExcludeUserID: excludeUserID,
	}, data)
}

// PublishUser sends an event to every instance holding a connection for the
// user.
func (s *Service) PublishUser(ctx context.Context, userID int64, event string, data any) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode
	}
	return s.publish(ctx, UserChannel(userID), Payload{
		Event:    event,
		OriginID: s.instanceID,
	}, data)
}

func (s *Service) publish(ctx context.Context, channel string, envelope Payload, data any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus data: %w", err)
		}
		envelope.Data = inner

		raw, err := json.Marshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channel, raw).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Circuit breaker open, dropping bus publish",
				zap.String("channel", channel),
				zap.String("event", envelope.Event))
			return nil // Graceful degradation: local delivery already happened
		}
		logging.Error(ctx, "Bus publish failed",
			zap.String("channel", channel),
			zap.String("event", envelope.Event),
			zap.Error(err))
		return err
	}
	return nil
}

// Subscribe listens on a channel until ctx is cancelled, invoking handler
// for every payload published by OTHER instances. Echoes from this instance
// are dropped here so handlers never see their own broadcasts.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(Payload)) {
	if s == nil || s.client == nil {
		return // Single-instance mode
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to bus channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Bus subscription channel closed", zap.String("channel", channel))
					return
				}

				var payload Payload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(ctx, "Failed to unmarshal bus payload",
						zap.String("channel", channel),
						zap.Error(err))
					continue
				}

				if payload.OriginID == s.instanceID {
					continue
				}

				handler(payload)
			}
		}
	}()
}

// Ping verifies redis connectivity. Health checks call this.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode
	}
	return s.client.Close()
}
