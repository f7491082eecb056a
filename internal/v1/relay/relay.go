// Package relay subscribes to the business backend's event channel and
// forwards allowlisted events to the right local sockets: one user, one room,
// one user within a room, or everyone. Payloads pass through opaquely; only
// the envelope is interpreted.
package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/types"
)

// Channel is the backend's publish channel. No prefixing is applied; the
// backend owns the name.
const Channel = "flylive:msab:events"

// Backend event names this service will relay. Anything else is dropped.
const (
	EventBalanceUpdated  = "balance.updated"
	EventUserUpdated     = "user.updated"
	EventUserBanned      = "user.banned"
	EventLevelUpdated    = "level.updated"
	EventVIPUpdated      = "vip.updated"
	EventRoomUpdated     = "room.updated"
	EventRoomBanned      = "room.banned"
	EventNotificationNew = "notification.new"
)

var allowedEvents = set.New(
	EventBalanceUpdated,
	EventUserUpdated,
	EventUserBanned,
	EventLevelUpdated,
	EventVIPUpdated,
	EventRoomUpdated,
	EventRoomBanned,
	EventNotificationNew,
)

// Envelope is the backend's message shape. UserID and RoomID select the
// audience; Payload is forwarded untouched under the envelope's event name.
type Envelope struct {
	Event         string          `json:"event"`
	UserID        *int64          `json:"user_id"`
	RoomID        *int64          `json:"room_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// Service holds the single per-process subscription.
type Service struct {
	client   *redis.Client
	registry *registry.Registry

	subscribed atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the relay on a dedicated redis client; the backend publishes on
// its own DB, separate from seats and the bus.
func New(client *redis.Client, reg *registry.Registry) *Service {
	return &Service{client: client, registry: reg}
}

// Start opens the subscription and consumes until Stop. go-redis reconnects
// the pubsub automatically; a receive error only logs.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	sub := s.client.Subscribe(ctx, Channel)

	// Force the SUBSCRIBE onto the wire so Ready reflects reality.
	if _, err := sub.Receive(ctx); err != nil {
		logging.Error(ctx, "Relay subscription failed",
			zap.String("channel", Channel),
			zap.Error(err))
	} else {
		s.subscribed.Store(true)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.subscribed.Store(false)
					return
				}
				s.handle(ctx, msg.Payload)
			}
		}
	}()

	logging.Info(ctx, "Backend event relay started", zap.String("channel", Channel))
}

// Ready reports whether the subscription is live. The readiness probe calls
// this.
func (s *Service) Ready() bool {
	return s != nil && s.subscribed.Load()
}

// Stop tears the subscription down and waits for the consumer to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.subscribed.Store(false)
}

func (s *Service) handle(ctx context.Context, raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		metrics.RelayEvents.WithLabelValues("unknown", "malformed").Inc()
		logging.Warn(ctx, "Relay message is not valid JSON", zap.Error(err))
		return
	}
	if env.Event == "" {
		metrics.RelayEvents.WithLabelValues("unknown", "malformed").Inc()
		logging.Warn(ctx, "Relay message missing event name",
			zap.String("correlation_id", env.CorrelationID))
		return
	}
	if !allowedEvents.Has(env.Event) {
		metrics.RelayEvents.WithLabelValues(env.Event, "dropped").Inc()
		logging.Warn(ctx, "Relay event not allowlisted",
			zap.String("event", env.Event),
			zap.String("correlation_id", env.CorrelationID))
		return
	}

	targets := s.route(env)
	for _, conn := range targets {
		conn.Send(env.Event, env.Payload)
	}
	metrics.RelayEvents.WithLabelValues(env.Event, "delivered").Inc()

	logging.Info(ctx, "Relayed backend event",
		zap.String("event", env.Event),
		zap.String("correlation_id", env.CorrelationID),
		zap.Int("targets", len(targets)))
}

// route resolves the envelope's audience against the local registry.
func (s *Service) route(env Envelope) []types.Conn {
	switch {
	case env.UserID != nil && env.RoomID != nil:
		roomID := types.RoomIDType(strconv.FormatInt(*env.RoomID, 10))
		var out []types.Conn
		for _, conn := range s.registry.GetByUserID(types.UserIDType(*env.UserID)) {
			if conn.Room() == roomID {
				out = append(out, conn)
			}
		}
		return out
	case env.UserID != nil:
		return s.registry.GetByUserID(types.UserIDType(*env.UserID))
	case env.RoomID != nil:
		return s.registry.GetByRoomID(types.RoomIDType(strconv.FormatInt(*env.RoomID, 10)))
	default:
		return s.registry.All()
	}
}

// WaitReady blocks until the subscription is confirmed or the deadline
// passes. Startup uses this so readiness does not flap during boot.
func (s *Service) WaitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Ready() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.Ready()
}
