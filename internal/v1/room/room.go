// Package room is the coordination core: it owns the room lifecycle (router
// allocation, auto-close, crash teardown), every socket event handler, and
// the broadcast plumbing that fans room state out to local sockets and the
// cross-instance bus.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/backend"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/sfu"
	"github.com/flylive/msab/internal/v1/types"
)

// Stable ack error strings. Clients match on these exact values.
var (
	ErrInvalidPayload    = errors.New("Invalid payload")
	ErrNotAuthorized     = errors.New("Not authorized")
	ErrAuthzCheckFailed  = errors.New("Authorization check failed")
	ErrRoomNotFound      = errors.New("Room not found")
	ErrTransportNotFound = errors.New("Transport not found")
	ErrConsumerNotFound  = errors.New("Consumer not found")
	ErrInternal          = errors.New("Internal server error")

	errConnectFailed = errors.New("Connect failed")
	errProduceFailed = errors.New("Produce failed")
	errConsumeFailed = errors.New("Consume failed")
	errResumeFailed  = errors.New("Resume failed")
)

// Close reasons carried in room:closed broadcasts.
const (
	CloseReasonAuto        = "auto_close"
	CloseReasonWorkerCrash = "worker_crash"
)

// speakerInterval throttles active-speaker events on the worker side.
const speakerIntervalMs = 200

// MediaRouter is the per-room media surface the handlers drive. Satisfied by
// *sfu.Router; tests substitute an in-memory fake.
type MediaRouter interface {
	ID() string
	RTPCapabilities() json.RawMessage
	CreateTransport(ctx context.Context, role string) (*sfu.TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	CloseTransport(ctx context.Context, transportID string) error
	CreateProducer(ctx context.Context, transportID, kind string, rtpParameters json.RawMessage) (string, error)
	PauseProducer(ctx context.Context, producerID string) error
	ResumeProducer(ctx context.Context, producerID string) error
	CloseProducer(ctx context.Context, producerID string) error
	CreateConsumer(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*sfu.ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	CloseConsumer(ctx context.Context, consumerID string) error
	ObserveActiveSpeaker(ctx context.Context, intervalMs int, handler func(producerID string)) error
	Close(ctx context.Context) error
}

// MediaProvider allocates routers. Satisfied by PoolProvider in production.
type MediaProvider interface {
	CreateRouter(ctx context.Context) (MediaRouter, error)
}

// PoolProvider adapts the worker pool to MediaProvider.
type PoolProvider struct {
	Pool *sfu.Pool
}

func (p PoolProvider) CreateRouter(ctx context.Context) (MediaRouter, error) {
	router, err := p.Pool.CreateRouter(ctx)
	if err != nil {
		return nil, err
	}
	return router, nil
}

// Room is one live audio room on this instance: a router handle plus the
// close bookkeeping. All durable room state lives in redis.
type Room struct {
	ID     string
	router MediaRouter
	cancel context.CancelFunc // stops the room's bus subscription

	mu         sync.Mutex
	closing    bool
	graceTimer *time.Timer
}

// Options carries the manager's tunables from config.
type Options struct {
	SeatCount  int
	CloseGrace time.Duration

	GiftFlushInterval time.Duration
	GiftFlushMax      int
	GiftBufferCap     int
}

// Manager wires the registry, seat store, media layer, bus, and backend into
// the event handlers the transport dispatches to.
type Manager struct {
	rdb      *redis.Client
	registry *registry.Registry
	bus      *bus.Service
	seats    *seats.Store
	invites  *seats.ExpiryNotifier
	media    MediaProvider
	backend  *backend.Client
	limiter  *ratelimit.Limiter
	gifts    *GiftBuffer
	owners   *ownerCache

	grace time.Duration

	mu       sync.Mutex
	rooms    map[string]*Room
	creating map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds the manager. Call Start to run the background loops and
// Shutdown to drain them.
func NewManager(rdb *redis.Client, reg *registry.Registry, busSvc *bus.Service, seatStore *seats.Store,
	media MediaProvider, backendClient *backend.Client, limiter *ratelimit.Limiter, opts Options) *Manager {

	if opts.CloseGrace <= 0 {
		opts.CloseGrace = 30 * time.Second
	}

	m := &Manager{
		rdb:      rdb,
		registry: reg,
		bus:      busSvc,
		seats:    seatStore,
		media:    media,
		backend:  backendClient,
		limiter:  limiter,
		owners:   newOwnerCache(),
		grace:    opts.CloseGrace,
		rooms:    make(map[string]*Room),
		creating: make(map[string]*sync.Mutex),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.invites = seats.NewExpiryNotifier(seatStore, m.onInviteExpired)
	m.gifts = newGiftBuffer(backendClient, m.notifyUser, opts.GiftFlushInterval, opts.GiftFlushMax, opts.GiftBufferCap)
	return m
}

// Start launches the gift flush loop and the auto-close sweeper.
func (m *Manager) Start() {
	m.gifts.start(&m.wg)

	m.wg.Add(1)
	go m.sweepIdleRooms()
}

// Room returns the live room or ErrRoomNotFound.
func (m *Manager) room(roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// GetOrCreateRoom returns the room, creating its router on first use. The
// per-id lock is held across the worker RPC so concurrent joiners of a new
// room produce exactly one router.
func (m *Manager) GetOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	if room, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return room, nil
	}
	lock, ok := m.creating[roomID]
	if !ok {
		lock = &sync.Mutex{}
		m.creating[roomID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if room, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return room, nil
	}
	m.mu.Unlock()

	router, err := m.media.CreateRouter(ctx)
	if err != nil {
		logging.Error(ctx, "Router allocation failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		return nil, ErrInternal
	}

	roomCtx, roomCancel := context.WithCancel(m.ctx)
	room := &Room{ID: roomID, router: router, cancel: roomCancel}

	if err := router.ObserveActiveSpeaker(ctx, speakerIntervalMs, func(producerID string) {
		m.onActiveSpeaker(roomID, producerID)
	}); err != nil {
		logging.Warn(ctx, "Active speaker observer failed to start",
			zap.String("room_id", roomID),
			zap.Error(err))
	}

	m.bus.Subscribe(roomCtx, bus.RoomChannel(roomID), &m.wg, func(p bus.Payload) {
		m.deliverLocal(roomID, p.Event, p.Data, p.ExcludeUserID)
	})

	m.mu.Lock()
	m.rooms[roomID] = room
	delete(m.creating, roomID)
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "Room created",
		zap.String("room_id", roomID),
		zap.String("router_id", router.ID()))
	return room, nil
}

// deliverLocal fans an event out to this instance's sockets in the room.
func (m *Manager) deliverLocal(roomID, event string, data any, excludeUserID int64) {
	for _, conn := range m.registry.GetByRoomID(types.RoomIDType(roomID)) {
		if excludeUserID != 0 && int64(conn.UserID()) == excludeUserID {
			continue
		}
		conn.Send(event, data)
	}
}

// broadcast delivers locally and publishes to the bus for other instances.
func (m *Manager) broadcast(ctx context.Context, roomID string, event events.Name, data any, excludeUserID int64) {
	m.deliverLocal(roomID, string(event), data, excludeUserID)
	if err := m.bus.PublishRoom(ctx, roomID, string(event), data, excludeUserID); err != nil {
		logging.Warn(ctx, "Bus publish failed for room broadcast",
			zap.String("room_id", roomID),
			zap.String("event", string(event)))
	}
}

// notifyUser sends an event to every socket of a user, on any instance.
func (m *Manager) notifyUser(userID int64, event events.Name, data any) {
	for _, conn := range m.registry.GetByUserID(types.UserIDType(userID)) {
		conn.Send(string(event), data)
	}
	if err := m.bus.PublishUser(context.Background(), userID, string(event), data); err != nil {
		logging.Warn(context.Background(), "Bus publish failed for user event",
			zap.Int64("user_id", userID),
			zap.String("event", string(event)))
	}
}

// closeRoom tears a room down: broadcast, seat cleanup, router release,
// counters, backend notify. Idempotent per room.
func (m *Manager) closeRoom(ctx context.Context, roomID, reason string) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	room.mu.Lock()
	if room.closing {
		room.mu.Unlock()
		return
	}
	room.closing = true
	if room.graceTimer != nil {
		room.graceTimer.Stop()
	}
	room.mu.Unlock()

	logging.Info(ctx, "Closing room",
		zap.String("room_id", roomID),
		zap.String("reason", reason))

	m.broadcast(ctx, roomID, events.RoomClosed, events.RoomClosedPayload{RoomID: roomID, Reason: reason}, 0)

	// Detach members before the router goes away so late media calls fail
	// with Room not found instead of hitting a dead router.
	for _, conn := range m.registry.GetByRoomID(types.RoomIDType(roomID)) {
		conn.SetSpeaker(false)
		m.registry.SetRoom(conn.ConnID(), "")
		m.clearUserRoom(ctx, int64(conn.UserID()))
	}

	if err := m.seats.Clear(ctx, roomID); err != nil {
		logging.Warn(ctx, "Seat cleanup failed on room close",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
	m.dropRoomKeys(ctx, roomID)

	if err := room.router.Close(ctx); err != nil {
		logging.Warn(ctx, "Router close failed",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
	room.cancel()
	m.owners.forget(roomID)

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(roomID)

	go m.notifyRoomStatus(roomID, false, 0)
}

// HandleWorkerCrash closes every room whose router lived on the dead worker.
// The pool calls this before spawning the replacement.
func (m *Manager) HandleWorkerCrash(routerIDs []string) {
	dead := make(map[string]struct{}, len(routerIDs))
	for _, id := range routerIDs {
		dead[id] = struct{}{}
	}

	m.mu.Lock()
	var affected []string
	for id, room := range m.rooms {
		if _, ok := dead[room.router.ID()]; ok {
			affected = append(affected, id)
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, roomID := range affected {
		logging.Warn(ctx, "Closing room after worker crash", zap.String("room_id", roomID))
		m.closeRoom(ctx, roomID, CloseReasonWorkerCrash)
	}
}

// armGraceTimer schedules an auto-close check after the grace period. Called
// when a room's participant count reaches zero.
func (m *Manager) armGraceTimer(roomID string) {
	room, err := m.room(roomID)
	if err != nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closing {
		return
	}
	if room.graceTimer != nil {
		room.graceTimer.Stop()
	}
	room.graceTimer = time.AfterFunc(m.grace, func() {
		m.autoCloseIfIdle(roomID)
	})
}

// autoCloseIfIdle closes the room when it is still empty and has seen no
// activity since the grace period started.
func (m *Manager) autoCloseIfIdle(roomID string) {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	count, err := m.participantCount(ctx, roomID)
	if err != nil || count > 0 {
		return
	}
	active, err := m.hasRecentActivity(ctx, roomID)
	if err != nil || active {
		return
	}
	m.closeRoom(ctx, roomID, CloseReasonAuto)
}

// sweepIdleRooms is the safety net behind the per-room grace timers: a timer
// lost to a restart or a missed leave still converges here.
func (m *Manager) sweepIdleRooms() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.grace / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			ids := make([]string, 0, len(m.rooms))
			for id := range m.rooms {
				ids = append(ids, id)
			}
			m.mu.Unlock()

			for _, id := range ids {
				m.autoCloseIfIdle(id)
			}
		}
	}
}

// notifyRoomStatus tells the backend a room went live or closed. Failures are
// logged and swallowed; the backend reconciles on its own schedule.
func (m *Manager) notifyRoomStatus(roomID string, isLive bool, participants int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := backend.RoomStatus{IsLive: isLive, ParticipantCount: participants}
	if !isLive {
		status.ClosedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := m.backend.UpdateRoomStatus(ctx, roomID, status); err != nil {
		logging.Warn(ctx, "Room status notify failed",
			zap.String("room_id", roomID),
			zap.Bool("is_live", isLive),
			zap.Error(err))
	}
}

// Shutdown drains the manager: final gift flush, room teardown, timers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.gifts.close(ctx)

	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.closeRoom(ctx, id, CloseReasonAuto)
	}

	m.invites.Stop()
	m.cancel()
	m.wg.Wait()
}

// decode unmarshals and validates a client payload, collapsing every failure
// into the stable Invalid payload ack.
func decode[P interface{ Validate() error }](raw json.RawMessage) (P, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, ErrInvalidPayload
	}
	if err := p.Validate(); err != nil {
		return p, ErrInvalidPayload
	}
	return p, nil
}
