package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/types"
)

// RoomService is the handler surface the dispatch table routes to.
// Implemented by *room.Manager; mocked in tests.
type RoomService interface {
	HandleJoin(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleLeave(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleGetRoom(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatTake(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatLeave(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatAssign(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatRemove(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatMute(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatUnmute(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatLock(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatUnlock(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSeatInvite(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleInviteAccept(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleInviteDecline(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleInviteResponse(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleTransportCreate(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleTransportConnect(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleProduce(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleConsume(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleConsumerResume(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSelfMute(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleSelfUnmute(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleChat(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleGiftSend(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleGiftPrepare(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)
	HandleDisconnect(conn types.Conn)
}

type handlerFunc func(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error)

// Hub upgrades sockets, authenticates them, and dispatches their events.
type Hub struct {
	validator types.TokenValidator
	registry  *registry.Registry
	rooms     RoomService
	bus       *bus.Service
	upgrader  websocket.Upgrader
	handlers  map[events.Name]handlerFunc
	wg        sync.WaitGroup
}

// NewHub wires the dispatch table. allowedOrigins is matched scheme+host
// against the Origin header; requests without an Origin header pass, which
// keeps non-browser clients working.
func NewHub(validator types.TokenValidator, reg *registry.Registry, rooms RoomService, busSvc *bus.Service, allowedOrigins []string) *Hub {
	h := &Hub{
		validator: validator,
		registry:  reg,
		rooms:     rooms,
		bus:       busSvc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), allowedOrigins)
			},
		},
	}

	h.handlers = map[events.Name]handlerFunc{
		events.RoomJoin:    rooms.HandleJoin,
		events.RoomLeave:   rooms.HandleLeave,
		events.UserGetRoom: rooms.HandleGetRoom,

		events.SeatTake:           rooms.HandleSeatTake,
		events.SeatLeave:          rooms.HandleSeatLeave,
		events.SeatAssign:         rooms.HandleSeatAssign,
		events.SeatRemove:         rooms.HandleSeatRemove,
		events.SeatMute:           rooms.HandleSeatMute,
		events.SeatUnmute:         rooms.HandleSeatUnmute,
		events.SeatLock:           rooms.HandleSeatLock,
		events.SeatUnlock:         rooms.HandleSeatUnlock,
		events.SeatInvite:         rooms.HandleSeatInvite,
		events.SeatInviteAccept:   rooms.HandleInviteAccept,
		events.SeatInviteDecline:  rooms.HandleInviteDecline,
		events.SeatInviteResponse: rooms.HandleInviteResponse,

		events.TransportCreate:  rooms.HandleTransportCreate,
		events.TransportConnect: rooms.HandleTransportConnect,
		events.AudioProduce:     rooms.HandleProduce,
		events.AudioConsume:     rooms.HandleConsume,
		events.ConsumerResume:   rooms.HandleConsumerResume,
		events.AudioSelfMute:    rooms.HandleSelfMute,
		events.AudioSelfUnmute:  rooms.HandleSelfUnmute,

		events.ChatMessage: rooms.HandleChat,
		events.GiftSend:    rooms.HandleGiftSend,
		events.GiftPrepare: rooms.HandleGiftPrepare,
	}
	return h
}

// ServeWs authenticates the request and upgrades it to a websocket. Auth
// failures are refused before the upgrade so the client gets a plain 401.
func (h *Hub) ServeWs(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrAuthenticationRequired.Error()})
		return
	}

	profile, err := h.validator.ValidateToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the refusal (403 on origin mismatch).
		logging.Warn(c.Request.Context(), "Websocket upgrade failed",
			zap.Int64("user_id", int64(profile.ID)),
			zap.Error(err))
		return
	}

	client := h.register(conn, *profile)

	logging.Info(c.Request.Context(), "Client connected",
		zap.String("conn_id", string(client.id)),
		zap.Int64("user_id", int64(profile.ID)))

	go client.writePump()
	go client.readPump()
}

// register builds the client, indexes it, and opens its user-channel bus
// subscription so user-targeted events from other instances reach this
// socket.
func (h *Hub) register(conn wsConnection, profile types.UserProfile) *Client {
	client := &Client{
		conn:         conn,
		hub:          h,
		id:           types.ConnIDType(uuid.NewString()),
		profile:      profile,
		send:         make(chan []byte, sendBufferSize),
		prioritySend: make(chan []byte, sendBufferSize),
	}

	ctx, cancel := context.WithCancel(context.Background())
	client.busCancel = cancel
	h.bus.Subscribe(ctx, bus.UserChannel(int64(profile.ID)), &h.wg, func(p bus.Payload) {
		client.Send(p.Event, p.Data)
	})

	h.registry.Register(client)
	return client
}

// dispatch routes one inbound frame. Called serially per connection from
// readPump.
func (h *Hub) dispatch(c *Client, msg inboundFrame) {
	if c.IsClosed() {
		return
	}

	handler, ok := h.handlers[events.Name(msg.Event)]
	if !ok {
		metrics.SocketEvents.WithLabelValues(msg.Event, "unknown").Inc()
		if msg.Ack > 0 {
			c.ackError(msg.Ack, room.ErrInvalidPayload.Error())
		} else {
			logging.Warn(context.Background(), "Dropping unknown event",
				zap.String("conn_id", string(c.id)),
				zap.String("event", msg.Event))
		}
		return
	}

	ctx := logging.WithConn(context.Background(), string(c.id), strconv.FormatInt(int64(c.UserID()), 10))
	ctx = logging.WithEvent(ctx, msg.Event)
	if roomID := c.Room(); roomID != "" {
		ctx = logging.WithRoom(ctx, string(roomID))
	}

	start := time.Now()
	result, err := h.invoke(ctx, handler, c, msg.Data)
	metrics.EventDispatchDuration.WithLabelValues(msg.Event).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SocketEvents.WithLabelValues(msg.Event, "error").Inc()
		if msg.Ack > 0 {
			c.ackError(msg.Ack, err.Error())
		} else {
			logging.Warn(ctx, "Event handler failed", zap.Error(err))
		}
		return
	}

	metrics.SocketEvents.WithLabelValues(msg.Event, "ok").Inc()
	if msg.Ack > 0 {
		c.ackSuccess(msg.Ack, result)
	}
}

// invoke runs a handler with panic recovery so one bad frame cannot take the
// connection's reader down.
func (h *Hub) invoke(ctx context.Context, handler handlerFunc, c *Client, raw json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Recovered panic in event handler", zap.Any("panic", r))
			result, err = nil, room.ErrInternal
		}
	}()
	return handler(ctx, c, raw)
}

// handleDisconnect runs exactly once per connection, from readPump's defer.
func (h *Hub) handleDisconnect(c *Client) {
	c.Disconnect()
	h.rooms.HandleDisconnect(c)

	logging.Info(context.Background(), "Client disconnected",
		zap.String("conn_id", string(c.id)),
		zap.Int64("user_id", int64(c.UserID())))
}

// Shutdown kicks every live connection and waits for the bus subscriptions
// to drain, or for the context to expire.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, conn := range h.registry.All() {
		conn.Kick("server_shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn(ctx, "Hub shutdown timed out waiting for subscriptions")
	}
}
