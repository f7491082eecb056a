// Package transport owns the socket mechanics: the websocket upgrade flow,
// the per-connection read/write pumps, the JSON wire envelope with its ack
// protocol, and the dispatch table that routes client events to the room
// manager.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/types"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go without a pong before the
	// read deadline kills it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	// maxMessageSize caps inbound frames; larger frames close the socket.
	maxMessageSize = 64 << 10

	sendBufferSize = 256
)

// wsConnection is the subset of *websocket.Conn the client drives. Tests
// substitute an in-memory fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// frame is the outbound wire envelope. Ack replies carry the client's ack id
// and either Data or Error, never both. Broadcasts carry Event and Data only.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Ack   uint64 `json:"ack,omitempty"`
	Error string `json:"error,omitempty"`
}

// inboundFrame is the client→server envelope. Ack is a client-chosen
// positive integer; zero means the client does not want a reply.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   uint64          `json:"ack"`
}

// Client is one live socket. It implements types.Conn; everything the room
// layer knows about a participant flows through this type.
type Client struct {
	conn wsConnection
	hub  *Hub

	id      types.ConnIDType
	profile types.UserProfile

	mu         sync.RWMutex
	room       types.RoomIDType
	speaker    bool
	closed     bool
	kickReason string

	closeOnce sync.Once
	busCancel context.CancelFunc

	send         chan []byte // broadcasts, chat, gifts
	prioritySend chan []byte // acks, room lifecycle
}

func (c *Client) ConnID() types.ConnIDType { return c.id }

func (c *Client) UserID() types.UserIDType { return c.profile.ID }

func (c *Client) Profile() types.UserProfile { return c.profile }

func (c *Client) Room() types.RoomIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Client) SetRoom(roomID types.RoomIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = roomID
}

func (c *Client) IsSpeaker() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speaker
}

func (c *Client) SetSpeaker(speaker bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaker = speaker
}

func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Send queues an event frame for delivery. It never blocks; a full buffer
// drops the frame with a log line instead of stalling the room.
//
// All state broadcasts share one channel: writePump's select gives no
// ordering between channels, so splitting related events (a seat:cleared
// from its follow-up seat:updated) could deliver them inverted. The
// priority channel is reserved for acks and room teardown, which never
// interleave with an ordering-sensitive sequence.
func (c *Client) Send(event string, data any) {
	c.enqueue(frame{Event: event, Data: data}, event == string(events.RoomClosed))
}

func (c *Client) ackSuccess(ack uint64, data any) {
	c.enqueue(frame{Event: "ack", Ack: ack, Data: data}, true)
}

func (c *Client) ackError(ack uint64, message string) {
	c.enqueue(frame{Event: "ack", Ack: ack, Error: message}, true)
}

func (c *Client) enqueue(f frame, priority bool) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := json.Marshal(f)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame",
			zap.String("event", f.Event),
			zap.Error(err))
		return
	}

	// A concurrent Disconnect can close the channel between the flag check
	// and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Send raced a disconnect",
				zap.String("conn_id", string(c.id)),
				zap.String("event", f.Event))
		}
	}()

	ch := c.send
	if priority {
		ch = c.prioritySend
	}
	select {
	case ch <- data:
	default:
		logging.Warn(context.Background(), "Send buffer full, dropping frame",
			zap.String("conn_id", string(c.id)),
			zap.String("event", f.Event),
			zap.Bool("priority", priority))
	}
}

// Kick closes the connection with a policy-violation close frame carrying
// the reason.
func (c *Client) Kick(reason string) {
	c.mu.Lock()
	c.kickReason = reason
	c.mu.Unlock()
	c.Disconnect()
}

// Disconnect marks the client closed and shuts the send channels, which
// makes writePump flush and send the close frame. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.busCancel != nil {
		c.busCancel()
	}

	c.closeOnce.Do(func() {
		close(c.send)
		close(c.prioritySend)
	})
}

// readPump reads frames and dispatches them serially, so a connection's
// events are always handled in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg inboundFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Dropping unparseable frame",
				zap.String("conn_id", string(c.id)),
				zap.Error(err))
			continue
		}
		c.hub.dispatch(c, msg)
	}
}

// writePump owns all writes to the socket, including pings and the final
// close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				c.writeClose()
				return
			}
			if err := c.write(message); err != nil {
				logging.Warn(context.Background(), "Priority write failed",
					zap.String("conn_id", string(c.id)),
					zap.Error(err))
				return
			}
		case message, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if err := c.write(message); err != nil {
				logging.Warn(context.Background(), "Write failed",
					zap.String("conn_id", string(c.id)),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func (c *Client) writeClose() {
	code := websocket.CloseNormalClosure
	c.mu.RLock()
	reason := c.kickReason
	c.mu.RUnlock()
	if reason != "" {
		code = websocket.ClosePolicyViolation
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
