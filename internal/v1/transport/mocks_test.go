package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/types"
)

var errConnClosed = errors.New("use of closed connection")

// fakeWSConn is an in-memory wsConnection. Inbound frames are fed through
// the inbound channel; written frames are recorded for assertions.
type fakeWSConn struct {
	inbound chan []byte
	done    chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeCode int
	closeText string
	pings     int
	closed    bool
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, errConnClosed
		}
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, errConnClosed
	}
}

func (f *fakeWSConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	switch messageType {
	case websocket.TextMessage:
		f.written = append(f.written, append([]byte(nil), data...))
	case websocket.PingMessage:
		f.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			f.closeCode = int(data[0])<<8 | int(data[1])
			f.closeText = string(data[2:])
		}
	}
	return nil
}

func (f *fakeWSConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeWSConn) SetReadLimit(int64)                {}
func (f *fakeWSConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeWSConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeWSConn) SetPongHandler(func(string) error) {}

func (f *fakeWSConn) frames() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame, 0, len(f.written))
	for _, raw := range f.written {
		var fr frame
		if json.Unmarshal(raw, &fr) == nil {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeWSConn) closeFrame() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeText
}

// stubRooms is a RoomService that records calls and answers from canned
// results.
type stubRooms struct {
	mu          sync.Mutex
	calls       []string
	disconnects []types.ConnIDType

	results map[string]any
	errs    map[string]error
	panicOn string
}

func newStubRooms() *stubRooms {
	return &stubRooms{
		results: make(map[string]any),
		errs:    make(map[string]error),
	}
}

func (s *stubRooms) call(name string, _ types.Conn, _ json.RawMessage) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()

	if s.panicOn == name {
		panic("handler exploded")
	}
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	if result, ok := s.results[name]; ok {
		return result, nil
	}
	return events.SuccessAck{Success: true}, nil
}

func (s *stubRooms) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubRooms) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disconnects)
}

func (s *stubRooms) HandleJoin(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("room:join", c, raw)
}
func (s *stubRooms) HandleLeave(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("room:leave", c, raw)
}
func (s *stubRooms) HandleGetRoom(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("user:get-room", c, raw)
}
func (s *stubRooms) HandleSeatTake(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:take", c, raw)
}
func (s *stubRooms) HandleSeatLeave(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:leave", c, raw)
}
func (s *stubRooms) HandleSeatAssign(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:assign", c, raw)
}
func (s *stubRooms) HandleSeatRemove(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:remove", c, raw)
}
func (s *stubRooms) HandleSeatMute(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:mute", c, raw)
}
func (s *stubRooms) HandleSeatUnmute(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:unmute", c, raw)
}
func (s *stubRooms) HandleSeatLock(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:lock", c, raw)
}
func (s *stubRooms) HandleSeatUnlock(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:unlock", c, raw)
}
func (s *stubRooms) HandleSeatInvite(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:invite", c, raw)
}
func (s *stubRooms) HandleInviteAccept(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:invite:accept", c, raw)
}
func (s *stubRooms) HandleInviteDecline(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:invite:decline", c, raw)
}
func (s *stubRooms) HandleInviteResponse(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("seat:invite-response", c, raw)
}
func (s *stubRooms) HandleTransportCreate(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("transport:create", c, raw)
}
func (s *stubRooms) HandleTransportConnect(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("transport:connect", c, raw)
}
func (s *stubRooms) HandleProduce(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("audio:produce", c, raw)
}
func (s *stubRooms) HandleConsume(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("audio:consume", c, raw)
}
func (s *stubRooms) HandleConsumerResume(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("consumer:resume", c, raw)
}
func (s *stubRooms) HandleSelfMute(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("audio:selfmute", c, raw)
}
func (s *stubRooms) HandleSelfUnmute(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("audio:selfunmute", c, raw)
}
func (s *stubRooms) HandleChat(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("chat:message", c, raw)
}
func (s *stubRooms) HandleGiftSend(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("gift:send", c, raw)
}
func (s *stubRooms) HandleGiftPrepare(ctx context.Context, c types.Conn, raw json.RawMessage) (any, error) {
	return s.call("gift:prepare", c, raw)
}

func (s *stubRooms) HandleDisconnect(conn types.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, conn.ConnID())
}

// stubValidator answers every token with a fixed profile or error.
type stubValidator struct {
	profile *types.UserProfile
	err     error
}

func (v stubValidator) ValidateToken(_ context.Context, _ string) (*types.UserProfile, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.profile, nil
}
