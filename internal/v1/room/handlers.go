package room

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/types"
)

func participantInfo(conn types.Conn) types.ParticipantInfo {
	return types.ParticipantInfo{UserProfile: conn.Profile(), IsSpeaker: conn.IsSpeaker()}
}

// HandleJoin creates or joins a room and returns the full snapshot: router
// RTP capabilities, current participants, seat map, and live producers.
func (m *Manager) HandleJoin(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.JoinRoomPayload](raw)
	if err != nil {
		return nil, err
	}
	userID := int64(conn.UserID())

	// A connection can only be in one room; joining another leaves the first.
	// Joining the room it is already in refreshes the snapshot without
	// counting the participant twice.
	cur := string(conn.Room())
	rejoin := cur == p.RoomID
	if cur != "" && !rejoin {
		m.departRoom(ctx, conn, cur)
	}

	room, err := m.GetOrCreateRoom(ctx, p.RoomID)
	if err != nil {
		return nil, err
	}

	m.registry.SetRoom(conn.ConnID(), types.RoomIDType(p.RoomID))

	room.mu.Lock()
	if room.graceTimer != nil {
		room.graceTimer.Stop()
		room.graceTimer = nil
	}
	room.mu.Unlock()

	seatStates, locked, err := m.seats.Snapshot(ctx, p.RoomID)
	if err != nil {
		logging.Error(ctx, "Seat snapshot failed",
			zap.String("room_id", p.RoomID),
			zap.Error(err))
		return nil, ErrInternal
	}

	// Rejoins keep their seat; restore the speaker flag from the seat map.
	for _, st := range seatStates {
		if st != nil && st.UserID == userID {
			conn.SetSpeaker(true)
			break
		}
	}

	participants := make([]types.ParticipantInfo, 0)
	for _, other := range m.registry.GetByRoomID(types.RoomIDType(p.RoomID)) {
		if other.ConnID() == conn.ConnID() {
			continue
		}
		participants = append(participants, participantInfo(other))
	}

	producers := make([]events.ProducerInfo, 0)
	for producerID, ownerID := range m.registry.RoomProducers(types.RoomIDType(p.RoomID)) {
		producers = append(producers, events.ProducerInfo{ProducerID: producerID, UserID: int64(ownerID)})
	}

	var count int
	if rejoin {
		count, _ = m.participantCount(ctx, p.RoomID)
	} else {
		count = m.incrParticipants(ctx, p.RoomID)
	}
	m.RecordActivity(ctx, p.RoomID)
	m.setUserRoom(ctx, userID, p.RoomID)
	if p.OwnerID > 0 {
		m.seedOwner(p.RoomID, p.OwnerID)
	}
	go m.notifyRoomStatus(p.RoomID, true, count)

	if !rejoin {
		m.broadcast(ctx, p.RoomID, events.RoomUserJoined,
			events.UserJoinedPayload{UserID: userID, User: participantInfo(conn)}, userID)
	}

	logging.Info(ctx, "User joined room",
		zap.String("room_id", p.RoomID),
		zap.Int64("user_id", userID),
		zap.Int("participants", count))

	return events.RoomSnapshot{
		RTPCapabilities:   room.router.RTPCapabilities(),
		Participants:      participants,
		Seats:             seatStates,
		LockedSeats:       locked,
		ExistingProducers: producers,
	}, nil
}

// HandleLeave removes the caller from their room. The connection stays open.
func (m *Manager) HandleLeave(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.LeaveRoomPayload](raw)
	if err != nil {
		return nil, err
	}
	if string(conn.Room()) != p.RoomID {
		return nil, ErrRoomNotFound
	}

	m.departRoom(ctx, conn, p.RoomID)
	m.registry.SetRoom(conn.ConnID(), "")
	return events.SuccessAck{Success: true}, nil
}

// HandleGetRoom answers user:get-room from the durable user→room record, so
// a reconnecting client can find its way back.
func (m *Manager) HandleGetRoom(ctx context.Context, conn types.Conn, _ json.RawMessage) (any, error) {
	roomID, err := m.userRoom(ctx, int64(conn.UserID()))
	if err != nil {
		logging.Warn(ctx, "User room lookup failed",
			zap.Int64("user_id", int64(conn.UserID())),
			zap.Error(err))
		return nil, ErrInternal
	}
	if roomID == "" {
		return events.CurrentRoomAck{RoomID: nil}, nil
	}
	return events.CurrentRoomAck{RoomID: &roomID}, nil
}

// HandleDisconnect runs the mandatory teardown when a socket dies: seat
// vacated first so the room sees the chair free, then media resources, then
// presence. Ends by unregistering the connection.
func (m *Manager) HandleDisconnect(conn types.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if roomID := string(conn.Room()); roomID != "" {
		m.departRoom(ctx, conn, roomID)
	}
	m.registry.Unregister(conn.ConnID())
}

// departRoom is the shared leave path for room:leave, disconnect, and
// join-switch. Seat, media resources, presence counters, broadcasts.
func (m *Manager) departRoom(ctx context.Context, conn types.Conn, roomID string) {
	userID := int64(conn.UserID())

	if freed, err := m.seats.Leave(ctx, roomID, userID); err == nil {
		m.broadcast(ctx, roomID, events.SeatCleared, events.SeatClearedPayload{SeatIndex: freed}, 0)
	} else if !errors.Is(err, seats.ErrNotSeated) {
		logging.Warn(ctx, "Seat vacate failed on leave",
			zap.String("room_id", roomID),
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
	conn.SetSpeaker(false)

	m.closeMediaResources(ctx, conn, roomID)

	count := m.decrParticipants(ctx, roomID)
	m.clearUserRoom(ctx, userID)
	go m.notifyRoomStatus(roomID, true, count)

	m.broadcast(ctx, roomID, events.RoomUserLeft, events.UserLeftPayload{UserID: userID}, userID)

	if count == 0 {
		m.armGraceTimer(roomID)
	}

	logging.Info(ctx, "User left room",
		zap.String("room_id", roomID),
		zap.Int64("user_id", userID),
		zap.Int("participants", count))
}

// closeMediaResources releases the connection's consumers, producers, and
// transports in that order. A closed room (router gone) skips the RPCs; the
// worker freed everything with the router.
func (m *Manager) closeMediaResources(ctx context.Context, conn types.Conn, roomID string) {
	room, err := m.room(roomID)
	connID := conn.ConnID()

	for producerID, consumerID := range m.registry.Consumers(connID) {
		if err == nil {
			if cerr := room.router.CloseConsumer(ctx, consumerID); cerr != nil {
				logging.Warn(ctx, "Consumer close failed", zap.String("consumer_id", consumerID), zap.Error(cerr))
			}
		}
		m.registry.RemoveConsumer(connID, producerID)
		metrics.ActiveConsumers.Dec()
	}

	for kind, producerID := range m.registry.Producers(connID) {
		if err == nil {
			if perr := room.router.CloseProducer(ctx, producerID); perr != nil {
				logging.Warn(ctx, "Producer close failed", zap.String("producer_id", producerID), zap.Error(perr))
			}
		}
		m.registry.RemoveProducer(connID, kind)
		metrics.ActiveProducers.Dec()
	}

	for transportID := range m.registry.Transports(connID) {
		if err == nil {
			if terr := room.router.CloseTransport(ctx, transportID); terr != nil {
				logging.Warn(ctx, "Transport close failed", zap.String("transport_id", transportID), zap.Error(terr))
			}
		}
		m.registry.RemoveTransport(connID, transportID)
	}
}
