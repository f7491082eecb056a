package room

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/types"
)

// userProfile resolves a user's profile from any of their live connections.
// Offline users get a bare profile carrying only the id.
func (m *Manager) userProfile(userID int64) types.UserProfile {
	for _, conn := range m.registry.GetByUserID(types.UserIDType(userID)) {
		return conn.Profile()
	}
	return types.UserProfile{ID: types.UserIDType(userID)}
}

// markSpeaker flips the speaker flag on every connection the user has in the
// room.
func (m *Manager) markSpeaker(roomID string, userID int64, speaking bool) {
	for _, conn := range m.registry.GetByUserID(types.UserIDType(userID)) {
		if string(conn.Room()) == roomID {
			conn.SetSpeaker(speaking)
		}
	}
}

// seatTaken broadcasts the occupied seat and clears the occupant's prior one.
func (m *Manager) seatTaken(ctx context.Context, roomID string, seatIndex, freedSeat int, userID int64, muted bool) {
	if freedSeat >= 0 && freedSeat != seatIndex {
		m.broadcast(ctx, roomID, events.SeatCleared, events.SeatClearedPayload{SeatIndex: freedSeat}, 0)
	}
	profile := m.userProfile(userID)
	m.broadcast(ctx, roomID, events.SeatUpdated, events.SeatUpdatedPayload{
		SeatIndex: seatIndex,
		User:      &profile,
		IsMuted:   muted,
	}, 0)
	m.markSpeaker(roomID, userID, true)
	m.RecordActivity(ctx, roomID)
}

// HandleSeatTake claims a seat for the caller. Self-service.
func (m *Manager) HandleSeatTake(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.SeatTakePayload](raw)
	if err != nil {
		return nil, err
	}
	userID := int64(conn.UserID())

	freed, err := m.seats.Take(ctx, p.RoomID, userID, p.SeatIndex)
	if err != nil {
		return nil, err
	}
	m.seatTaken(ctx, p.RoomID, p.SeatIndex, freed, userID, false)
	return events.SuccessAck{Success: true}, nil
}

// HandleSeatLeave vacates whichever seat the caller occupies. Self-service.
func (m *Manager) HandleSeatLeave(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.SeatLeavePayload](raw)
	if err != nil {
		return nil, err
	}
	userID := int64(conn.UserID())

	freed, err := m.seats.Leave(ctx, p.RoomID, userID)
	if err != nil {
		return nil, err
	}
	m.broadcast(ctx, p.RoomID, events.SeatCleared, events.SeatClearedPayload{SeatIndex: freed}, 0)
	m.markSpeaker(p.RoomID, userID, false)
	m.RecordActivity(ctx, p.RoomID)
	return events.SuccessAck{Success: true}, nil
}

// HandleSeatAssign seats another user, displacing any current occupant.
// Owner or manager only.
func (m *Manager) HandleSeatAssign(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.SeatAssignPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, conn, p.RoomID); err != nil {
		return nil, err
	}

	res, err := m.seats.Assign(ctx, p.RoomID, p.UserID, p.SeatIndex)
	if err != nil {
		return nil, err
	}
	if res.DisplacedUserID > 0 {
		m.markSpeaker(p.RoomID, res.DisplacedUserID, false)
	}
	m.seatTaken(ctx, p.RoomID, p.SeatIndex, res.FreedSeat, p.UserID, false)
	return events.SuccessAck{Success: true}, nil
}

// HandleSeatRemove vacates a seat by index. Owner or manager only.
func (m *Manager) HandleSeatRemove(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.SeatTargetPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, conn, p.RoomID); err != nil {
		return nil, err
	}

	removed, err := m.seats.Remove(ctx, p.RoomID, p.SeatIndex)
	if err != nil {
		return nil, err
	}
	m.broadcast(ctx, p.RoomID, events.SeatCleared, events.SeatClearedPayload{SeatIndex: p.SeatIndex}, 0)
	m.markSpeaker(p.RoomID, removed, false)
	m.RecordActivity(ctx, p.RoomID)
	return events.SuccessAck{Success: true}, nil
}

// HandleSeatMute mutes a seat's occupant: seat flag plus live producer pause.
// Owner or manager only.
func (m *Manager) HandleSeatMute(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	return m.setSeatMuted(ctx, conn, raw, true)
}

// HandleSeatUnmute reverses HandleSeatMute.
func (m *Manager) HandleSeatUnmute(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	return m.setSeatMuted(ctx, conn, raw, false)
}

func (m *Manager) setSeatMuted(ctx context.Context, conn types.Conn, raw json.RawMessage, muted bool) (any, error) {
	p, err := decode[events.SeatTargetPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, conn, p.RoomID); err != nil {
		return nil, err
	}

	occupant, err := m.seats.SetMute(ctx, p.RoomID, p.SeatIndex, muted)
	if err != nil {
		return nil, err
	}

	// The whole room sees the flag, initiator included, so every client's
	// seat map converges.
	m.broadcast(ctx, p.RoomID, events.SeatUserMuted,
		events.SeatUserMutedPayload{UserID: occupant, IsMuted: muted}, 0)

	if room, rerr := m.room(p.RoomID); rerr == nil {
		m.setProducerPaused(ctx, room, occupant, muted)
	}
	m.RecordActivity(ctx, p.RoomID)
	return events.SuccessAck{Success: true}, nil
}

// HandleSeatLock locks a seat, evicting its occupant. Owner or manager only.
func (m *Manager) HandleSeatLock(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.SeatTargetPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, conn, p.RoomID); err != nil {
		return nil, err
	}

	kicked, err := m.seats.Lock(ctx, p.RoomID, p.SeatIndex)
	if err != nil {
		return nil, err
	}
	if kicked > 0 {
		m.broadcast(ctx, p.RoomID, events.SeatCleared, events.SeatClearedPayload{SeatIndex: p.SeatIndex}, 0)
		m.markSpeaker(p.RoomID, kicked, false)
	}
	m.broadcast(ctx, p.RoomID, events.SeatLocked, events.SeatLockedPayload{SeatIndex: p.SeatIndex, IsLocked: true}, 0)
	m.RecordActivity(ctx, p.RoomID)
	return events.SuccessAck{Success: true}, nil
}

// HandleSeatUnlock unlocks a seat. Owner or manager only.
func (m *Manager) HandleSeatUnlock(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.SeatTargetPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, conn, p.RoomID); err != nil {
		return nil, err
	}

	if err := m.seats.Unlock(ctx, p.RoomID, p.SeatIndex); err != nil {
		return nil, err
	}
	m.broadcast(ctx, p.RoomID, events.SeatLocked, events.SeatLockedPayload{SeatIndex: p.SeatIndex, IsLocked: false}, 0)
	m.RecordActivity(ctx, p.RoomID)
	return events.SuccessAck{Success: true}, nil
}

// HandleSeatInvite creates a pending invite for a user. Owner or manager
// only. The target learns via their user channel; the room sees a pending
// marker.
func (m *Manager) HandleSeatInvite(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.SeatInvitePayload](raw)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, conn, p.RoomID); err != nil {
		return nil, err
	}

	inviter := conn.Profile()
	now := time.Now()
	inv := seats.Invite{
		TargetUserID:  p.UserID,
		InviterID:     int64(inviter.ID),
		InviterName:   inviter.Name,
		InviterAvatar: inviter.Avatar,
		SeatIndex:     p.SeatIndex,
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(seats.InviteTTL).UnixMilli(),
	}
	if err := m.seats.CreateInvite(ctx, p.RoomID, inv); err != nil {
		return nil, err
	}
	m.invites.Arm(p.RoomID, p.SeatIndex, p.UserID)

	m.notifyUser(p.UserID, events.SeatInviteReceived, events.InviteReceivedPayload{
		SeatIndex:    p.SeatIndex,
		InvitedBy:    events.InviterInfo{ID: int64(inviter.ID), Name: inviter.Name, Avatar: inviter.Avatar},
		ExpiresAt:    inv.ExpiresAt,
		TargetUserID: p.UserID,
	})
	m.broadcast(ctx, p.RoomID, events.SeatInvitePending,
		events.InvitePendingPayload{UserID: p.UserID, SeatIndex: p.SeatIndex}, 0)
	m.RecordActivity(ctx, p.RoomID)
	return events.SuccessAck{Success: true}, nil
}

// HandleInviteAccept claims the invited seat for the caller.
func (m *Manager) HandleInviteAccept(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.InviteReplyPayload](raw)
	if err != nil {
		return nil, err
	}
	return m.acceptInvite(ctx, conn, p.RoomID)
}

// HandleInviteDecline turns the caller's pending invite down.
func (m *Manager) HandleInviteDecline(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.InviteReplyPayload](raw)
	if err != nil {
		return nil, err
	}
	return m.declineInvite(ctx, conn, p.RoomID)
}

// HandleInviteResponse is the legacy combined reply; it routes to the same
// accept and decline paths as the split events.
func (m *Manager) HandleInviteResponse(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.InviteResponsePayload](raw)
	if err != nil {
		return nil, err
	}
	if p.Accept {
		return m.acceptInvite(ctx, conn, p.RoomID)
	}
	return m.declineInvite(ctx, conn, p.RoomID)
}

func (m *Manager) acceptInvite(ctx context.Context, conn types.Conn, roomID string) (any, error) {
	userID := int64(conn.UserID())

	seatIndex, err := m.seats.AcceptInvite(ctx, roomID, userID)
	if err != nil {
		if seatIndex >= 0 {
			// The invite resolved but the seat got locked or taken meanwhile;
			// the pending marker still needs clearing.
			m.invites.Cancel(roomID, seatIndex)
		}
		return nil, err
	}
	m.invites.Cancel(roomID, seatIndex)
	m.seatTaken(ctx, roomID, seatIndex, -1, userID, false)

	logging.Info(ctx, "Seat invite accepted",
		zap.String("room_id", roomID),
		zap.Int64("user_id", userID),
		zap.Int("seat_index", seatIndex))
	return events.SuccessAck{Success: true}, nil
}

func (m *Manager) declineInvite(ctx context.Context, conn types.Conn, roomID string) (any, error) {
	userID := int64(conn.UserID())

	seatIndex, err := m.seats.DeclineInvite(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	m.invites.Cancel(roomID, seatIndex)
	m.broadcast(ctx, roomID, events.SeatInviteDeclined,
		events.InviteDeclinedPayload{UserID: userID, SeatIndex: seatIndex}, 0)
	return events.SuccessAck{Success: true}, nil
}

// onInviteExpired is the expiry notifier callback: the room learns the seat
// is free to invite again and the target's pending prompt is dismissed.
func (m *Manager) onInviteExpired(roomID string, seatIndex int, targetUserID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logging.Info(ctx, "Seat invite expired",
		zap.String("room_id", roomID),
		zap.Int("seat_index", seatIndex),
		zap.Int64("target_user_id", targetUserID))

	payload := events.InviteExpiredPayload{SeatIndex: seatIndex}
	m.broadcast(ctx, roomID, events.SeatInviteExpired, payload, 0)
	m.notifyUser(targetUserID, events.SeatInviteExpired, payload)
}
