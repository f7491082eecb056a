package room

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

// Presence keys. Seat keys live in the seats package; everything else a room
// needs from redis is here.
func participantsKey(roomID string) string { return "room:" + roomID + ":participants" }
func activityKey(roomID string) string     { return "room:" + roomID + ":activity" }
func userRoomKey(userID int64) string      { return "user:" + strconv.FormatInt(userID, 10) + ":room" }

// RecordActivity refreshes the room's sliding activity window. Joins, chat,
// gifts, and seat mutations all land here.
func (m *Manager) RecordActivity(ctx context.Context, roomID string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := m.rdb.Set(ctx, activityKey(roomID), now, m.grace).Err(); err != nil {
		logging.Warn(ctx, "Activity record failed",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

func (m *Manager) hasRecentActivity(ctx context.Context, roomID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, activityKey(roomID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// incrParticipants bumps the cross-instance participant counter and mirrors
// it into the gauge.
func (m *Manager) incrParticipants(ctx context.Context, roomID string) int {
	n, err := m.rdb.Incr(ctx, participantsKey(roomID)).Result()
	if err != nil {
		logging.Warn(ctx, "Participant increment failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		return 0
	}
	metrics.RoomParticipants.WithLabelValues(roomID).Set(float64(n))
	return int(n)
}

// decrParticipants decrements without going negative. Returns the new count.
func (m *Manager) decrParticipants(ctx context.Context, roomID string) int {
	n, err := m.rdb.Decr(ctx, participantsKey(roomID)).Result()
	if err != nil {
		logging.Warn(ctx, "Participant decrement failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		return 0
	}
	if n < 0 {
		m.rdb.Set(ctx, participantsKey(roomID), 0, 0)
		n = 0
	}
	if n > 0 {
		metrics.RoomParticipants.WithLabelValues(roomID).Set(float64(n))
	} else {
		metrics.RoomParticipants.DeleteLabelValues(roomID)
	}
	return int(n)
}

func (m *Manager) participantCount(ctx context.Context, roomID string) (int, error) {
	raw, err := m.rdb.Get(ctx, participantsKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// setUserRoom records which room holds the user, read back by user:get-room
// after a reconnect.
func (m *Manager) setUserRoom(ctx context.Context, userID int64, roomID string) {
	if err := m.rdb.Set(ctx, userRoomKey(userID), roomID, 0).Err(); err != nil {
		logging.Warn(ctx, "User room record failed",
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
}

func (m *Manager) clearUserRoom(ctx context.Context, userID int64) {
	if err := m.rdb.Del(ctx, userRoomKey(userID)).Err(); err != nil {
		logging.Warn(ctx, "User room clear failed",
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
}

func (m *Manager) userRoom(ctx context.Context, userID int64) (string, error) {
	raw, err := m.rdb.Get(ctx, userRoomKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return raw, err
}

// dropRoomKeys removes the presence keys on room close. Seat keys are cleared
// separately by the seat store.
func (m *Manager) dropRoomKeys(ctx context.Context, roomID string) {
	if err := m.rdb.Del(ctx, participantsKey(roomID), activityKey(roomID)).Err(); err != nil {
		logging.Warn(ctx, "Room key cleanup failed",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}
