package room

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/types"
)

// HandleChat rate-limits and broadcasts a chat message to the whole room,
// sender included, so every client reconciles from the same stream.
func (m *Manager) HandleChat(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.ChatPayload](raw)
	if err != nil {
		return nil, err
	}
	if string(conn.Room()) != p.RoomID {
		return nil, ErrRoomNotFound
	}
	userID := int64(conn.UserID())

	if err := m.limiter.AllowChat(ctx, userID); err != nil {
		return nil, err
	}

	msgType := p.Type
	if msgType == "" {
		msgType = "text"
	}
	profile := conn.Profile()
	msg := events.ChatBroadcastPayload{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserName:  profile.Name,
		Avatar:    profile.Avatar,
		Content:   strings.TrimSpace(p.Content),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}

	m.RecordActivity(ctx, p.RoomID)
	m.broadcast(ctx, p.RoomID, events.ChatMessage, msg, 0)
	return events.SuccessAck{Success: true}, nil
}
