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
	"github.com/flylive/msab/internal/v1/sfu"
	"github.com/flylive/msab/internal/v1/types"
)

// HandleTransportCreate allocates a send or receive transport on the room's
// router. The worker's answer goes back to the client verbatim.
func (m *Manager) HandleTransportCreate(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.TransportCreatePayload](raw)
	if err != nil {
		return nil, err
	}
	room, err := m.room(p.RoomID)
	if err != nil {
		return nil, err
	}

	info, err := room.router.CreateTransport(ctx, p.Role)
	if err != nil {
		logging.Error(ctx, "Transport create failed",
			zap.String("room_id", p.RoomID),
			zap.String("role", p.Role),
			zap.Error(err))
		return nil, ErrInternal
	}
	m.registry.AddTransport(conn.ConnID(), info.ID, types.TransportRole(p.Role))
	return info, nil
}

// HandleTransportConnect passes the client's DTLS parameters through. Only
// the transport's creator may connect it.
func (m *Manager) HandleTransportConnect(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.TransportConnectPayload](raw)
	if err != nil {
		return nil, err
	}
	room, err := m.room(p.RoomID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.registry.TransportRole(conn.ConnID(), p.TransportID); !ok {
		return nil, ErrTransportNotFound
	}

	if err := room.router.ConnectTransport(ctx, p.TransportID, p.DTLSParameters); err != nil {
		logging.Error(ctx, "Transport connect failed",
			zap.String("room_id", p.RoomID),
			zap.String("transport_id", p.TransportID),
			zap.Error(err))
		return nil, errConnectFailed
	}
	return events.SuccessAck{Success: true}, nil
}

// HandleProduce attaches the caller's audio producer and announces it so the
// room can consume.
func (m *Manager) HandleProduce(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.ProducePayload](raw)
	if err != nil {
		return nil, err
	}
	room, err := m.room(p.RoomID)
	if err != nil {
		return nil, err
	}
	role, ok := m.registry.TransportRole(conn.ConnID(), p.TransportID)
	if !ok {
		return nil, ErrTransportNotFound
	}
	if role != types.TransportRoleSend {
		return nil, errProduceFailed
	}

	producerID, err := room.router.CreateProducer(ctx, p.TransportID, p.Kind, p.RTPParameters)
	if err != nil {
		logging.Error(ctx, "Produce failed",
			zap.String("room_id", p.RoomID),
			zap.String("transport_id", p.TransportID),
			zap.Error(err))
		return nil, errProduceFailed
	}

	// One producer per kind per connection; a replaced producer is closed.
	if old, ok := m.registry.ProducerID(conn.ConnID(), p.Kind); ok {
		if cerr := room.router.CloseProducer(ctx, old); cerr != nil {
			logging.Warn(ctx, "Stale producer close failed", zap.String("producer_id", old), zap.Error(cerr))
		}
		m.registry.RemoveProducer(conn.ConnID(), p.Kind)
		metrics.ActiveProducers.Dec()
	}
	m.registry.AddProducer(conn.ConnID(), p.Kind, producerID)
	metrics.ActiveProducers.Inc()

	userID := int64(conn.UserID())
	m.broadcast(ctx, p.RoomID, events.AudioNewProducer,
		events.NewProducerPayload{ProducerID: producerID, UserID: userID, Kind: p.Kind}, userID)

	return map[string]string{"id": producerID}, nil
}

// HandleConsume creates a paused consumer for an existing producer. The
// client resumes it once its pipeline is wired.
func (m *Manager) HandleConsume(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.ConsumePayload](raw)
	if err != nil {
		return nil, err
	}
	room, err := m.room(p.RoomID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.registry.TransportRole(conn.ConnID(), p.TransportID); !ok {
		return nil, ErrTransportNotFound
	}

	info, err := room.router.CreateConsumer(ctx, p.TransportID, p.ProducerID, p.RTPCapabilities)
	if err != nil {
		if errors.Is(err, sfu.ErrCannotConsume) {
			return nil, err
		}
		logging.Error(ctx, "Consume failed",
			zap.String("room_id", p.RoomID),
			zap.String("producer_id", p.ProducerID),
			zap.Error(err))
		return nil, errConsumeFailed
	}
	m.registry.AddConsumer(conn.ConnID(), p.ProducerID, info.ID)
	metrics.ActiveConsumers.Inc()
	return info, nil
}

// HandleConsumerResume unpauses a consumer the caller created.
func (m *Manager) HandleConsumerResume(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	p, err := decode[events.ConsumerResumePayload](raw)
	if err != nil {
		return nil, err
	}
	room, err := m.room(p.RoomID)
	if err != nil {
		return nil, err
	}

	owned := false
	for _, consumerID := range m.registry.Consumers(conn.ConnID()) {
		if consumerID == p.ConsumerID {
			owned = true
			break
		}
	}
	if !owned {
		return nil, ErrConsumerNotFound
	}

	if err := room.router.ResumeConsumer(ctx, p.ConsumerID); err != nil {
		logging.Error(ctx, "Consumer resume failed",
			zap.String("room_id", p.RoomID),
			zap.String("consumer_id", p.ConsumerID),
			zap.Error(err))
		return nil, errResumeFailed
	}
	return events.SuccessAck{Success: true}, nil
}

// HandleSelfMute pauses the caller's own producer. Fire-and-forget: no seat
// state changes and worker failures only log.
func (m *Manager) HandleSelfMute(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	return m.selfSetPaused(ctx, conn, raw, true)
}

// HandleSelfUnmute resumes the caller's own producer.
func (m *Manager) HandleSelfUnmute(ctx context.Context, conn types.Conn, raw json.RawMessage) (any, error) {
	return m.selfSetPaused(ctx, conn, raw, false)
}

func (m *Manager) selfSetPaused(ctx context.Context, conn types.Conn, raw json.RawMessage, paused bool) (any, error) {
	p, err := decode[events.SelfMutePayload](raw)
	if err != nil {
		return nil, err
	}
	room, err := m.room(p.RoomID)
	if err != nil {
		return nil, err
	}
	producerID, ok := m.registry.ProducerID(conn.ConnID(), types.MediaKindAudio)
	if !ok {
		return events.SuccessAck{Success: true}, nil
	}

	go func() {
		opCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var opErr error
		if paused {
			opErr = room.router.PauseProducer(opCtx, producerID)
		} else {
			opErr = room.router.ResumeProducer(opCtx, producerID)
		}
		if opErr != nil {
			logging.Warn(opCtx, "Self mute toggle failed",
				zap.String("producer_id", producerID),
				zap.Bool("paused", paused),
				zap.Error(opErr))
		}
	}()
	return events.SuccessAck{Success: true}, nil
}

// setProducerPaused pauses or resumes every audio producer a user has in the
// room. Seat mute and unmute land here alongside the seat flag.
func (m *Manager) setProducerPaused(ctx context.Context, room *Room, userID int64, paused bool) {
	for _, conn := range m.registry.GetByUserID(types.UserIDType(userID)) {
		if string(conn.Room()) != room.ID {
			continue
		}
		producerID, ok := m.registry.ProducerID(conn.ConnID(), types.MediaKindAudio)
		if !ok {
			continue
		}
		var err error
		if paused {
			err = room.router.PauseProducer(ctx, producerID)
		} else {
			err = room.router.ResumeProducer(ctx, producerID)
		}
		if err != nil {
			logging.Warn(ctx, "Producer pause toggle failed",
				zap.String("producer_id", producerID),
				zap.Bool("paused", paused),
				zap.Error(err))
		}
	}
}

// onActiveSpeaker resolves the dominant producer to its user and broadcasts
// speaker:active. Throttling happens on the worker.
func (m *Manager) onActiveSpeaker(roomID, producerID string) {
	owners := m.registry.RoomProducers(types.RoomIDType(roomID))
	userID, ok := owners[producerID]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.broadcast(ctx, roomID, events.SpeakerActive, events.ActiveSpeakerPayload{
		UserID:    int64(userID),
		Volume:    0,
		Timestamp: time.Now().UnixMilli(),
	}, 0)
}
