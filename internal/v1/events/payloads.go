package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Client payload validation errors are logged with full detail; the ack a
// client sees is always the stable "Invalid payload" string, so these
// messages never need to be client-safe.

func validRoomID(roomID string) error {
	if roomID == "" {
		return errors.New("roomId must be a non-empty string")
	}
	return nil
}

func validSeatIndex(idx int) error {
	if idx < 0 || idx > MaxSeatIndex {
		return fmt.Errorf("seatIndex must be between 0 and %d (got %d)", MaxSeatIndex, idx)
	}
	return nil
}

func validUserID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("userId must be a positive integer (got %d)", id)
	}
	return nil
}

// JoinRoomPayload opens or joins a room. OwnerID is an optional hint sent by
// the room creator so the owner cache can be seeded without a backend call.
type JoinRoomPayload struct {
	RoomID  string `json:"roomId"`
	OwnerID int64  `json:"ownerId,omitempty"`
}

func (p JoinRoomPayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if p.OwnerID < 0 {
		return fmt.Errorf("ownerId must be positive when present (got %d)", p.OwnerID)
	}
	return nil
}

// LeaveRoomPayload leaves the client's current room.
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p LeaveRoomPayload) Validate() error {
	return validRoomID(p.RoomID)
}

// SeatTakePayload claims a specific seat for the caller.
type SeatTakePayload struct {
	RoomID    string `json:"roomId"`
	SeatIndex int    `json:"seatIndex"`
}

func (p SeatTakePayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	return validSeatIndex(p.SeatIndex)
}

// SeatLeavePayload vacates whichever seat the caller occupies.
type SeatLeavePayload struct {
	RoomID string `json:"roomId"`
}

func (p SeatLeavePayload) Validate() error {
	return validRoomID(p.RoomID)
}

// SeatAssignPayload seats another user (owner/manager only).
type SeatAssignPayload struct {
	RoomID    string `json:"roomId"`
	SeatIndex int    `json:"seatIndex"`
	UserID    int64  `json:"userId"`
}

func (p SeatAssignPayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if err := validSeatIndex(p.SeatIndex); err != nil {
		return err
	}
	return validUserID(p.UserID)
}

// SeatTargetPayload addresses a seat by index. Used by remove, lock, unlock,
// mute, and unmute, which share the same shape.
type SeatTargetPayload struct {
	RoomID    string `json:"roomId"`
	SeatIndex int    `json:"seatIndex"`
}

func (p SeatTargetPayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	return validSeatIndex(p.SeatIndex)
}

// SeatInvitePayload invites a user to a seat (owner/manager only).
type SeatInvitePayload struct {
	RoomID    string `json:"roomId"`
	UserID    int64  `json:"userId"`
	SeatIndex int    `json:"seatIndex"`
}

func (p SeatInvitePayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if err := validUserID(p.UserID); err != nil {
		return err
	}
	return validSeatIndex(p.SeatIndex)
}

// InviteReplyPayload accepts or declines the caller's pending invite.
// Used by seat:invite:accept and seat:invite:decline.
type InviteReplyPayload struct {
	RoomID string `json:"roomId"`
}

func (p InviteReplyPayload) Validate() error {
	return validRoomID(p.RoomID)
}

// InviteResponsePayload is the legacy combined reply carrying an accept flag.
type InviteResponsePayload struct {
	RoomID string `json:"roomId"`
	Accept bool   `json:"accept"`
}

func (p InviteResponsePayload) Validate() error {
	return validRoomID(p.RoomID)
}

// TransportCreatePayload asks the media worker for a WebRTC transport.
type TransportCreatePayload struct {
	RoomID string `json:"roomId"`
	Role   string `json:"role"`
}

func (p TransportCreatePayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if p.Role != "send" && p.Role != "receive" {
		return fmt.Errorf("role must be 'send' or 'receive' (got '%s')", p.Role)
	}
	return nil
}

// TransportConnectPayload carries the client's DTLS parameters to the worker.
type TransportConnectPayload struct {
	RoomID         string          `json:"roomId"`
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

func (p TransportConnectPayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if p.TransportID == "" {
		return errors.New("transportId must be a non-empty string")
	}
	if len(p.DTLSParameters) == 0 {
		return errors.New("dtlsParameters are required")
	}
	return nil
}

// ProducePayload creates an audio producer on the caller's send transport.
type ProducePayload struct {
	RoomID        string          `json:"roomId"`
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

func (p ProducePayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if p.TransportID == "" {
		return errors.New("transportId must be a non-empty string")
	}
	if p.Kind != "audio" {
		return fmt.Errorf("kind must be 'audio' (got '%s')", p.Kind)
	}
	if len(p.RTPParameters) == 0 {
		return errors.New("rtpParameters are required")
	}
	return nil
}

// ConsumePayload creates a paused consumer for an existing producer.
type ConsumePayload struct {
	RoomID          string          `json:"roomId"`
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

func (p ConsumePayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if p.TransportID == "" {
		return errors.New("transportId must be a non-empty string")
	}
	if p.ProducerID == "" {
		return errors.New("producerId must be a non-empty string")
	}
	if len(p.RTPCapabilities) == 0 {
		return errors.New("rtpCapabilities are required")
	}
	return nil
}

// SelfMutePayload pauses or resumes the caller's own producer without
// touching seat state. Used by audio:selfmute and audio:selfunmute.
type SelfMutePayload struct {
	RoomID string `json:"roomId"`
}

func (p SelfMutePayload) Validate() error {
	return validRoomID(p.RoomID)
}

// ConsumerResumePayload unpauses a consumer created by audio:consume.
type ConsumerResumePayload struct {
	RoomID     string `json:"roomId"`
	ConsumerID string `json:"consumerId"`
}

func (p ConsumerResumePayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if p.ConsumerID == "" {
		return errors.New("consumerId must be a non-empty string")
	}
	return nil
}

// ChatPayload sends a chat message to the caller's room.
type ChatPayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

func (p ChatPayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	// The bound is in characters, not bytes; multibyte content counts by
	// rune.
	trimmed := strings.TrimSpace(p.Content)
	length := utf8.RuneCountInString(trimmed)
	if length < MinChatLength {
		return errors.New("chat content cannot be empty")
	}
	if length > MaxChatLength {
		return fmt.Errorf("chat content cannot exceed %d characters", MaxChatLength)
	}
	return nil
}

// GiftPreparePayload is a pure preload hint broadcast to the room. No server
// state changes.
type GiftPreparePayload struct {
	RoomID      string `json:"roomId"`
	GiftID      int64  `json:"giftId"`
	RecipientID int64  `json:"recipientId"`
}

func (p GiftPreparePayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if p.GiftID <= 0 {
		return fmt.Errorf("giftId must be a positive integer (got %d)", p.GiftID)
	}
	return validUserID(p.RecipientID)
}

// GiftSendPayload sends a gift. Quantity defaults to 1 when omitted.
type GiftSendPayload struct {
	RoomID      string `json:"roomId"`
	GiftID      int64  `json:"giftId"`
	RecipientID int64  `json:"recipientId"`
	Quantity    int    `json:"quantity,omitempty"`
}

func (p GiftSendPayload) Validate() error {
	if err := validRoomID(p.RoomID); err != nil {
		return err
	}
	if p.GiftID <= 0 {
		return fmt.Errorf("giftId must be a positive integer (got %d)", p.GiftID)
	}
	if err := validUserID(p.RecipientID); err != nil {
		return err
	}
	if p.Quantity < 0 {
		return fmt.Errorf("quantity must be a positive integer (got %d)", p.Quantity)
	}
	return nil
}

// EffectiveQuantity resolves the omitted-quantity default.
func (p GiftSendPayload) EffectiveQuantity() int {
	if p.Quantity <= 0 {
		return 1
	}
	return p.Quantity
}
