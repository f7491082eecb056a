package events

import (
	"encoding/json"

	"github.com/flylive/msab/internal/v1/types"
)

// Server-side payload shapes. These are broadcast to rooms or sent to single
// connections; none of them are validated because only the server produces
// them.

// UserJoinedPayload announces a new room participant to existing members.
type UserJoinedPayload struct {
	UserID int64                 `json:"userId"`
	User   types.ParticipantInfo `json:"user"`
}

// UserLeftPayload announces a departure.
type UserLeftPayload struct {
	UserID int64 `json:"userId"`
}

// RoomClosedPayload tells members their room is gone and why. Reason is one
// of "auto_close" or "worker_crash".
type RoomClosedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// SeatUpdatedPayload announces an occupied seat after take, assign, or
// invite-accept. User carries the occupant's profile.
type SeatUpdatedPayload struct {
	SeatIndex int                `json:"seatIndex"`
	User      *types.UserProfile `json:"user"`
	IsMuted   bool               `json:"isMuted"`
}

// SeatClearedPayload announces a vacated seat.
type SeatClearedPayload struct {
	SeatIndex int `json:"seatIndex"`
}

// SeatLockedPayload announces a lock state change.
type SeatLockedPayload struct {
	SeatIndex int  `json:"seatIndex"`
	IsLocked  bool `json:"isLocked"`
}

// SeatUserMutedPayload announces a seat mute state change for an occupant.
type SeatUserMutedPayload struct {
	UserID  int64 `json:"userId"`
	IsMuted bool  `json:"isMuted"`
}

// InviterInfo is the profile subset shown to an invite target.
type InviterInfo struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// InviteReceivedPayload goes to the invite target only.
type InviteReceivedPayload struct {
	SeatIndex    int         `json:"seatIndex"`
	InvitedBy    InviterInfo `json:"invitedBy"`
	ExpiresAt    int64       `json:"expiresAt"`
	TargetUserID int64       `json:"targetUserId"`
}

// InvitePendingPayload tells room observers a seat now has a pending invite.
type InvitePendingPayload struct {
	UserID    int64 `json:"userId"`
	SeatIndex int   `json:"seatIndex"`
}

// InviteDeclinedPayload announces a declined invite.
type InviteDeclinedPayload struct {
	UserID    int64 `json:"userId"`
	SeatIndex int   `json:"seatIndex"`
}

// InviteExpiredPayload announces that a pending invite timed out.
type InviteExpiredPayload struct {
	SeatIndex int `json:"seatIndex"`
}

// NewProducerPayload announces a fresh audio producer so members can consume it.
type NewProducerPayload struct {
	ProducerID string `json:"producerId"`
	UserID     int64  `json:"userId"`
	Kind       string `json:"kind"`
}

// ActiveSpeakerPayload reports the dominant speaker, throttled upstream.
type ActiveSpeakerPayload struct {
	UserID    int64 `json:"userId"`
	Volume    int   `json:"volume"`
	Timestamp int64 `json:"timestamp"`
}

// ChatBroadcastPayload is the room-wide chat message. The sender receives it
// too, so every client reconciles from the same stream.
type ChatBroadcastPayload struct {
	ID        string `json:"id"`
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName"`
	Avatar    string `json:"avatar,omitempty"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// GiftReceivedPayload is the optimistic gift broadcast, sent before backend
// settlement and excluding the sender.
type GiftReceivedPayload struct {
	SenderID    int64  `json:"senderId"`
	RoomID      string `json:"roomId"`
	GiftID      int64  `json:"giftId"`
	RecipientID int64  `json:"recipientId"`
	Quantity    int    `json:"quantity"`
}

// GiftErrorPayload goes to the gift sender alone when settlement fails.
type GiftErrorPayload struct {
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error"`
}

// SeatState is one occupied seat inside a room snapshot.
type SeatState struct {
	SeatIndex int   `json:"seatIndex"`
	UserID    int64 `json:"userId"`
	IsMuted   bool  `json:"isMuted"`
}

// ProducerInfo identifies an already-active producer inside a room snapshot.
type ProducerInfo struct {
	ProducerID string `json:"producerId"`
	UserID     int64  `json:"userId"`
}

// RoomSnapshot is the room:join ack body. Seats always has one slot per
// seat with nil entries for empty positions.
type RoomSnapshot struct {
	RTPCapabilities   json.RawMessage         `json:"rtpCapabilities"`
	Participants      []types.ParticipantInfo `json:"participants"`
	Seats             []*SeatState            `json:"seats"`
	LockedSeats       []int                   `json:"lockedSeats"`
	ExistingProducers []ProducerInfo          `json:"existingProducers"`
}

// CurrentRoomAck answers user:get-room. RoomID is null when the user is not
// in any room.
type CurrentRoomAck struct {
	RoomID *string `json:"roomId"`
}

// SuccessAck is the `{success: true}` ack used by transport:connect and
// consumer:resume.
type SuccessAck struct {
	Success bool `json:"success"`
}
