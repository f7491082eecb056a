// Package events defines the client-facing event vocabulary: every event
// name the dispatcher routes, the payload shapes clients send, and the
// payload shapes the server broadcasts. Handlers and the transport layer
// share these types so the wire contract lives in one place.
package events

// Name identifies a socket event on the wire.
type Name string

// Client → server events.
const (
	RoomJoin  Name = "room:join"
	RoomLeave Name = "room:leave"

	SeatTake          Name = "seat:take"
	SeatLeave         Name = "seat:leave"
	SeatAssign        Name = "seat:assign"
	SeatRemove        Name = "seat:remove"
	SeatLock          Name = "seat:lock"
	SeatUnlock        Name = "seat:unlock"
	SeatMute          Name = "seat:mute"
	SeatUnmute        Name = "seat:unmute"
	SeatInvite        Name = "seat:invite"
	SeatInviteAccept  Name = "seat:invite:accept"
	SeatInviteDecline Name = "seat:invite:decline"
	// SeatInviteResponse is the legacy combined accept/decline event. It
	// routes to the same handlers as the split events above.
	SeatInviteResponse Name = "seat:invite-response"

	TransportCreate  Name = "transport:create"
	TransportConnect Name = "transport:connect"
	AudioProduce     Name = "audio:produce"
	AudioConsume     Name = "audio:consume"
	AudioSelfMute    Name = "audio:selfmute"
	AudioSelfUnmute  Name = "audio:selfunmute"
	ConsumerResume   Name = "consumer:resume"

	ChatMessage Name = "chat:message"

	GiftPrepare Name = "gift:prepare"
	GiftSend    Name = "gift:send"

	UserGetRoom Name = "user:get-room"
)

// Server → client events.
const (
	RoomUserJoined Name = "room:userJoined"
	RoomUserLeft   Name = "room:userLeft"
	RoomClosed     Name = "room:closed"

	SeatUpdated   Name = "seat:updated"
	SeatCleared   Name = "seat:cleared"
	SeatLocked    Name = "seat:locked"
	SeatUserMuted Name = "seat:userMuted"

	SeatInviteReceived Name = "seat:invite:received"
	SeatInvitePending  Name = "seat:invite:pending"
	SeatInviteDeclined Name = "seat:invite:declined"
	SeatInviteExpired  Name = "seat:invite:expired"

	AudioNewProducer Name = "audio:newProducer"
	SpeakerActive    Name = "speaker:active"

	GiftReceived Name = "gift:received"
	GiftError    Name = "gift:error"
)

// Seat geometry shared by payload validation and the seat scripts.
const (
	MaxSeatIndex     = 14
	DefaultSeatCount = 15
)

// Chat content bounds, applied after trimming.
const (
	MinChatLength = 1
	MaxChatLength = 500
)
