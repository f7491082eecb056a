package types

import "context"

// --- Core Domain Types ---

// UserIDType is the numeric user identifier issued by the auth service.
type UserIDType int64

// RoomIDType identifies an audio room. Typically numeric, always treated as
// an opaque string.
type RoomIDType string

// ConnIDType uniquely identifies one live socket connection. A user may hold
// several connections at once.
type ConnIDType string

// TransportRole distinguishes the two WebRTC transport directions a
// connection may own.
type TransportRole string

const (
	TransportRoleSend    TransportRole = "send"
	TransportRoleReceive TransportRole = "receive"
)

// MediaKindAudio is the only media kind this system forwards.
const MediaKindAudio = "audio"

// UserProfile is the profile snapshot adopted at authentication time and
// echoed in room snapshots and join broadcasts.
type UserProfile struct {
	ID          UserIDType `json:"id"`
	Name        string     `json:"name"`
	Signature   string     `json:"signature,omitempty"`
	Avatar      string     `json:"avatar,omitempty"`
	Frame       string     `json:"frame,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Country     string     `json:"country,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Email       string     `json:"email,omitempty"`
	DateOfBirth string     `json:"date_of_birth,omitempty"`
	WealthXP    int64      `json:"wealth_xp,omitempty"`
	CharmXP     int64      `json:"charm_xp,omitempty"`
	Role        string     `json:"role,omitempty"`
}

// Manager roles recognized for owner-level seat operations.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
)

// IsManager reports whether the profile carries room-manager privileges.
func (p UserProfile) IsManager() bool {
	return p.Role == RoleAdmin || p.Role == RoleManager
}

// ParticipantInfo is a profile as it appears in a room:join snapshot.
type ParticipantInfo struct {
	UserProfile
	IsSpeaker bool `json:"isSpeaker"`
}

// --- Shared Interfaces ---

// TokenValidator authenticates a bearer token and returns the user profile.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*UserProfile, error)
}

// Conn is the behavior the room and relay layers need from a live socket.
// Implemented by transport.Client; mocked in tests.
type Conn interface {
	ConnID() ConnIDType
	UserID() UserIDType
	Profile() UserProfile
	Room() RoomIDType
	SetRoom(RoomIDType)
	IsSpeaker() bool
	SetSpeaker(bool)
	// Send queues an event frame for delivery. It never blocks and is safe
	// to call on a closed connection.
	Send(event string, data any)
	// Kick closes the connection with a reason visible to the client.
	Kick(reason string)
	IsClosed() bool
}
