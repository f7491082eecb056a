// Package seats owns the per-room seat state machine. Redis is authoritative;
// every mutation is a Lua script so check-then-set races cannot occur across
// instances. In-memory state elsewhere is only an emit trigger.
//
// Keys per room:
//
//	room:{id}:seats            hash  seat-index → JSON {userId, muted}
//	room:{id}:locked_seats     set   locked seat indexes
//	room:{id}:seat:user:{uid}  str   reverse index, seat index of a user
//	room:{id}:invite:{idx}     str   JSON invite record, TTL 30 s
//	room:{id}:invite:user:{uid} str  reverse invite index, TTL 30 s
package seats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/set"

	"github.com/flylive/msab/internal/v1/events"
	"github.com/flylive/msab/internal/v1/metrics"
)

// Stable seat-domain errors. The strings are the ack payloads clients see.
var (
	ErrSeatInvalid       = errors.New("SEAT_INVALID")
	ErrSeatLocked        = errors.New("SEAT_LOCKED")
	ErrSeatTaken         = errors.New("SEAT_TAKEN")
	ErrNotSeated         = errors.New("NOT_SEATED")
	ErrSeatAlreadyLocked = errors.New("SEAT_ALREADY_LOCKED")
	ErrSeatNotLocked     = errors.New("SEAT_NOT_LOCKED")
	ErrInvitePending     = errors.New("Invite already pending for this seat")
	ErrNoInvite          = errors.New("No pending invite found")
	ErrSeatUnavailable   = errors.New("Seat is no longer available")
)

// InviteTTL bounds how long a seat invite stays claimable. The redis TTL is
// authoritative; the process-local notifier only mirrors it.
const InviteTTL = 30 * time.Second

// Invite is the record written at room:{id}:invite:{idx}.
type Invite struct {
	TargetUserID  int64  `json:"targetUserId"`
	InviterID     int64  `json:"inviterId"`
	InviterName   string `json:"inviterName"`
	InviterAvatar string `json:"inviterAvatar,omitempty"`
	SeatIndex     int    `json:"seatIndex"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// AssignResult reports the side effects of an owner assign.
type AssignResult struct {
	// FreedSeat is the target's prior seat, -1 when they were not seated.
	FreedSeat int
	// DisplacedUserID is the previous occupant of the seat, 0 when it was empty.
	DisplacedUserID int64
}

// Store executes the seat scripts against redis.
type Store struct {
	rdb       *redis.Client
	seatCount int
}

func NewStore(rdb *redis.Client, seatCount int) *Store {
	if seatCount < 1 || seatCount > events.DefaultSeatCount {
		seatCount = events.DefaultSeatCount
	}
	return &Store{rdb: rdb, seatCount: seatCount}
}

// SeatCount returns the configured seats per room.
func (s *Store) SeatCount() int { return s.seatCount }

func seatsKey(roomID string) string      { return "room:" + roomID + ":seats" }
func lockedKey(roomID string) string     { return "room:" + roomID + ":locked_seats" }
func userSeatPrefix(roomID string) string { return "room:" + roomID + ":seat:user:" }
func userSeatKey(roomID string, userID int64) string {
	return userSeatPrefix(roomID) + strconv.FormatInt(userID, 10)
}
func invitePrefix(roomID string) string { return "room:" + roomID + ":invite:" }
func inviteSeatKey(roomID string, seatIndex int) string {
	return invitePrefix(roomID) + strconv.Itoa(seatIndex)
}
func inviteUserPrefix(roomID string) string { return "room:" + roomID + ":invite:user:" }
func inviteUserKey(roomID string, userID int64) string {
	return inviteUserPrefix(roomID) + strconv.FormatInt(userID, 10)
}

// takeScript: bounds → locked → taken → vacate prior seat → occupy.
// Returns {code, seatIndex, freedSeat}.
var takeScript = redis.NewScript(`
local idx = tonumber(ARGV[1])
local uid = tonumber(ARGV[2])
local count = tonumber(ARGV[3])
if idx < 0 or idx >= count then
  return {'SEAT_INVALID'}
end
local field = tostring(idx)
if redis.call('SISMEMBER', KEYS[2], field) == 1 then
  return {'SEAT_LOCKED'}
end
if redis.call('HEXISTS', KEYS[1], field) == 1 then
  return {'SEAT_TAKEN'}
end
local freed = -1
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  local seat = cjson.decode(entries[i+1])
  if tonumber(seat.userId) == uid then
    redis.call('HDEL', KEYS[1], entries[i])
    freed = tonumber(entries[i])
  end
end
redis.call('HSET', KEYS[1], field, cjson.encode({userId=uid, muted=false}))
redis.call('SET', KEYS[3], field)
return {'OK', idx, freed}
`)

// leaveScript: vacate whichever seat the user occupies.
// Returns {code, freedSeat}.
var leaveScript = redis.NewScript(`
local uid = tonumber(ARGV[1])
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  local seat = cjson.decode(entries[i+1])
  if tonumber(seat.userId) == uid then
    redis.call('HDEL', KEYS[1], entries[i])
    redis.call('DEL', KEYS[2])
    return {'OK', tonumber(entries[i])}
  end
end
return {'NOT_SEATED'}
`)

// removeScript: vacate a seat addressed by index. Returns
// {code, removedUserId}.
var removeScript = redis.NewScript(`
local idx = tonumber(ARGV[1])
local count = tonumber(ARGV[2])
if idx < 0 or idx >= count then
  return {'SEAT_INVALID'}
end
local field = tostring(idx)
local cur = redis.call('HGET', KEYS[1], field)
if not cur then
  return {'NOT_SEATED'}
end
local seat = cjson.decode(cur)
redis.call('HDEL', KEYS[1], field)
redis.call('DEL', ARGV[3] .. tostring(seat.userId))
return {'OK', tonumber(seat.userId)}
`)

// assignScript: bounds → locked → displace current occupant → vacate target's
// prior seat → occupy. Returns {code, seatIndex, freedSeat, displacedUserId}.
var assignScript = redis.NewScript(`
local idx = tonumber(ARGV[1])
local uid = tonumber(ARGV[2])
local count = tonumber(ARGV[3])
if idx < 0 or idx >= count then
  return {'SEAT_INVALID'}
end
local field = tostring(idx)
if redis.call('SISMEMBER', KEYS[2], field) == 1 then
  return {'SEAT_LOCKED'}
end
local displaced = -1
local cur = redis.call('HGET', KEYS[1], field)
if cur then
  local seat = cjson.decode(cur)
  if tonumber(seat.userId) == uid then
    return {'OK', idx, -1, -1}
  end
  displaced = tonumber(seat.userId)
  redis.call('HDEL', KEYS[1], field)
  redis.call('DEL', ARGV[4] .. tostring(displaced))
end
local freed = -1
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  local seat = cjson.decode(entries[i+1])
  if tonumber(seat.userId) == uid then
    redis.call('HDEL', KEYS[1], entries[i])
    freed = tonumber(entries[i])
  end
end
redis.call('HSET', KEYS[1], field, cjson.encode({userId=uid, muted=false}))
redis.call('SET', KEYS[3], field)
return {'OK', idx, freed, displaced}
`)

// setMuteScript: flip the mute flag of an occupied seat.
// Returns {code, occupantUserId}.
var setMuteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return {'NOT_SEATED'}
end
local seat = cjson.decode(cur)
seat.muted = ARGV[2] == '1'
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(seat))
return {'OK', tonumber(seat.userId)}
`)

// lockScript: evict any occupant, then lock. Returns {code, kickedUserId}.
var lockScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return {'ALREADY_LOCKED'}
end
local kicked = -1
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local seat = cjson.decode(cur)
  kicked = tonumber(seat.userId)
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('DEL', ARGV[2] .. tostring(kicked))
end
redis.call('SADD', KEYS[2], ARGV[1])
return {'OK', kicked}
`)

// unlockScript. Returns {code}.
var unlockScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {'NOT_LOCKED'}
end
redis.call('SREM', KEYS[1], ARGV[1])
return {'OK'}
`)

// inviteCreateScript: the seat must be in bounds, unlocked, unoccupied, and
// carry no pending invite for the seat or the target. Both invite records are
// written in one step with the TTL. Returns {code}.
var inviteCreateScript = redis.NewScript(`
local idx = tonumber(ARGV[1])
local count = tonumber(ARGV[2])
if idx < 0 or idx >= count then
  return {'SEAT_INVALID'}
end
local field = tostring(idx)
if redis.call('SISMEMBER', KEYS[2], field) == 1 then
  return {'SEAT_LOCKED'}
end
if redis.call('HEXISTS', KEYS[1], field) == 1 then
  return {'SEAT_TAKEN'}
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {'INVITE_PENDING'}
end
if redis.call('EXISTS', KEYS[4]) == 1 then
  return {'INVITE_PENDING'}
end
redis.call('SET', KEYS[3], ARGV[3], 'EX', ARGV[4])
redis.call('SET', KEYS[4], field, 'EX', ARGV[4])
return {'OK'}
`)

// inviteAcceptScript: resolve via the reverse index, delete both records,
// then take the seat re-checking lock and occupancy. Returns
// {code, seatIndex, freedSeat}.
var inviteAcceptScript = redis.NewScript(`
local field = redis.call('GET', KEYS[1])
if not field then
  return {'NO_INVITE'}
end
local idx = tonumber(field)
redis.call('DEL', KEYS[1])
redis.call('DEL', ARGV[2] .. field)
if redis.call('SISMEMBER', KEYS[3], field) == 1 then
  return {'SEAT_UNAVAILABLE', idx}
end
if redis.call('HEXISTS', KEYS[2], field) == 1 then
  return {'SEAT_UNAVAILABLE', idx}
end
local uid = tonumber(ARGV[1])
local freed = -1
local entries = redis.call('HGETALL', KEYS[2])
for i = 1, #entries, 2 do
  local seat = cjson.decode(entries[i+1])
  if tonumber(seat.userId) == uid then
    redis.call('HDEL', KEYS[2], entries[i])
    freed = tonumber(entries[i])
  end
end
redis.call('HSET', KEYS[2], field, cjson.encode({userId=uid, muted=false}))
redis.call('SET', KEYS[4], field)
return {'OK', idx, freed}
`)

// inviteDeclineScript: delete both records. Returns {code, seatIndex}.
var inviteDeclineScript = redis.NewScript(`
local field = redis.call('GET', KEYS[1])
if not field then
  return {'NO_INVITE'}
end
redis.call('DEL', KEYS[1])
redis.call('DEL', ARGV[1] .. field)
return {'OK', tonumber(field)}
`)

// clearScript: drop every seat key of a room, including reverse indexes and
// invites. Returns the number of occupied seats dropped.
var clearScript = redis.NewScript(`
local dropped = 0
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  local seat = cjson.decode(entries[i+1])
  redis.call('DEL', ARGV[1] .. tostring(seat.userId))
  dropped = dropped + 1
end
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
local count = tonumber(ARGV[4])
for idx = 0, count - 1 do
  local inv = redis.call('GET', ARGV[2] .. tostring(idx))
  if inv then
    local rec = cjson.decode(inv)
    redis.call('DEL', ARGV[2] .. tostring(idx))
    redis.call('DEL', ARGV[3] .. tostring(rec.targetUserId))
  end
end
return dropped
`)

func scriptCode(res interface{}) (string, []interface{}, error) {
	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return "", nil, fmt.Errorf("unexpected seat script result %v", res)
	}
	code, ok := parts[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected seat script code %v", parts[0])
	}
	return code, parts[1:], nil
}

func scriptInt(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

func codeErr(code string) error {
	switch code {
	case "SEAT_INVALID":
		return ErrSeatInvalid
	case "SEAT_LOCKED":
		return ErrSeatLocked
	case "SEAT_TAKEN":
		return ErrSeatTaken
	case "NOT_SEATED":
		return ErrNotSeated
	case "ALREADY_LOCKED":
		return ErrSeatAlreadyLocked
	case "NOT_LOCKED":
		return ErrSeatNotLocked
	case "INVITE_PENDING":
		return ErrInvitePending
	case "NO_INVITE":
		return ErrNoInvite
	case "SEAT_UNAVAILABLE":
		return ErrSeatUnavailable
	}
	return fmt.Errorf("unknown seat script code %q", code)
}

// Take claims seatIndex for userID, vacating any prior seat of that user in
// the same step. Returns the freed prior seat, -1 when there was none.
func (s *Store) Take(ctx context.Context, roomID string, userID int64, seatIndex int) (int, error) {
	res, err := takeScript.Run(ctx, s.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID, userID)},
		seatIndex, userID, s.seatCount).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("take", "error").Inc()
		return -1, err
	}
	code, rest, err := scriptCode(res)
	if err != nil {
		return -1, err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("take", "rejected").Inc()
		return -1, codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("take", "ok").Inc()
	return int(scriptInt(rest[1])), nil
}

// Leave vacates the user's seat. Returns the freed index.
func (s *Store) Leave(ctx context.Context, roomID string, userID int64) (int, error) {
	res, err := leaveScript.Run(ctx, s.rdb,
		[]string{seatsKey(roomID), userSeatKey(roomID, userID)},
		userID).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("leave", "error").Inc()
		return -1, err
	}
	code, rest, err := scriptCode(res)
	if err != nil {
		return -1, err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("leave", "rejected").Inc()
		return -1, codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("leave", "ok").Inc()
	return int(scriptInt(rest[0])), nil
}

// Remove vacates the seat at seatIndex regardless of who occupies it.
// Returns the removed occupant's user id.
func (s *Store) Remove(ctx context.Context, roomID string, seatIndex int) (int64, error) {
	res, err := removeScript.Run(ctx, s.rdb,
		[]string{seatsKey(roomID)},
		seatIndex, s.seatCount, userSeatPrefix(roomID)).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("remove", "error").Inc()
		return 0, err
	}
	code, rest, err := scriptCode(res)
	if err != nil {
		return 0, err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("remove", "rejected").Inc()
		return 0, codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("remove", "ok").Inc()
	return scriptInt(rest[0]), nil
}

// Assign seats targetID at seatIndex, displacing any current occupant.
func (s *Store) Assign(ctx context.Context, roomID string, targetID int64, seatIndex int) (AssignResult, error) {
	res, err := assignScript.Run(ctx, s.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID, targetID)},
		seatIndex, targetID, s.seatCount, userSeatPrefix(roomID)).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("assign", "error").Inc()
		return AssignResult{}, err
	}
	code, rest, err := scriptCode(res)
	if err != nil {
		return AssignResult{}, err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("assign", "rejected").Inc()
		return AssignResult{}, codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("assign", "ok").Inc()
	out := AssignResult{FreedSeat: int(scriptInt(rest[1]))}
	if displaced := scriptInt(rest[2]); displaced > 0 {
		out.DisplacedUserID = displaced
	}
	return out, nil
}

// SetMute flips the mute flag of an occupied seat and returns the occupant.
func (s *Store) SetMute(ctx context.Context, roomID string, seatIndex int, muted bool) (int64, error) {
	arg := "0"
	if muted {
		arg = "1"
	}
	res, err := setMuteScript.Run(ctx, s.rdb,
		[]string{seatsKey(roomID)},
		strconv.Itoa(seatIndex), arg).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("mute", "error").Inc()
		return 0, err
	}
	code, rest, err := scriptCode(res)
	if err != nil {
		return 0, err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("mute", "rejected").Inc()
		return 0, codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("mute", "ok").Inc()
	return scriptInt(rest[0]), nil
}

// Lock locks a seat, evicting its occupant if present. Returns the evicted
// user id, 0 when the seat was empty.
func (s *Store) Lock(ctx context.Context, roomID string, seatIndex int) (int64, error) {
	res, err := lockScript.Run(ctx, s.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID)},
		strconv.Itoa(seatIndex), userSeatPrefix(roomID)).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("lock", "error").Inc()
		return 0, err
	}
	code, rest, err := scriptCode(res)
	if err != nil {
		return 0, err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("lock", "rejected").Inc()
		return 0, codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("lock", "ok").Inc()
	if kicked := scriptInt(rest[0]); kicked > 0 {
		return kicked, nil
	}
	return 0, nil
}

// Unlock removes a seat from the locked set.
func (s *Store) Unlock(ctx context.Context, roomID string, seatIndex int) error {
	res, err := unlockScript.Run(ctx, s.rdb,
		[]string{lockedKey(roomID)},
		strconv.Itoa(seatIndex)).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("unlock", "error").Inc()
		return err
	}
	code, _, err := scriptCode(res)
	if err != nil {
		return err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("unlock", "rejected").Inc()
		return codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("unlock", "ok").Inc()
	return nil
}

// CreateInvite writes both invite records with the TTL after validating the
// seat is claimable and free of competing invites.
func (s *Store) CreateInvite(ctx context.Context, roomID string, inv Invite) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	ttl := int(InviteTTL / time.Second)
	res, err := inviteCreateScript.Run(ctx, s.rdb,
		[]string{
			seatsKey(roomID),
			lockedKey(roomID),
			inviteSeatKey(roomID, inv.SeatIndex),
			inviteUserKey(roomID, inv.TargetUserID),
		},
		inv.SeatIndex, s.seatCount, string(raw), ttl).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("invite", "error").Inc()
		return err
	}
	code, _, err := scriptCode(res)
	if err != nil {
		return err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("invite", "rejected").Inc()
		return codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("invite", "ok").Inc()
	return nil
}

// AcceptInvite consumes the user's pending invite and seats them, re-checking
// lock and occupancy inside the script. Returns the seat taken.
func (s *Store) AcceptInvite(ctx context.Context, roomID string, userID int64) (int, error) {
	res, err := inviteAcceptScript.Run(ctx, s.rdb,
		[]string{
			inviteUserKey(roomID, userID),
			seatsKey(roomID),
			lockedKey(roomID),
			userSeatKey(roomID, userID),
		},
		userID, invitePrefix(roomID)).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("invite_accept", "error").Inc()
		return -1, err
	}
	code, rest, err := scriptCode(res)
	if err != nil {
		return -1, err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("invite_accept", "rejected").Inc()
		// The unavailable rejection still consumed the invite; callers get
		// the seat index so they can clear pending-invite bookkeeping.
		if code == "SEAT_UNAVAILABLE" && len(rest) > 0 {
			return int(scriptInt(rest[0])), codeErr(code)
		}
		return -1, codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("invite_accept", "ok").Inc()
	return int(scriptInt(rest[0])), nil
}

// DeclineInvite consumes the user's pending invite without seating them.
// Returns the declined seat index.
func (s *Store) DeclineInvite(ctx context.Context, roomID string, userID int64) (int, error) {
	res, err := inviteDeclineScript.Run(ctx, s.rdb,
		[]string{inviteUserKey(roomID, userID)},
		invitePrefix(roomID)).Result()
	if err != nil {
		metrics.SeatOperations.WithLabelValues("invite_decline", "error").Inc()
		return -1, err
	}
	code, rest, err := scriptCode(res)
	if err != nil {
		return -1, err
	}
	if code != "OK" {
		metrics.SeatOperations.WithLabelValues("invite_decline", "rejected").Inc()
		return -1, codeErr(code)
	}
	metrics.SeatOperations.WithLabelValues("invite_decline", "ok").Inc()
	return int(scriptInt(rest[0])), nil
}

// GetInvite reads the invite record for a seat, reporting absence without error.
func (s *Store) GetInvite(ctx context.Context, roomID string, seatIndex int) (*Invite, bool, error) {
	raw, err := s.rdb.Get(ctx, inviteSeatKey(roomID, seatIndex)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var inv Invite
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, false, err
	}
	return &inv, true, nil
}

// seatEntry is the JSON stored per hash field.
type seatEntry struct {
	UserID int64 `json:"userId"`
	Muted  bool  `json:"muted"`
}

// Snapshot reads the full seat state of a room: one slot per seat (nil for
// empty positions) plus the sorted locked indexes.
func (s *Store) Snapshot(ctx context.Context, roomID string) ([]*events.SeatState, []int, error) {
	pipe := s.rdb.Pipeline()
	seatsCmd := pipe.HGetAll(ctx, seatsKey(roomID))
	lockedCmd := pipe.SMembers(ctx, lockedKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	out := make([]*events.SeatState, s.seatCount)
	for field, raw := range seatsCmd.Val() {
		idx, err := strconv.Atoi(field)
		if err != nil || idx < 0 || idx >= s.seatCount {
			continue
		}
		var entry seatEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out[idx] = &events.SeatState{SeatIndex: idx, UserID: entry.UserID, IsMuted: entry.Muted}
	}

	locked := set.New[int]()
	for _, field := range lockedCmd.Val() {
		if idx, err := strconv.Atoi(field); err == nil {
			locked.Insert(idx)
		}
	}
	lockedList := locked.UnsortedList()
	sort.Ints(lockedList)
	return out, lockedList, nil
}

// UserSeat answers which seat a user occupies via the reverse index. Returns
// -1 when the user is not seated.
func (s *Store) UserSeat(ctx context.Context, roomID string, userID int64) (int, error) {
	raw, err := s.rdb.Get(ctx, userSeatKey(roomID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return -1, err
	}
	return idx, nil
}

// Clear drops every seat key of a room. Room close calls this.
func (s *Store) Clear(ctx context.Context, roomID string) error {
	return clearScript.Run(ctx, s.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID)},
		userSeatPrefix(roomID), invitePrefix(roomID), inviteUserPrefix(roomID), s.seatCount).Err()
}
