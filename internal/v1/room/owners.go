package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/types"
)

// Owner cache TTLs. A seeded entry came from the room creator's join payload
// and can live longer; a fetched entry re-verifies against the backend
// sooner.
const (
	ownerSeededTTL  = 5 * time.Minute
	ownerFetchedTTL = 30 * time.Second
	ownerFetchLimit = 5 * time.Second
)

type ownerEntry struct {
	ownerID int64
	expires time.Time
}

// ownerCache maps room id to owner id with per-entry expiry. Backed by the
// backend's GET room endpoint on miss.
type ownerCache struct {
	mu      sync.Mutex
	entries map[string]ownerEntry
}

func newOwnerCache() *ownerCache {
	return &ownerCache{entries: make(map[string]ownerEntry)}
}

func (c *ownerCache) get(roomID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[roomID]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, roomID)
		return 0, false
	}
	return e.ownerID, true
}

func (c *ownerCache) put(roomID string, ownerID int64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[roomID] = ownerEntry{ownerID: ownerID, expires: time.Now().Add(ttl)}
}

func (c *ownerCache) forget(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, roomID)
}

// seedOwner records the owner hinted by the creator's join payload.
func (m *Manager) seedOwner(roomID string, ownerID int64) {
	m.owners.put(roomID, ownerID, ownerSeededTTL)
}

// roomOwner resolves the owner id, consulting the backend on cache miss.
func (m *Manager) roomOwner(ctx context.Context, roomID string) (int64, error) {
	if ownerID, ok := m.owners.get(roomID); ok {
		return ownerID, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, ownerFetchLimit)
	defer cancel()

	info, err := m.backend.GetRoom(fetchCtx, roomID)
	if err != nil {
		logging.Warn(ctx, "Owner lookup failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		return 0, ErrAuthzCheckFailed
	}
	m.owners.put(roomID, info.OwnerID, ownerFetchedTTL)
	return info.OwnerID, nil
}

// authorize passes owners and managers, rejects everyone else. Seat
// administration calls this before mutating.
func (m *Manager) authorize(ctx context.Context, conn types.Conn, roomID string) error {
	if conn.Profile().IsManager() {
		return nil
	}
	ownerID, err := m.roomOwner(ctx, roomID)
	if err != nil {
		return err
	}
	if ownerID != int64(conn.UserID()) {
		return ErrNotAuthorized
	}
	return nil
}
