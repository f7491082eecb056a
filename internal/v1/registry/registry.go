// Package registry is the process-local index of live connections: by
// connection id, by user id, and by room id. It also owns each connection's
// media-resource maps (transports, producers, consumers) so disconnect
// cleanup and snapshot building have one place to ask.
package registry

import (
	"sync"

	"github.com/flylive/msab/internal/v1/types"
)

// resourceSet tracks the media objects a connection owns. The registry's
// lock guards all access; callers get copies, never the live maps.
type resourceSet struct {
	transports map[string]types.TransportRole // transport-id → role
	producers  map[string]string              // kind → producer-id
	consumers  map[string]string              // producer-id → consumer-id
}

func newResourceSet() *resourceSet {
	return &resourceSet{
		transports: make(map[string]types.TransportRole),
		producers:  make(map[string]string),
		consumers:  make(map[string]string),
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[types.ConnIDType]types.Conn
	byUser    map[types.UserIDType]map[types.ConnIDType]types.Conn
	byRoom    map[types.RoomIDType]map[types.ConnIDType]types.Conn
	resources map[types.ConnIDType]*resourceSet
}

func New() *Registry {
	return &Registry{
		byConn:    make(map[types.ConnIDType]types.Conn),
		byUser:    make(map[types.UserIDType]map[types.ConnIDType]types.Conn),
		byRoom:    make(map[types.RoomIDType]map[types.ConnIDType]types.Conn),
		resources: make(map[types.ConnIDType]*resourceSet),
	}
}

// Register adds a connection to all indexes. Registering an id twice
// overwrites the previous entry, so a half-cleaned reconnect cannot leave a
// ghost behind.
func (r *Registry) Register(conn types.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[conn.ConnID()]; exists {
		r.removeLocked(conn.ConnID())
	}

	r.byConn[conn.ConnID()] = conn

	userConns, ok := r.byUser[conn.UserID()]
	if !ok {
		userConns = make(map[types.ConnIDType]types.Conn)
		r.byUser[conn.UserID()] = userConns
	}
	userConns[conn.ConnID()] = conn

	if roomID := conn.Room(); roomID != "" {
		r.addToRoomLocked(roomID, conn)
	}

	r.resources[conn.ConnID()] = newResourceSet()
}

// Unregister removes a connection from every index and drops its resource
// maps. Returns the removed connection, or false if the id was unknown.
func (r *Registry) Unregister(connID types.ConnIDType) (types.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	r.removeLocked(connID)
	return conn, true
}

func (r *Registry) removeLocked(connID types.ConnIDType) {
	conn, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	delete(r.resources, connID)

	if userConns, ok := r.byUser[conn.UserID()]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID())
		}
	}
	if roomID := conn.Room(); roomID != "" {
		r.removeFromRoomLocked(roomID, connID)
	}
}

func (r *Registry) addToRoomLocked(roomID types.RoomIDType, conn types.Conn) {
	roomConns, ok := r.byRoom[roomID]
	if !ok {
		roomConns = make(map[types.ConnIDType]types.Conn)
		r.byRoom[roomID] = roomConns
	}
	roomConns[conn.ConnID()] = conn
}

func (r *Registry) removeFromRoomLocked(roomID types.RoomIDType, connID types.ConnIDType) {
	if roomConns, ok := r.byRoom[roomID]; ok {
		delete(roomConns, connID)
		if len(roomConns) == 0 {
			delete(r.byRoom, roomID)
		}
	}
}

// GetByConnID returns the connection registered under the id.
func (r *Registry) GetByConnID(connID types.ConnIDType) (types.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byConn[connID]
	return conn, ok
}

// GetByUserID returns every live connection of a user. A user connecting
// from two devices has two entries.
func (r *Registry) GetByUserID(userID types.UserIDType) []types.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns := r.byUser[userID]
	out := make([]types.Conn, 0, len(userConns))
	for _, conn := range userConns {
		if !conn.IsClosed() {
			out = append(out, conn)
		}
	}
	return out
}

// GetByRoomID returns every live connection in a room. Entries whose socket
// already closed are pruned from the indexes instead of returned, so join
// snapshots never contain ghost participants.
func (r *Registry) GetByRoomID(roomID types.RoomIDType) []types.Conn {
	r.mu.RLock()
	roomConns := r.byRoom[roomID]
	out := make([]types.Conn, 0, len(roomConns))
	var stale []types.ConnIDType
	for connID, conn := range roomConns {
		if conn.IsClosed() {
			stale = append(stale, connID)
			continue
		}
		out = append(out, conn)
	}
	r.mu.RUnlock()

	if len(stale) > 0 {
		r.mu.Lock()
		for _, connID := range stale {
			if conn, ok := r.byConn[connID]; ok && conn.IsClosed() {
				r.removeLocked(connID)
			}
		}
		r.mu.Unlock()
	}
	return out
}

// SetRoom moves a connection between room indexes and updates the
// connection's own room field under the registry lock, so enumeration and
// the field can never disagree. The empty string clears the room.
func (r *Registry) SetRoom(connID types.ConnIDType, roomID types.RoomIDType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byConn[connID]
	if !ok {
		return false
	}

	if old := conn.Room(); old != "" {
		r.removeFromRoomLocked(old, connID)
	}
	conn.SetRoom(roomID)
	if roomID != "" {
		r.addToRoomLocked(roomID, conn)
	}
	return true
}

// All returns every live connection on this instance. The backend relay uses
// this for broadcast-all routing.
func (r *Registry) All() []types.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Conn, 0, len(r.byConn))
	for _, conn := range r.byConn {
		if !conn.IsClosed() {
			out = append(out, conn)
		}
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// RoomSize returns the number of indexed connections in a room without
// pruning.
func (r *Registry) RoomSize(roomID types.RoomIDType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}
