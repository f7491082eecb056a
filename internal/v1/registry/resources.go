package registry

import (
	"github.com/flylive/msab/internal/v1/types"
)

// Resource accessors. All of them no-op (or return empty) for unknown
// connection ids; disconnect cleanup and handler races make that case
// ordinary rather than exceptional. Callers own closing the underlying
// media objects — the registry only tracks ids.

// AddTransport records a transport owned by the connection.
func (r *Registry) AddTransport(connID types.ConnIDType, transportID string, role types.TransportRole) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[connID]
	if !ok {
		return false
	}
	res.transports[transportID] = role
	return true
}

// RemoveTransport forgets a transport id.
func (r *Registry) RemoveTransport(connID types.ConnIDType, transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[connID]; ok {
		delete(res.transports, transportID)
	}
}

// TransportRole looks up the role of one owned transport.
func (r *Registry) TransportRole(connID types.ConnIDType, transportID string) (types.TransportRole, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[connID]
	if !ok {
		return "", false
	}
	role, ok := res.transports[transportID]
	return role, ok
}

// Transports returns a copy of the connection's transport map.
func (r *Registry) Transports(connID types.ConnIDType) map[string]types.TransportRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[connID]
	if !ok {
		return nil
	}
	out := make(map[string]types.TransportRole, len(res.transports))
	for id, role := range res.transports {
		out[id] = role
	}
	return out
}

// AddProducer records a producer owned by the connection, keyed by kind.
func (r *Registry) AddProducer(connID types.ConnIDType, kind, producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[connID]
	if !ok {
		return false
	}
	res.producers[kind] = producerID
	return true
}

// RemoveProducer forgets the producer of a kind.
func (r *Registry) RemoveProducer(connID types.ConnIDType, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[connID]; ok {
		delete(res.producers, kind)
	}
}

// ProducerID returns the connection's producer for a kind.
func (r *Registry) ProducerID(connID types.ConnIDType, kind string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[connID]
	if !ok {
		return "", false
	}
	id, ok := res.producers[kind]
	return id, ok
}

// Producers returns a copy of the connection's kind → producer-id map.
func (r *Registry) Producers(connID types.ConnIDType) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[connID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(res.producers))
	for kind, id := range res.producers {
		out[kind] = id
	}
	return out
}

// AddConsumer records a consumer keyed by the producer it observes.
func (r *Registry) AddConsumer(connID types.ConnIDType, producerID, consumerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[connID]
	if !ok {
		return false
	}
	res.consumers[producerID] = consumerID
	return true
}

// RemoveConsumer forgets the consumer observing a producer.
func (r *Registry) RemoveConsumer(connID types.ConnIDType, producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[connID]; ok {
		delete(res.consumers, producerID)
	}
}

// Consumers returns a copy of the connection's producer-id → consumer-id map.
func (r *Registry) Consumers(connID types.ConnIDType) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[connID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(res.consumers))
	for producerID, consumerID := range res.consumers {
		out[producerID] = consumerID
	}
	return out
}

// RoomProducers enumerates producer-id → owner-user-id across every live
// connection in a room. Snapshot building uses this for existingProducers.
func (r *Registry) RoomProducers(roomID types.RoomIDType) map[string]types.UserIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.UserIDType)
	for connID, conn := range r.byRoom[roomID] {
		if conn.IsClosed() {
			continue
		}
		res, ok := r.resources[connID]
		if !ok {
			continue
		}
		for _, producerID := range res.producers {
			out[producerID] = conn.UserID()
		}
	}
	return out
}
