package websocket

import (
	"sync"

	"go.uber.org/zap"

	"chatrelay/pkg/interfaces"
)

// Registry tracks live transport connections by id. It is the send/broadcast
// primitive the relay core routes through; the who-is-online bookkeeping
// lives in the session registry, not here.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	log   *zap.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		log:   log,
	}
}

// Add tracks a newly upgraded connection.
func (r *Registry) Add(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	return nil
}

// Remove stops tracking the connection with the given id. Idempotent.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connectionID)
}

// Get returns the live connection with the given id.
func (r *Registry) Get(connectionID string) (interfaces.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[connectionID]
	if !exists {
		return nil, false
	}
	return conn, true
}

// Broadcast delivers one event to every live connection, including ones
// that have not joined yet. The envelope is encoded once; per-connection
// write failures are logged and skipped so one slow client cannot stall the
// rest.
func (r *Registry) Broadcast(event string, payload interface{}) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		r.log.Error("broadcast payload not encodable",
			zap.String("event", event), zap.Error(err))
		return
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.enqueue(data); err != nil {
			r.log.Debug("broadcast delivery skipped",
				zap.String("connection_id", conn.ID()),
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// Count returns the number of live transport connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
