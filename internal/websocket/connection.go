// Package websocket is the transport layer: it upgrades HTTP requests,
// frames events as JSON envelopes, and hands inbound traffic to the relay
// core in arrival order.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Connection wraps one WebSocket link. All writes go through a single writer
// goroutine so concurrent senders never race on the underlying socket. The
// lifecycle state and display name live here, guarded by a mutex, so they
// are inspectable rather than hidden in per-handler state.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closing      chan struct{} // closed when the connection stops accepting frames
	flushed      chan struct{} // closed when the writer goroutine has exited
	closeOnce    sync.Once

	mu          sync.RWMutex
	state       types.State
	displayName string
}

// NewConnection wraps an upgraded socket and starts its writer goroutine.
// The connection id is assigned here and never reused while the process
// lives.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		closing:      make(chan struct{}),
		flushed:      make(chan struct{}),
		state:        types.StateUnauthenticated,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	defer close(c.flushed)
	for {
		select {
		case data := <-c.writeCh:
			if err := c.writeFrame(data); err != nil {
				return
			}
		case <-c.closing:
			c.drain()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// drain writes out frames that were queued before the connection started
// closing. Intake is already shut, so the queue only shrinks.
func (c *Connection) drain() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.writeFrame(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) writeFrame(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ID returns the opaque connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// State returns the connection's lifecycle state.
func (c *Connection) State() types.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// DisplayName returns the name bound at join time, or "" before then.
func (c *Connection) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// Authenticate binds the display name and moves the connection to
// Authenticated. The name is set exactly once and immutable afterwards.
func (c *Connection) Authenticate(displayName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case types.StateAuthenticated:
		return interfaces.ErrAlreadyAuthenticated
	case types.StateTerminated:
		return interfaces.ErrConnectionTerminated
	}

	c.displayName = displayName
	c.state = types.StateAuthenticated
	return nil
}

// Terminate moves the connection to its final state. Idempotent. Events
// arriving afterwards are dropped by the router.
func (c *Connection) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = types.StateTerminated
}

// WriteEvent encodes an envelope and queues it for the writer goroutine.
func (c *Connection) WriteEvent(event string, payload interface{}) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// enqueue hands pre-encoded frame bytes to the writer goroutine. It gives
// up after the write timeout rather than blocking the caller on a stuck
// client.
func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.closing:
		return ErrConnectionClosed
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.closing:
		return ErrConnectionClosed
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close flushes frames already queued for this connection, sends a close
// frame, and tears down the socket. Frames enqueued after Close starts are
// rejected. Idempotent. The flush wait is bounded by the write timeout so a
// dead peer cannot stall teardown.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		select {
		case <-c.flushed:
		case <-time.After(c.writeTimeout):
		}

		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

		c.cancel()
		err = c.conn.Close()
	})
	return err
}

func encodeEnvelope(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, ErrInvalidPayload
	}
	data, err := json.Marshal(types.Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, ErrInvalidPayload
	}
	return data, nil
}
