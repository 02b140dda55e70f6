// Package hub is the pipeline between the transport and the router: a single
// run loop drains one inbound channel, so events are processed in the order
// the transport delivered them and registry access is never reentrant.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chatrelay/pkg/interfaces"
)

// inboundEvent is one unit of work for the run loop. A nil event string
// marks a transport disconnect notice.
type inboundEvent struct {
	conn       interfaces.Conn
	event      string
	data       json.RawMessage
	disconnect bool
}

// Hub implements interfaces.EventSink and feeds an EventRouter.
type Hub struct {
	events chan inboundEvent
	done   chan struct{}
	router interfaces.EventRouter
	log    *zap.Logger

	mu      sync.RWMutex
	running bool
}

// NewHub creates a hub with the given inbound buffer size.
func NewHub(router interfaces.EventRouter, bufferSize int, log *zap.Logger) *Hub {
	return &Hub{
		events: make(chan inboundEvent, bufferSize),
		done:   make(chan struct{}),
		router: router,
		log:    log,
	}
}

// Start launches the run loop. A hub is single-use: once stopped, whether by
// Stop or by cancellation of ctx, it cannot be started again.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	h.running = true

	go h.run(ctx)
	return nil
}

// Stop halts the run loop. Queued events that were not yet processed are
// discarded; delivery is best effort.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false
	close(h.done)
	return nil
}

// Enqueue hands one inbound event to the run loop. A full queue drops the
// event with a warning rather than blocking the transport's read pump.
func (h *Hub) Enqueue(conn interfaces.Conn, event string, data json.RawMessage) {
	h.push(inboundEvent{conn: conn, event: event, data: data})
}

// EnqueueDisconnect reports a transport-level link loss. Cleanup must go
// through the same queue so it runs after the connection's earlier events.
func (h *Hub) EnqueueDisconnect(conn interfaces.Conn) {
	h.push(inboundEvent{conn: conn, disconnect: true})
}

func (h *Hub) push(ev inboundEvent) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	// Disconnect notices may not be dropped: registry cleanup happens
	// exactly once per connection and a lost notice would leak the entry.
	// The caller is a read pump that is about to exit, so blocking is fine.
	if ev.disconnect {
		select {
		case h.events <- ev:
		case <-h.done:
		}
		return
	}

	select {
	case h.events <- ev:
	default:
		h.log.Warn("inbound queue full, event dropped",
			zap.String("connection_id", ev.conn.ID()),
			zap.String("event", ev.event))
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case ev := <-h.events:
			if ev.disconnect {
				h.router.HandleDisconnect(ev.conn)
			} else {
				h.router.HandleEvent(ev.conn, ev.event, ev.data)
			}
		case <-h.done:
			return
		case <-ctx.Done():
			// Cancellation stops the hub through the same path as Stop, so
			// the running flag clears and pushes are rejected instead of
			// piling up behind a dead loop.
			_ = h.Stop()
			return
		}
	}
}
