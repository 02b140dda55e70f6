package interfaces

import "encoding/json"

// EventRouter processes inbound events for the relay core. Implementations
// must tolerate events arriving after a connection terminated and drop them.
type EventRouter interface {
	// HandleEvent processes one named inbound event with its raw payload.
	HandleEvent(conn Conn, event string, data json.RawMessage)

	// HandleDisconnect performs cleanup for a transport-reported link loss.
	// Safe to call more than once for the same connection.
	HandleDisconnect(conn Conn)
}

// EventSink is where the transport layer delivers inbound traffic. The sink
// preserves arrival order for events from the same connection.
type EventSink interface {
	// Enqueue hands one inbound event to the core. Best effort: the event
	// may be dropped under extreme load.
	Enqueue(conn Conn, event string, data json.RawMessage)

	// EnqueueDisconnect reports a transport-level disconnect for conn.
	EnqueueDisconnect(conn Conn)
}
