package interfaces

import (
	"chatrelay/pkg/types"
)

// Conn is a single live client connection as seen by the routing core.
// Implementations must make WriteEvent safe for concurrent use; the core
// assumes sends are non-blocking or internally buffered.
type Conn interface {
	// ID returns the opaque transport-assigned connection identifier.
	// Stable for the connection's lifetime, never reused while live.
	ID() string

	// State returns the connection's current lifecycle state.
	State() types.State

	// DisplayName returns the name bound by Authenticate, or "" before then.
	DisplayName() string

	// Authenticate transitions Unauthenticated -> Authenticated and binds
	// the display name, exactly once. Returns ErrAlreadyAuthenticated or
	// ErrConnectionTerminated when the transition is not available.
	Authenticate(displayName string) error

	// Terminate marks the connection Terminated. Idempotent. It does not
	// close the transport link; pair with Close for forced closure.
	Terminate()

	// WriteEvent queues an outbound event for delivery to this connection.
	WriteEvent(event string, payload interface{}) error

	// Close tears down the underlying transport link. Events queued before
	// Close must still be delivered on a live link, so an error notice sent
	// just before a forced closure reaches the client. Idempotent.
	Close() error
}

// ConnRegistry resolves live connections and fans events out to all of
// them. Broadcast reaches every live connection, including connections that
// have not authenticated yet.
type ConnRegistry interface {
	// Get returns the live connection with the given id.
	Get(connectionID string) (Conn, bool)

	// Broadcast delivers one outbound event to every live connection.
	Broadcast(event string, payload interface{})
}
