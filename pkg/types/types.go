package types

import (
	"encoding/json"
	"time"
)

// Inbound event names (client -> server). Disconnect is transport-originated
// and carries no payload, so it has no wire name here.
const (
	EventJoin           = "join"
	EventPublicMessage  = "public_message"
	EventPrivateMessage = "private_message"
)

// Outbound event names (server -> one or all connections).
// EventPublicMessage and EventPrivateMessage are reused on the outbound side
// with different payload shapes.
const (
	EventJoinSuccess  = "join_success"
	EventUserJoined   = "user_joined"
	EventUserLeft     = "user_left"
	EventErrorMessage = "error_message"
)

// Protocol limits. Fixed by the wire protocol, deliberately not configurable
// at runtime.
const (
	MaxDisplayNameLen     = 20
	MaxMessageLen         = 500
	RateLimitWindow       = time.Second
	RateLimitMaxPerWindow = 3
)

// Envelope is the wire frame for every event crossing a connection.
// Data holds the event-specific payload and is decoded per event name.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// State is the lifecycle state of a connection.
type State int

const (
	StateUnauthenticated State = iota // initial, before a successful join
	StateAuthenticated                // joined under a display name
	StateTerminated                   // final, no further events processed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PrivateMessageRequest is the inbound payload of a private_message event.
type PrivateMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// JoinSuccess acknowledges a successful join to the joining connection only.
type JoinSuccess struct {
	Username string `json:"username"`
}

// UserJoined is broadcast to all connections, including the joiner.
// Count is the number of authenticated connections after the join.
type UserJoined struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// UserLeft is broadcast to all remaining connections when an authenticated
// connection disconnects. Count is the number of authenticated connections
// after the departure.
type UserLeft struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// PublicMessage is broadcast to all connections. Timestamp is milliseconds
// since the Unix epoch, captured once when the event is processed.
type PublicMessage struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PrivateDelivery is the recipient-side payload of a private message.
type PrivateDelivery struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PrivateReceipt is the sender-side delivery acknowledgement of a private
// message. It carries the exact Timestamp of the matching PrivateDelivery.
type PrivateReceipt struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Sent      bool   `json:"sent"`
}

// ErrorMessage is sent to the offending connection only, never broadcast.
type ErrorMessage struct {
	Error string `json:"error"`
}
