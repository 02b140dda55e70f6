// Package router classifies, validates, and dispatches inbound events. It
// owns the session registry and rate limiter state; no other component
// mutates them.
package router

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/session"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Router processes the four inbound event kinds (join, public_message,
// private_message, and transport disconnect). All other event kinds are
// ignored for authenticated connections and fatal for unauthenticated ones.
type Router struct {
	sessions *session.Registry
	conns    interfaces.ConnRegistry
	limiter  *RateLimiter
	log      *zap.Logger

	// now is swappable in tests; every handler captures it once per event
	// and reuses that instant for all payloads derived from the event.
	now func() time.Time
}

// NewRouter creates a message router over the given connection registry.
func NewRouter(sessions *session.Registry, conns interfaces.ConnRegistry, log *zap.Logger) *Router {
	return &Router{
		sessions: sessions,
		conns:    conns,
		limiter:  NewRateLimiter(),
		log:      log,
		now:      time.Now,
	}
}

// HandleEvent processes one inbound event. Events for terminated connections
// are dropped without effect.
func (r *Router) HandleEvent(conn interfaces.Conn, event string, data json.RawMessage) {
	if conn.State() == types.StateTerminated {
		return
	}

	switch event {
	case types.EventJoin:
		r.handleJoin(conn, data)
	case types.EventPublicMessage:
		r.handlePublicMessage(conn, data)
	case types.EventPrivateMessage:
		r.handlePrivateMessage(conn, data)
	default:
		// Unknown event names are ignored once authenticated. Before
		// authentication any traffic other than join is a protocol
		// violation: silent forced closure, no error notice.
		if conn.State() == types.StateUnauthenticated {
			r.forceClose(conn, "unauthenticated traffic", event)
		}
	}
}

// handleJoin authenticates a connection under a display name. A second join
// on an already-authenticated connection is ignored: no error, no transition.
func (r *Router) handleJoin(conn interfaces.Conn, data json.RawMessage) {
	if conn.State() == types.StateAuthenticated {
		return
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil || !types.IsValidDisplayName(name) {
		// Invalid join name is the one violation that gets an error notice
		// before the forced closure.
		r.sendError(conn, errInvalidUsername)
		r.forceClose(conn, "invalid join name", types.EventJoin)
		return
	}

	trimmed := strings.TrimSpace(name)
	if err := conn.Authenticate(trimmed); err != nil {
		if errors.Is(err, interfaces.ErrAlreadyAuthenticated) {
			return
		}
		return // terminated underneath us, drop
	}

	if err := r.sessions.Bind(conn.ID(), trimmed); err != nil {
		r.log.Error("session bind failed",
			zap.String("connection_id", conn.ID()), zap.Error(err))
		return
	}

	r.log.Info("user joined",
		zap.String("connection_id", conn.ID()), zap.String("username", trimmed))

	// Private acknowledgement first, then the broadcast the joiner also sees.
	r.send(conn, types.EventJoinSuccess, types.JoinSuccess{Username: trimmed})
	r.conns.Broadcast(types.EventUserJoined, types.UserJoined{
		Username: trimmed,
		Count:    r.sessions.Count(),
	})
}

// handlePublicMessage validates and broadcasts a public message to all
// connections, including the sender.
func (r *Router) handlePublicMessage(conn interfaces.Conn, data json.RawMessage) {
	if conn.State() != types.StateAuthenticated {
		r.forceClose(conn, "unauthenticated traffic", types.EventPublicMessage)
		return
	}

	now := r.now()

	var text string
	if err := json.Unmarshal(data, &text); err != nil || !types.IsValidMessageText(text) {
		r.sendError(conn, errInvalidMessage)
		return
	}

	if !r.limiter.CheckAndRecord(conn.ID(), now) {
		r.sendError(conn, errRateLimitExceeded)
		return
	}

	r.conns.Broadcast(types.EventPublicMessage, types.PublicMessage{
		Username:  conn.DisplayName(),
		Message:   strings.TrimSpace(text),
		Timestamp: now.UnixMilli(),
	})
}

// handlePrivateMessage resolves the recipient by display name and sends two
// distinct payloads: the delivery to the recipient and a receipt to the
// sender, both carrying the same timestamp.
func (r *Router) handlePrivateMessage(conn interfaces.Conn, data json.RawMessage) {
	if conn.State() != types.StateAuthenticated {
		r.forceClose(conn, "unauthenticated traffic", types.EventPrivateMessage)
		return
	}

	now := r.now()

	var req types.PrivateMessageRequest
	if err := json.Unmarshal(data, &req); err != nil || req.To == "" || req.Message == "" {
		r.sendError(conn, errInvalidRequest)
		return
	}

	// Recipient names obey the same rules as join names.
	if !types.IsValidMessageText(req.Message) || !types.IsValidDisplayName(req.To) {
		r.sendError(conn, errInvalidMessageOrRecipient)
		return
	}

	if !r.limiter.CheckAndRecord(conn.ID(), now) {
		r.sendError(conn, errRateLimitExceeded)
		return
	}

	targetID, ok := r.sessions.LookupByName(req.To)
	if !ok {
		r.sendError(conn, errUserNotFound)
		return
	}
	target, ok := r.conns.Get(targetID)
	if !ok {
		// Registry entry with no live connection means the target raced a
		// disconnect; report it like any unresolvable name.
		r.sendError(conn, errUserNotFound)
		return
	}

	to := strings.TrimSpace(req.To)
	message := strings.TrimSpace(req.Message)
	timestamp := now.UnixMilli()

	r.send(target, types.EventPrivateMessage, types.PrivateDelivery{
		From:      conn.DisplayName(),
		Message:   message,
		Timestamp: timestamp,
	})
	r.send(conn, types.EventPrivateMessage, types.PrivateReceipt{
		To:        to,
		Message:   message,
		Timestamp: timestamp,
		Sent:      true,
	})
}

// HandleDisconnect removes the connection from the session registry and the
// rate limiter, then broadcasts the departure if the connection had been
// authenticated. Idempotent: repeated calls have no additional effect.
func (r *Router) HandleDisconnect(conn interfaces.Conn) {
	name, wasBound := r.sessions.Unbind(conn.ID())
	r.limiter.Forget(conn.ID())
	conn.Terminate()

	if !wasBound {
		return
	}

	r.log.Info("user left",
		zap.String("connection_id", conn.ID()), zap.String("username", name))

	r.conns.Broadcast(types.EventUserLeft, types.UserLeft{
		Username: name,
		Count:    r.sessions.Count(),
	})
}

// forceClose terminates and closes a connection after a protocol violation.
// Registry cleanup still happens through the transport's disconnect notice.
func (r *Router) forceClose(conn interfaces.Conn, reason, event string) {
	r.log.Warn("forcing connection closed",
		zap.String("connection_id", conn.ID()),
		zap.String("reason", reason),
		zap.String("event", event))

	conn.Terminate()
	if err := conn.Close(); err != nil {
		r.log.Debug("close after violation failed",
			zap.String("connection_id", conn.ID()), zap.Error(err))
	}
}

func (r *Router) sendError(conn interfaces.Conn, message string) {
	r.send(conn, types.EventErrorMessage, types.ErrorMessage{Error: message})
}

func (r *Router) send(conn interfaces.Conn, event string, payload interface{}) {
	if err := conn.WriteEvent(event, payload); err != nil {
		r.log.Debug("outbound event dropped",
			zap.String("connection_id", conn.ID()),
			zap.String("event", event),
			zap.Error(err))
	}
}
