package router

// Wire error strings carried in error_message payloads. Clients key off the
// exact text, so these are part of the protocol.
const (
	errInvalidUsername           = "invalid username"
	errInvalidMessage            = "invalid message"
	errInvalidRequest            = "invalid request"
	errInvalidMessageOrRecipient = "invalid message or recipient"
	errRateLimitExceeded         = "rate limit exceeded"
	errUserNotFound              = "user not found"
)
