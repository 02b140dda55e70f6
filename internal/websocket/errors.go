package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timed out")
	ErrInvalidPayload   = errors.New("payload cannot be encoded")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
)
