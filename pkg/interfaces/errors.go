package interfaces

import "errors"

// Common errors shared across Conn implementations
var (
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
	ErrConnectionTerminated = errors.New("connection terminated")
)
