package session

import "errors"

// Registry error types
var (
	ErrAlreadyBound = errors.New("connection id already bound to a display name")
)
