package presence

import "errors"

var (
	ErrNilSession       = errors.New("session cannot be nil")
	ErrInvalidUserID    = errors.New("user id must be positive")
	ErrUnknownSession   = errors.New("session is not connected")
	ErrBoundToOtherUser = errors.New("session is already registered to another user")
	ErrEmptyRoom        = errors.New("room name cannot be empty")
)
