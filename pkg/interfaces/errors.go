package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionClosed = errors.New("session closed")
	ErrStoreClosed   = errors.New("store closed")
)
