package websocket

import "errors"

// Connection-related errors
var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrInvalidJSON    = errors.New("invalid JSON data")
)

// Handler-related errors
var (
	ErrMalformedEnvelope = errors.New("malformed event envelope")
)
