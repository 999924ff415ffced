package interfaces

// Session is one live client connection as seen by the presence registry
// and the distribution engine.
type Session interface {
	// ID returns the handle id, unique for the lifetime of the process.
	ID() string

	// Send queues an event for delivery. It must never block; a full or
	// closed session returns an error and the event is dropped.
	Send(event string, payload interface{}) error

	// Close terminates the underlying transport.
	Close() error
}
