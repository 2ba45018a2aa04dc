package interfaces

// Connection is the room's view of one participant's duplex channel
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the room coordinator free of WebSocket types and lets tests use fakes
type Connection interface {
	// Send enqueues one pre-encoded text frame. It must never block; a full
	// or closed channel is reported as an error and treated as a delivery
	// failure by the caller.
	Send(data []byte) error

	// Close sends a close frame with the given code and reason, then releases
	// the underlying transport. Safe to call more than once.
	Close(code int, reason string) error
}
