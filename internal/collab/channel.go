package collab

// Channel is the outbound half of one client connection. Implementations
// must be comparable by identity (pointer receivers) so that a closed
// transport can be matched back to the participant that owns it.
type Channel interface {
	// ID identifies the connection in logs.
	ID() string
	// Send queues one encoded event. It must not block the caller.
	Send(data []byte) error
	// Closed reports whether the connection is already torn down.
	Closed() bool
}
