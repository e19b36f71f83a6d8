package pop3

// Event is a session lifecycle notification delivered synchronously to
// registered handlers from the calling task.
type Event interface {
	event()
}

// ConnectedEvent is emitted after a successful handshake, once the
// capability negotiation (and STLS upgrade, when applicable) completed.
type ConnectedEvent struct {
	Host     string
	Port     int
	Security Security
}

func (ConnectedEvent) event() {}

// DisconnectedEvent is emitted after the session closes, whether requested
// by the caller or forced by a transport or protocol failure.
type DisconnectedEvent struct {
	Host     string
	Port     int
	Security Security

	// IsRequested is true for a caller-initiated disconnect.
	IsRequested bool
}

func (DisconnectedEvent) event() {}

// EventHandler receives session events.
type EventHandler func(Event)
