package pop3

// State represents the current state in the POP3 client state machine.
type State int

const (
	// StateDisconnected means no transport is established.
	StateDisconnected State = iota

	// StateConnected means the greeting was received but the session is not
	// yet authenticated (the server's AUTHORIZATION state).
	StateConnected

	// StateTransaction means the session is authenticated and mailbox
	// commands are available.
	StateTransaction

	// StateClosing means QUIT has been sent and the session is winding down.
	StateClosing
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateTransaction:
		return "TRANSACTION"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}
