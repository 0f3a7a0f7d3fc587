package tcpclient

// ConnectionState represents the current state of a Session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // No connection and no attempt in progress
	Connecting                          // Dial or automatic reconnect in progress
	Connected                           // Connection established
	Closing                             // Close requested, transport shutting down
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}
