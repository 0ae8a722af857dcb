// Package channel implements the Send and Receive handlers: the two
// connection-owning halves a Supervisor composes into a dual-channel
// session.
package channel

// State is the lifecycle of a single connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	SignedOn
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case SignedOn:
		return "SIGNED_ON"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Stats is the Send or Receive handler's running counters.
type Stats struct {
	MessagesSent   int64
	MessagesRead   int64
	Matched        int64
	Unsolicited    int64
}
