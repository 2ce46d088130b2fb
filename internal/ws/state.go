package ws

// Lifecycle of one connection. A connection only counts as a room
// member between Joined and the terminal cleanup; Leaving and
// Disconnected differ only in who initiated the shutdown, both funnel
// through the same cleanup path before Terminated.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateJoined
	StateLeaving
	StateDisconnected
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateDisconnected:
		return "disconnected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
