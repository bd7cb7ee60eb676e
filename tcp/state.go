package tcp

// State is a tagged connection state, not a bare int, so a state value
// cannot be confused with an arbitrary integer. Grounded on
// TcpSocket::StateDesc[] (TCP.CPP), extended with three pending-close
// pseudo-states the original tracks via separate pendingFin/pendingClose
// booleans layered on top of the RFC793 states; folding them into the state
// value itself keeps the close condition in the state. Transitions are made
// directly by the code in conn.go, process.go and drive.go; there is no
// transition table.
type State struct {
	name string
}

func (s State) String() string { return s.name }

var (
	StateClosed      = State{"CLOSED"}
	StateListen      = State{"LISTEN"}
	StateSynSent     = State{"SYN_SENT"}
	StateSynReceived = State{"SYN_RECEIVED"}
	StateEstablished = State{"ESTABLISHED"}
	StateFinWait1    = State{"FIN_WAIT_1"}
	StateFinWait2    = State{"FIN_WAIT_2"}
	StateCloseWait   = State{"CLOSE_WAIT"}
	StateClosing     = State{"CLOSING"}
	StateLastAck     = State{"LAST_ACK"}
	StateTimeWait    = State{"TIME_WAIT"}

	// Pending-close pseudo-states: the application asked to close, but
	// unsent data is still queued, so the FIN itself hasn't gone out yet.
	// They collapse into their real-state counterpart as soon as the send
	// queue drains and the FIN is actually transmitted (closeLocal in
	// TCP.CPP).
	StateFinWait1Pending = State{"FIN_WAIT_1_PENDING"}
	StateClosingPending  = State{"CLOSING_PENDING"}
	StateLastAckPending  = State{"LAST_ACK_PENDING"}
)

func (s State) isClosed() bool { return s == StateClosed }

func (s State) canSend() bool {
	switch s {
	case StateEstablished, StateCloseWait, StateFinWait1Pending, StateClosingPending, StateLastAckPending:
		return true
	}
	return false
}

func (s State) canReceive() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, StateFinWait1Pending,
		StateSynReceived:
		return true
	}
	return false
}

func (s State) hasPendingFin() bool {
	switch s {
	case StateFinWait1Pending, StateClosingPending, StateLastAckPending:
		return true
	}
	return false
}

// resolvePendingFin returns the real state this pseudo-state becomes once
// the FIN is actually sent.
func (s State) resolvePendingFin() State {
	switch s {
	case StateFinWait1Pending:
		return StateFinWait1
	case StateClosingPending:
		return StateClosing
	case StateLastAckPending:
		return StateLastAck
	}
	return s
}
