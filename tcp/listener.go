package tcp

import (
	"errors"
	"sync"

	"github.com/mtcpstack/mtcpstack/wire"
)

var ErrPortInUse = errors.New("tcp: port already listening")

// Listener accepts inbound connections on one local port. rcvBufSize and
// rawRecv are templates applied to every accepted connection (TcpSocket's
// rcvBufSize inheritance from the listening socket, see SPEC_FULL.md
// supplemented feature on listener rcvBufSize templating).
//
// Half-open and not-yet-claimed connections sit in pending, polled by
// Accept; nothing here spawns a goroutine to wait out the handshake, since
// the whole stack's single drive loop already advances every connection's
// state (including pendingAccept) on every Drive call.
type Listener struct {
	stack      *Stack
	port       uint16
	rcvBufSize int
	rawRecv    bool
	backlogCap int

	mu      sync.Mutex
	pending []*Conn
}

// Listen starts accepting connections on port with the given accept
// backlog depth and default receive buffer size for accepted connections.
func (s *Stack) Listen(port uint16, backlog int, rcvBufSize int) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[port]; exists {
		return nil, ErrPortInUse
	}
	if rcvBufSize <= 0 {
		rcvBufSize = defaultRecvBufSize
	}
	if backlog <= 0 {
		backlog = 1
	}
	l := &Listener{
		stack:      s,
		port:       port,
		rcvBufSize: rcvBufSize,
		backlogCap: backlog,
	}
	s.listeners[port] = l
	return l, nil
}

// UseRawRecvMode makes every connection this listener accepts start in
// raw-packet-queue receive mode (each segment's payload is copied), matching TCP.CPP's rcvBufSize==0
// listening-socket configuration. Call before any SYN has arrived.
func (l *Listener) UseRawRecvMode() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rawRecv = true
}

// Close stops accepting new connections on this port. Connections already
// handed to Accept are unaffected; anything still sitting in the pending
// backlog (never claimed by the application) is torn down outright,
// matching TcpSocket::destroy's pendingAccept branch.
func (l *Listener) Close() {
	l.stack.mu.Lock()
	delete(l.stack.listeners, l.port)
	l.stack.mu.Unlock()

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		c.destroy()
		l.stack.removeConn(c)
	}
}

// Accept pops one ESTABLISHED-and-unclaimed connection from the backlog
// without blocking, returning ok=false if none is ready yet. Any pending
// connection that died (reset, or gave up) before ever reaching ESTABLISHED
// is pruned here rather than left to leak.
func (l *Listener) Accept() (*Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.pending[:0]
	var accepted *Conn
	for _, c := range l.pending {
		c.mu.Lock()
		closed := c.state.isClosed()
		ready := c.pendingAccept
		c.mu.Unlock()
		switch {
		case closed:
			l.stack.removeConn(c)
		case accepted == nil && ready:
			accepted = c
		default:
			kept = append(kept, c)
		}
	}
	l.pending = kept

	if accepted == nil {
		return nil, false
	}
	accepted.mu.Lock()
	accepted.pendingAccept = false
	accepted.acceptedByApp = true
	accepted.mu.Unlock()
	return accepted, true
}

// acceptSyn handles an inbound SYN addressed to this listener's port: it
// creates a half-open connection, replies SYN-ACK, and adds it to the
// pending backlog. The connection flags itself pendingAccept once its own
// state reaches ESTABLISHED (see Conn.setState); Accept polls for that
// rather than being pushed to via a channel. Matches TcpSocket::processSyn
// (guarded by TCP_LISTEN_CODE in the original).
func (l *Listener) acceptSyn(s *Stack, src [4]byte, th wire.TCPHeader) {
	l.mu.Lock()
	if len(l.pending) >= l.backlogCap {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	c := newConn(s, l.port, th.SrcPort, src)
	c.listener = l
	c.recvBufCap = l.rcvBufSize
	c.rcvWND = uint32(l.rcvBufSize)
	c.rawRecvMode = l.rawRecv
	c.irs = th.Seq
	c.rcvNXT = th.Seq + 1
	c.sndWND = uint32(th.Window)
	c.iss = randomISN()
	c.sndUNA = c.iss
	c.sndNXT = c.iss + 1
	c.setState(StateSynReceived)

	s.mu.Lock()
	s.conns[c.key()] = c
	s.mu.Unlock()

	l.mu.Lock()
	l.pending = append(l.pending, c)
	l.mu.Unlock()

	c.mu.Lock()
	_ = c.send(s.ip, wire.TCPFlagSYN|wire.TCPFlagACK, c.iss, nil)
	c.mu.Unlock()
}
