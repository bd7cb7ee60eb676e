// Package tcp implements the TCP connection state machine, windowed
// sliding-window send/receive, Jacobson/Karn retransmission timing, and a
// passive listener/accept path, all driven by periodic non-blocking Drive
// calls rather than blocking I/O. Grounded throughout on TCP.CPP's
// TcpSocket/Tcp class: sendPacket, process/process2, processPacketData,
// removeSentPackets, addToRcvBuf, drivePackets2, closeLocal, destroy.
package tcp

import (
	"errors"
	"sync"
	"time"

	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/wire"
)

var (
	ErrNotConnected  = errors.New("tcp: connection not established")
	ErrClosed        = errors.New("tcp: connection closed")
	ErrConnReset     = errors.New("tcp: connection reset by peer")
	ErrSendQueueFull = errors.New("tcp: send queue full")

	// maxRetries caps how many times an unacked segment is retransmitted
	// before the connection is abandoned, matching the original's
	// TCP_RETRY_COUNT give-up threshold.
	maxRetries = 8

	// smallWindowRecoveryCount is how many consecutive good packets must
	// arrive before the small-window flag clears, matching the asymmetric
	// hysteresis in TcpSocket::processPacketData (see SPEC_FULL.md
	// supplemented feature on TCP small-window hysteresis).
	smallWindowRecoveryCount = 50

	// smallWindowErrThreshold is how many consecutive sequence/ack errors
	// arm the small-window flag, matching TCP.CPP's
	// consecutiveSeqErrs > 4 check.
	smallWindowErrThreshold = 4

	defaultSendBufSize = 16 * 1024
	defaultRecvBufSize = 16 * 1024

	maxSegmentPayload = 1024

	// rawRecvQueueMax bounds the raw-packet receive queue; once full,
	// further in-order segments are dropped without being ACKed, so the
	// peer retransmits after the application drains RecvRaw.
	rawRecvQueueMax = 32
)

// outSegment is one unacknowledged (or not-yet-sent) outgoing segment
// sitting in the retransmission queue.
type outSegment struct {
	seq         uint32
	data        []byte
	flags       uint8
	sentAt      time.Time
	sent        bool
	retransmits int
	ackOnly     bool
}

// Conn is one TCP connection endpoint.
type Conn struct {
	stack *Stack

	mu sync.Mutex

	localPort, remotePort uint16
	remoteIP              [4]byte

	state State

	iss, irs uint32
	sndUNA   uint32 // oldest unacked sequence
	sndNXT   uint32 // next sequence to send
	sndWND   uint32 // peer's advertised window, in bytes

	rcvNXT uint32 // next expected sequence
	rcvWND uint32 // our advertised window, in bytes

	sendBuf    []byte // unsent application bytes, FIFO
	sendBufCap int
	outq       []*outSegment // in-flight + queued segments, seq order

	recvBuf    []byte // delivered, unread application bytes
	recvBufCap int

	// rawRecvMode switches the receive path from the recvBuf byte stream
	// to the per-segment raw-packet-queue path (rawRecvQueue), matching
	// TCP.CPP's rcvBufSize == 0 branch. Each queued segment is a copy of
	// the payload; the ingress buffer itself is returned to the pool.
	rawRecvMode  bool
	rawRecvQueue [][]byte

	rtt *rttEstimator

	smallWindow          bool
	consecutiveGoodPacks int
	consecutiveSeqErrs   int

	pendingAckOnly bool // an unsent bare-ACK is the only thing queued

	zeroWindowProbeAt time.Time
	timeWaitStart     time.Time

	closeRequested bool
	reset          bool

	listener      *Listener // non-nil for connections created by Listener.acceptSyn
	pendingAccept bool      // reached ESTABLISHED but not yet claimed via Listener.Accept
	acceptedByApp bool      // for listener children: has the app called Accept and taken ownership

	established     chan struct{}
	establishedOnce sync.Once

	readable chan struct{}

	now func() time.Time
}

func newConn(stack *Stack, localPort, remotePort uint16, remoteIP [4]byte) *Conn {
	return &Conn{
		stack:       stack,
		localPort:   localPort,
		remotePort:  remotePort,
		remoteIP:    remoteIP,
		state:       StateClosed,
		sendBufCap:  defaultSendBufSize,
		recvBufCap:  defaultRecvBufSize,
		rcvWND:      uint32(defaultRecvBufSize),
		rtt:         newRTTEstimator(),
		established: make(chan struct{}),
		readable:    make(chan struct{}, 1),
		now:         time.Now,
	}
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	wasEstablished := c.state == StateEstablished
	c.state = s
	if !wasEstablished && s == StateEstablished {
		c.establishedOnce.Do(func() { close(c.established) })
		if c.listener != nil {
			c.pendingAccept = true
		}
	}
}

// Established returns a channel that's closed once the three-way handshake
// completes, for callers that want to block on it with a select/context.
// This is a passive, non-blocking signal only: nothing drives it but the
// connection's own state transition inside the existing Drive/process
// call path, so reading it adds no second thread of control.
func (c *Conn) Established() <-chan struct{} {
	return c.established
}

// UseRawRecvMode switches this connection to the raw-packet-queue receive
// path: each accepted segment's payload is copied and queued whole for
// RecvRaw instead of being appended to recvBuf. Call it before data starts arriving (e.g.
// right after Connect, or against a Listener template before Accept) since
// switching mid-connection strands any data already sitting in the other
// path's queue.
func (c *Conn) UseRawRecvMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rawRecvMode = true
}

// RecvRaw returns the next whole segment accepted in raw receive mode,
// transferring ownership of the returned slice to the caller. ok is false
// if nothing is queued. Matches the "incoming ring of ingress packets"
// receive path used when no receive buffer is allocated.
func (c *Conn) RecvRaw() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rawRecvQueue) == 0 {
		return nil, false
	}
	seg := c.rawRecvQueue[0]
	c.rawRecvQueue = c.rawRecvQueue[1:]
	return seg, true
}

// Send queues data for transmission, returning the number of bytes actually
// accepted (bounded by remaining send-buffer room), matching
// TcpSocket::enqueue's non-blocking, partial-accept contract.
func (c *Conn) Send(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reset {
		return 0, ErrConnReset
	}
	if c.state.isClosed() {
		return 0, ErrClosed
	}
	if !c.state.canSend() {
		return 0, ErrNotConnected
	}

	room := c.sendBufCap - len(c.sendBuf)
	if room <= 0 {
		return 0, ErrSendQueueFull
	}
	n := len(data)
	if n > room {
		n = room
	}
	c.sendBuf = append(c.sendBuf, data[:n]...)

	// Queuing real data means any not-yet-sent bare ACK is now redundant:
	// the data segment's own ACK field covers it. Only applies to queued
	// (unsent) segments, never ones already on the wire.
	if n > 0 && c.pendingAckOnly {
		c.dropQueuedAckOnlyLocked()
	}
	return n, nil
}

func (c *Conn) dropQueuedAckOnlyLocked() {
	kept := c.outq[:0]
	for _, seg := range c.outq {
		if seg.ackOnly && !seg.sent {
			continue
		}
		kept = append(kept, seg)
	}
	c.outq = kept
	c.pendingAckOnly = false
}

// Recv copies up to len(buf) bytes of delivered data into buf, returning 0
// without blocking if nothing is available yet.
func (c *Conn) Recv(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.recvBuf) == 0 {
		if c.reset {
			return 0, ErrConnReset
		}
		if c.state.isClosed() {
			return 0, ErrClosed
		}
		return 0, nil
	}
	n := copy(buf, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}

// Readable signals (non-blockingly) when new data has been delivered.
func (c *Conn) Readable() <-chan struct{} { return c.readable }

func (c *Conn) notifyReadable() {
	select {
	case c.readable <- struct{}{}:
	default:
	}
}

// Close begins an orderly close from ESTABLISHED or CLOSE_WAIT: if unsent
// data remains queued, the FIN is deferred until the queue drains
// (closeLocal's pending-FIN behavior); otherwise the FIN goes out on the
// next Drive tick. In any other state Close only records the request and
// leaves the state and send queue unchanged.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.isClosed() {
		return nil
	}
	c.closeRequested = true

	switch c.state {
	case StateEstablished:
		if len(c.sendBuf) > 0 || hasUnsent(c.outq) {
			c.setState(StateFinWait1Pending)
		} else {
			c.setState(StateFinWait1)
			c.enqueueFinLocked()
		}
	case StateCloseWait:
		if len(c.sendBuf) > 0 || hasUnsent(c.outq) {
			c.setState(StateLastAckPending)
		} else {
			c.setState(StateLastAck)
			c.enqueueFinLocked()
		}
	}
	return nil
}

// enqueueFinLocked appends the connection's FIN segment to the retransmit
// queue; the caller must already be in a real (non-pending) post-close
// state.
func (c *Conn) enqueueFinLocked() {
	c.outq = append(c.outq, &outSegment{seq: c.sndNXT, flags: wire.TCPFlagFIN | wire.TCPFlagACK})
	c.sndNXT++
}

func hasUnsent(outq []*outSegment) bool {
	for _, s := range outq {
		if !s.sent {
			return true
		}
	}
	return false
}

// destroy tears down local bookkeeping. Its only caller is Listener.Close,
// for connections still sitting in the listener's backlog (never handed to
// Accept), matching TcpSocket::destroy's pendingAccept branch. Accepted
// connections are never destroyed here: they reach StateClosed through the
// state machine and Stack.Drive drops them from the connection table (see
// SPEC_FULL.md supplemented feature on listener/destroy asymmetry).
func (c *Conn) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateClosed)
	c.outq = nil
	c.sendBuf = nil
	c.recvBuf = nil
}

func (c *Conn) key() connKey {
	return connKey{remoteIP: c.remoteIP, remotePort: c.remotePort, localPort: c.localPort}
}

func (c *Conn) send(h *ipv4.Layer, flags uint8, seq uint32, data []byte) error {
	th := wire.TCPHeader{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		Seq:     seq,
		Ack:     c.rcvNXT,
		Flags:   flags,
		Window:  uint16(c.advertisedWindow()),
	}
	th.SetHeaderLen(wire.TCPHeaderMinLen)

	segment := make([]byte, wire.TCPHeaderMinLen+len(data))
	th.Marshal(segment[:wire.TCPHeaderMinLen])
	copy(segment[wire.TCPHeaderMinLen:], data)

	th.Checksum = wire.TransportChecksum(c.stack.ip.LocalIP(), c.remoteIP, wire.ProtoTCP, segment)
	th.Marshal(segment[:wire.TCPHeaderMinLen])

	return h.Send(wire.ProtoTCP, c.remoteIP, segment)
}

// advertisedWindow reports the window to put on the next outgoing segment:
// receive_buffer_free in copying mode, or a fixed 4×MSS when no receive
// buffer is used (raw-packet-queue mode) — matching TcpSocket::sendPacket's
// winSize = rcvBufSize ? (rcvBufSize - rcvBufEntries) : (MSS_to_advertise<<2).
// Either way, the small-window flag (armed/cleared by registerSeqErrorLocked
// and registerGoodPacketLocked from consecutive sequence-error/good-packet
// counts, not from buffer occupancy) clamps the result to one MSS.
func (c *Conn) advertisedWindow() uint32 {
	var room uint32
	if c.rawRecvMode {
		room = uint32(maxSegmentPayload) * 4
	} else {
		free := c.recvBufCap - len(c.recvBuf)
		if free < 0 {
			free = 0
		}
		room = uint32(free)
	}
	if c.smallWindow {
		return uint32(maxSegmentPayload)
	}
	return room
}

// registerGoodPacketLocked records a segment whose sequence and ack were
// both acceptable, matching TCP.CPP's good-packet branch: the error streak
// resets immediately, and the small-window flag only clears after a long
// enough run of good packets (the asymmetric hysteresis).
func (c *Conn) registerGoodPacketLocked() {
	c.consecutiveSeqErrs = 0
	if c.consecutiveGoodPacks < 255 {
		c.consecutiveGoodPacks++
	}
	if c.smallWindow && c.consecutiveGoodPacks > smallWindowRecoveryCount {
		c.smallWindow = false
	}
}

// registerSeqErrorLocked records a segment with an out-of-window sequence
// or ack, matching TCP.CPP's error branch: the good-packet streak resets
// immediately, and the small-window flag arms once enough consecutive
// errors have piled up.
func (c *Conn) registerSeqErrorLocked() {
	c.consecutiveGoodPacks = 0
	if c.consecutiveSeqErrs < 255 {
		c.consecutiveSeqErrs++
	}
	if c.consecutiveSeqErrs > smallWindowErrThreshold {
		c.smallWindow = true
	}
}
