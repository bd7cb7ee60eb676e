package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/wire"
)

// connKey identifies one TCP connection. Listeners are not keyed by it;
// they live in Stack.listeners, keyed by local port alone.
type connKey struct {
	remoteIP   [4]byte
	remotePort uint16
	localPort  uint16
}

// Stack demultiplexes inbound TCP segments to listeners and established
// connections, and owns the periodic drive loop that retransmits, sends
// queued data, and ages out closed connections. Grounded on TCP.CPP's
// Tcp class (process/process2/drivePackets2) generalized from its single
// global socket table to an explicit per-connection map.
type Stack struct {
	ip *ipv4.Layer

	mu        sync.Mutex
	listeners map[uint16]*Listener
	conns     map[connKey]*Conn
}

// New creates the TCP stack and registers it with layer for wire.ProtoTCP.
func New(layer *ipv4.Layer) *Stack {
	s := &Stack{
		ip:        layer,
		listeners: make(map[uint16]*Listener),
		conns:     make(map[connKey]*Conn),
	}
	layer.RegisterProtocol(wire.ProtoTCP, s.process)
	return s
}

func randomISN() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Connect begins an active open to remoteIP:remotePort from localPort. The
// handshake completes asynchronously; use Conn.Established to observe it.
// Matches TcpSocket::connectNonBlocking's non-blocking contract.
func (s *Stack) Connect(localPort uint16, remoteIP [4]byte, remotePort uint16) *Conn {
	c := newConn(s, localPort, remotePort, remoteIP)
	c.iss = randomISN()
	c.sndUNA = c.iss
	c.sndNXT = c.iss + 1
	c.setState(StateSynSent)

	s.mu.Lock()
	s.conns[c.key()] = c
	s.mu.Unlock()

	c.mu.Lock()
	c.outq = append(c.outq, &outSegment{seq: c.iss, flags: wire.TCPFlagSYN})
	c.mu.Unlock()

	return c
}

func (s *Stack) process(src, dst [4]byte, payload []byte) {
	if len(payload) < wire.TCPHeaderMinLen {
		return
	}
	var th wire.TCPHeader
	th.Unmarshal(payload)
	hlen := th.HeaderLen()
	if hlen < wire.TCPHeaderMinLen || len(payload) < hlen {
		return
	}

	withZeroed := append([]byte{}, payload...)
	withZeroed[16], withZeroed[17] = 0, 0
	if wire.TransportChecksum(src, dst, wire.ProtoTCP, withZeroed) != th.Checksum {
		return
	}

	data := payload[hlen:]
	key := connKey{remoteIP: src, remotePort: th.SrcPort, localPort: th.DstPort}

	s.mu.Lock()
	conn, ok := s.conns[key]
	s.mu.Unlock()

	if ok {
		conn.handleSegment(s.ip, th, data)
		return
	}

	if th.Flags&wire.TCPFlagSYN != 0 && th.Flags&wire.TCPFlagACK == 0 {
		s.mu.Lock()
		l, hasListener := s.listeners[th.DstPort]
		s.mu.Unlock()
		if hasListener {
			l.acceptSyn(s, src, th)
			return
		}
	}

	if th.Flags&wire.TCPFlagRST == 0 {
		s.sendReset(src, th)
	}
}

func (s *Stack) sendReset(remoteIP [4]byte, th wire.TCPHeader) {
	rst := wire.TCPHeader{
		SrcPort: th.DstPort,
		DstPort: th.SrcPort,
		Seq:     th.Ack,
		Ack:     th.Seq + 1,
		Flags:   wire.TCPFlagRST | wire.TCPFlagACK,
	}
	rst.SetHeaderLen(wire.TCPHeaderMinLen)
	buf := make([]byte, wire.TCPHeaderMinLen)
	rst.Marshal(buf)
	rst.Checksum = wire.TransportChecksum(s.ip.LocalIP(), remoteIP, wire.ProtoTCP, buf)
	rst.Marshal(buf)
	_ = s.ip.Send(wire.ProtoTCP, remoteIP, buf)
}

func (s *Stack) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.key())
	s.mu.Unlock()
}

// Drive advances every live connection by one tick: flushing queued data
// within the peer's window, retransmitting overdue segments with
// Jacobson/Karn backoff, probing zero windows, and reaping connections that
// gave up retrying or finished TIME_WAIT. Matches Tcp::drivePackets2,
// generalized from a fixed socket array to the stack's connection map.
func (s *Stack) Drive(now time.Time) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.drive(s.ip, now)
		if c.State().isClosed() {
			s.removeConn(c)
		}
	}
}
