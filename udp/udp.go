// Package udp implements a port-registration table over IPv4: bind a
// handler to a local port, send datagrams with the standard pseudo-header
// checksum (zero meaning "no checksum computed" is preserved as a valid
// receive case, matching the original's tolerant UDP receive checksum
// handling), matching spec.md §4.5.
package udp

import (
	"errors"
	"sync"

	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/wire"
)

var (
	ErrPortInUse   = errors.New("udp: port already bound")
	ErrNoListener  = errors.New("udp: no listener on port")
	ErrChecksum    = errors.New("udp: bad checksum")
)

// Handler receives one UDP datagram's payload.
type Handler func(srcIP [4]byte, srcPort uint16, payload []byte)

// Stack is the UDP layer: a port table over one IPv4 layer.
type Stack struct {
	ip *ipv4.Layer

	mu       sync.Mutex
	handlers map[uint16]Handler

	ChecksumErrors uint64
}

// New creates the UDP layer and registers it with layer for wire.ProtoUDP.
func New(layer *ipv4.Layer) *Stack {
	s := &Stack{ip: layer, handlers: make(map[uint16]Handler)}
	layer.RegisterProtocol(wire.ProtoUDP, s.process)
	return s
}

// Listen binds h to a local UDP port.
func (s *Stack) Listen(port uint16, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[port]; exists {
		return ErrPortInUse
	}
	s.handlers[port] = h
	return nil
}

// Close releases a bound port.
func (s *Stack) Close(port uint16) {
	s.mu.Lock()
	delete(s.handlers, port)
	s.mu.Unlock()
}

func (s *Stack) process(src, dst [4]byte, payload []byte) {
	if len(payload) < wire.UDPHeaderLen {
		return
	}
	var h wire.UDPHeader
	h.Unmarshal(payload)
	if int(h.Length) > len(payload) {
		return
	}
	segment := payload[:h.Length]

	if h.Checksum != 0 {
		withZeroed := append([]byte{}, segment...)
		withZeroed[6], withZeroed[7] = 0, 0
		if wire.TransportChecksum(src, dst, wire.ProtoUDP, withZeroed) != h.Checksum {
			s.ChecksumErrors++
			return
		}
	}

	s.mu.Lock()
	handler, ok := s.handlers[h.DstPort]
	s.mu.Unlock()
	if !ok {
		return
	}
	handler(src, h.SrcPort, segment[wire.UDPHeaderLen:])
}

// SendFrom transmits a UDP datagram from localPort to dst:dstPort.
func (s *Stack) SendFrom(localPort uint16, dst [4]byte, dstPort uint16, payload []byte) error {
	var h wire.UDPHeader
	h.SrcPort = localPort
	h.DstPort = dstPort
	h.Length = uint16(wire.UDPHeaderLen + len(payload))

	segment := make([]byte, wire.UDPHeaderLen+len(payload))
	h.Marshal(segment[:wire.UDPHeaderLen])
	copy(segment[wire.UDPHeaderLen:], payload)

	h.Checksum = wire.TransportChecksum(s.localIP(), dst, wire.ProtoUDP, segment)
	h.Marshal(segment[:wire.UDPHeaderLen])

	return s.ip.Send(wire.ProtoUDP, dst, segment)
}

func (s *Stack) localIP() [4]byte { return s.ip.LocalIP() }
