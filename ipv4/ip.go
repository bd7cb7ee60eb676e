// Package ipv4 implements IPv4 header validation, checksum, routing,
// fragmentation on send, and reassembly on receive. Grounded on IP.CPP's
// Ip::process / IpHeader::set / IpHeader::setDestEth / makeBigPacket /
// processFragment.
package ipv4

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtcpstack/mtcpstack/arp"
	"github.com/mtcpstack/mtcpstack/eth"
	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
	"github.com/mtcpstack/mtcpstack/wire"
)

var (
	ErrChecksum = errors.New("ipv4: bad header checksum")
	ErrNoRoute  = errors.New("ipv4: no route to host")
	ErrTooLarge = errors.New("ipv4: payload exceeds maximum fragmentable size")
	// ErrDeferred is returned by Send when the destination MAC is not yet
	// cached. The caller owns retrying the send once ARP resolves
	// (spec.md §4.3: "IP's send helper returns a 'deferred' indication
	// rather than blocking"), the same contract TcpSocket::sendPacket
	// relies on via buf->pendingArp.
	ErrDeferred = errors.New("ipv4: destination MAC not yet resolved")
)

// Handler processes one reassembled (or unfragmented) IPv4 datagram's
// payload for a given upper-layer protocol.
type Handler func(src, dst [4]byte, payload []byte)

// Config carries the addressing the stack was configured with, mirroring
// the original's global MyIpAddr/Netmask/Gateway.
type Config struct {
	MyIP    [4]byte
	Netmask [4]byte
	Gateway [4]byte
	MTU     int // Ethernet payload MTU, e.g. 1500
}

// Layer is the IPv4 protocol layer: it owns outgoing IDENT assignment, the
// fragment reassembly table, protocol demultiplexing, and routing/ARP
// integration for the send path.
type Layer struct {
	cfg  Config
	disp *eth.Dispatcher
	arp  *arp.Resolver

	identCounter uint32

	mu       sync.Mutex
	handlers map[uint8]Handler
	reas     *reassembler

	ChecksumErrors uint64
}

// New creates the IPv4 layer and registers it as the dispatcher's
// EtherTypeIPv4 handler.
func New(cfg Config, disp *eth.Dispatcher, resolver *arp.Resolver) *Layer {
	l := &Layer{
		cfg:      cfg,
		disp:     disp,
		arp:      resolver,
		handlers: make(map[uint8]Handler),
		reas:     newReassembler(),
	}
	disp.RegisterEtherType(wire.EtherTypeIPv4, l.handleFrame)
	return l
}

// LocalIP returns the address this layer was configured with.
func (l *Layer) LocalIP() [4]byte { return l.cfg.MyIP }

// RegisterProtocol installs the handler for one IP protocol number (ICMP,
// TCP, UDP), matching the original's protocol demux in Ip::process.
func (l *Layer) RegisterProtocol(proto uint8, h Handler) {
	l.mu.Lock()
	l.handlers[proto] = h
	l.mu.Unlock()
}

// Drive sweeps the reassembly table for overdue partial datagrams, matching
// Ip::purgeOverdue. Called periodically by the stack's drive routine.
func (l *Layer) Drive(now time.Time) {
	l.mu.Lock()
	l.reas.purgeOverdue(now)
	l.mu.Unlock()
}

func (l *Layer) handleFrame(buf *pkt.Buffer, ehdr wire.EtherHeader, payload []byte) {
	defer l.disp.Free(buf)

	if len(payload) < wire.IPHeaderMinLen {
		return
	}

	var h wire.IPHeader
	h.Unmarshal(payload)
	ihl := h.IHL() * 4
	if ihl < wire.IPHeaderMinLen || len(payload) < ihl {
		return
	}
	total := int(h.TotalLength)
	if total < ihl || total > len(payload) {
		total = len(payload)
	}

	if wire.Checksum(payload[:ihl]) != 0 {
		l.ChecksumErrors++
		return
	}

	body := payload[ihl:total]

	if h.MoreFragments() || h.FragmentOffset() != 0 {
		l.mu.Lock()
		reassembled, hdrBytes, complete := l.reas.insert(h.Src, h.Ident, int(h.FragmentOffset())*8, body, h.MoreFragments(), append([]byte{}, payload[:ihl]...), time.Now())
		l.mu.Unlock()
		if !complete {
			return
		}
		// Build the reassembled datagram's header from the first
		// fragment's header, total length updated, checksum left at
		// zero rather than recomputed — matches makeBigPacket exactly
		// (see SPEC_FULL.md supplemented feature #1).
		var rh wire.IPHeader
		rh.Unmarshal(hdrBytes)
		rh.TotalLength = uint16(ihl + len(reassembled))
		rh.FlagsFrag = 0
		rh.Checksum = 0
		l.deliver(rh, reassembled)
		return
	}

	l.deliver(h, body)
}

func (l *Layer) deliver(h wire.IPHeader, body []byte) {
	l.mu.Lock()
	handler, ok := l.handlers[h.Protocol]
	l.mu.Unlock()
	if !ok {
		return
	}
	handler(h.Src, h.Dst, body)
}

// nextIdent returns the next outgoing IP identification value. Unlike the
// original's global counter that only advances for the first fragment of a
// multi-fragment send, each call here returns a fresh value; Send only
// calls it once per datagram and reuses it across that datagram's
// fragments, preserving the "one IDENT per original datagram" invariant.
func (l *Layer) nextIdent() uint16 {
	return uint16(atomic.AddUint32(&l.identCounter, 1))
}

// sameSubnet reports whether ip is on our local network per cfg.Netmask.
func (l *Layer) sameSubnet(ip [4]byte) bool {
	for i := 0; i < 4; i++ {
		if ip[i]&l.cfg.Netmask[i] != l.cfg.MyIP[i]&l.cfg.Netmask[i] {
			return false
		}
	}
	return true
}

func (l *Layer) nextHop(dst [4]byte) [4]byte {
	if l.sameSubnet(dst) {
		return dst
	}
	return l.cfg.Gateway
}

// Send builds and transmits an IPv4 datagram carrying payload for the given
// upper-layer protocol, fragmenting if payload doesn't fit in one frame and
// resolving the destination MAC via ARP (deferring the send if resolution
// is pending), matching IpHeader::set / IpHeader::setDestEth and the
// fragmentation logic referenced in spec.md §4.3.
func (l *Layer) Send(proto uint8, dst [4]byte, payload []byte) error {
	maxPayload := l.cfg.MTU - wire.IPHeaderMinLen
	if maxPayload <= 0 {
		return ErrTooLarge
	}

	ident := l.nextIdent()

	if len(payload) <= maxPayload {
		return l.sendDatagram(proto, dst, ident, 0, false, payload)
	}

	// Fragment on 8-byte boundaries.
	fragUnit := maxPayload &^ 7
	if fragUnit == 0 {
		return ErrTooLarge
	}
	for offset := 0; offset < len(payload); offset += fragUnit {
		end := offset + fragUnit
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		if err := l.sendDatagram(proto, dst, ident, offset, more, payload[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) sendDatagram(proto uint8, dst [4]byte, ident uint16, fragOffset int, moreFrags bool, body []byte) error {
	var h wire.IPHeader
	h.SetVersionIHL(4, 5)
	h.TotalLength = uint16(wire.IPHeaderMinLen + len(body))
	h.Ident = ident
	flagsFrag := uint16(fragOffset / 8)
	if moreFrags {
		flagsFrag |= 0x2000
	}
	h.FlagsFrag = flagsFrag
	h.TTL = 64
	h.Protocol = proto
	h.Src = l.cfg.MyIP
	h.Dst = dst

	hdrBytes := make([]byte, wire.IPHeaderMinLen)
	h.Marshal(hdrBytes)
	h.Checksum = wire.Checksum(hdrBytes)
	h.Marshal(hdrBytes)

	datagram := append(hdrBytes, body...)

	return l.sendEthernet(dst, datagram)
}

func (l *Layer) sendEthernet(dst [4]byte, datagram []byte) error {
	destMAC, isBroadcast := l.ethDest(dst)
	if isBroadcast {
		return l.frameAndSend(destMAC, datagram)
	}

	hop := l.nextHop(dst)
	if mac, ok := l.arp.Resolve(hop); ok {
		return l.frameAndSend(mac, datagram)
	}

	// Not cached: kick off (or piggyback on) an ARP request and tell the
	// caller to hold this datagram and retry, rather than blocking here.
	l.arp.EnsureRequested(hop)
	return ErrDeferred
}

func (l *Layer) ethDest(dst [4]byte) (link.MacAddr, bool) {
	if dst == [4]byte{255, 255, 255, 255} {
		return link.Broadcast, true
	}
	return link.MacAddr{}, false
}

func (l *Layer) frameAndSend(dest link.MacAddr, datagram []byte) error {
	frame := make([]byte, wire.EtherHeaderLen+len(datagram))
	eh := wire.EtherHeader{Dest: dest, Src: l.disp.LocalMAC(), Proto: wire.EtherTypeIPv4}
	eh.Marshal(frame[:wire.EtherHeaderLen])
	copy(frame[wire.EtherHeaderLen:], datagram)
	return l.disp.Send(frame)
}
