// Package arp implements IPv4-to-Ethernet address resolution: a bounded
// cache, a pending-request table that holds the callbacks waiting on each
// unresolved target IP and retries/times it out, and reply-on-request for our own
// address. Grounded on spec.md §4.2 and ip_helper.go's ArpHeader/EthernetArp
// wire shape (original_source/ does not carry a separate ARP.CPP; its
// semantics are spec-only).
package arp

import (
	"sync"
	"time"

	"github.com/mtcpstack/mtcpstack/eth"
	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
	"github.com/mtcpstack/mtcpstack/wire"
)

const (
	// MaxRetries bounds how many times a pending request is resent before
	// it is given up on.
	MaxRetries = 4
	// RetryInterval is how long to wait between retransmits of a pending
	// ARP request.
	RetryInterval = 1 * time.Second
	// CacheTTL is how long a learned mapping is trusted before a fresh
	// resolve is required.
	CacheTTL = 10 * time.Minute
)

type cacheEntry struct {
	mac     link.MacAddr
	learned time.Time
}

type pendingRequest struct {
	retries     int
	nextAttempt time.Time
	waiters     []func(mac link.MacAddr, ok bool)
}

// Resolver is the stack's ARP table and request driver.
type Resolver struct {
	mu sync.Mutex

	myIP  [4]byte
	myMAC link.MacAddr
	disp  *eth.Dispatcher

	cache   map[[4]byte]cacheEntry
	pending map[[4]byte]*pendingRequest

	now func() time.Time
}

// New creates a Resolver for the given local address bound to disp, and
// registers itself as the dispatcher's EtherTypeARP handler.
func New(myIP [4]byte, myMAC link.MacAddr, disp *eth.Dispatcher) *Resolver {
	r := &Resolver{
		myIP:    myIP,
		myMAC:   myMAC,
		disp:    disp,
		cache:   make(map[[4]byte]cacheEntry),
		pending: make(map[[4]byte]*pendingRequest),
		now:     time.Now,
	}
	disp.RegisterEtherType(wire.EtherTypeARP, r.handleFrame)
	return r
}

// Resolve returns a cached MAC for ip, if present and not expired.
func (r *Resolver) Resolve(ip [4]byte) (link.MacAddr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[ip]
	if !ok || r.now().Sub(e.learned) > CacheTTL {
		return link.MacAddr{}, false
	}
	return e.mac, true
}

// RequestAndDefer resolves ip, invoking onResolve synchronously if it is
// already cached. Otherwise it registers onResolve to run once the pending
// request for ip completes (successfully or not, per spec's deferred-send
// contract: the caller's send is held up until resolution), sending an
// initial request if none is already outstanding for that IP.
func (r *Resolver) RequestAndDefer(ip [4]byte, onResolve func(mac link.MacAddr, ok bool)) {
	r.mu.Lock()
	if e, ok := r.cache[ip]; ok && r.now().Sub(e.learned) <= CacheTTL {
		mac := e.mac
		r.mu.Unlock()
		onResolve(mac, true)
		return
	}

	p, exists := r.pending[ip]
	if !exists {
		p = &pendingRequest{nextAttempt: r.now()}
		r.pending[ip] = p
	}
	p.waiters = append(p.waiters, onResolve)
	r.mu.Unlock()

	if !exists {
		r.sendRequest(ip)
	}
}

// EnsureRequested makes sure a resolution attempt for ip is in flight,
// without registering any callback. Used by senders that hold their own
// pending buffer and poll Resolve again on a later drive tick instead of
// waiting on a completion callback.
func (r *Resolver) EnsureRequested(ip [4]byte) {
	r.RequestAndDefer(ip, func(link.MacAddr, bool) {})
}

// Drive retries outstanding requests past their next-attempt deadline and
// gives up on (and notifies the waiters of) any that have exhausted
// MaxRetries. It does not touch the cache: an entry older than CacheTTL
// stays in the table and is only treated as missing by Resolve and
// RequestAndDefer.
func (r *Resolver) Drive() {
	now := r.now()

	var toResend [][4]byte
	var toFail []*pendingRequest

	r.mu.Lock()
	for ip, p := range r.pending {
		if now.Before(p.nextAttempt) {
			continue
		}
		if p.retries >= MaxRetries {
			toFail = append(toFail, p)
			delete(r.pending, ip)
			continue
		}
		p.retries++
		p.nextAttempt = now.Add(RetryInterval)
		toResend = append(toResend, ip)
	}
	r.mu.Unlock()

	for _, ip := range toResend {
		r.sendRequest(ip)
	}
	for _, p := range toFail {
		for _, w := range p.waiters {
			w(link.MacAddr{}, false)
		}
	}
}

func (r *Resolver) sendRequest(targetIP [4]byte) {
	pkt := wire.ArpPacket{
		HType: 1, PType: wire.EtherTypeIPv4, HLen: 6, PLen: 4, Op: wire.ArpRequest,
		SHA: r.myMAC, SPA: r.myIP,
		THA: link.MacAddr{}, TPA: targetIP,
	}
	r.sendARP(link.Broadcast, pkt)
}

func (r *Resolver) sendARP(dest link.MacAddr, a wire.ArpPacket) {
	frame := make([]byte, wire.EtherHeaderLen+wire.ArpPacketLen)
	eh := wire.EtherHeader{Dest: dest, Src: r.myMAC, Proto: wire.EtherTypeARP}
	eh.Marshal(frame[:wire.EtherHeaderLen])
	a.Marshal(frame[wire.EtherHeaderLen:])
	r.disp.Send(frame)
}

// handleFrame is the eth.Handler for EtherTypeARP frames.
func (r *Resolver) handleFrame(buf *pkt.Buffer, ehdr wire.EtherHeader, payload []byte) {
	defer r.disp.Free(buf)
	_ = ehdr
	if len(payload) < wire.ArpPacketLen {
		return
	}
	var a wire.ArpPacket
	a.Unmarshal(payload)

	// Learn the sender's mapping regardless of opcode.
	r.learn(a.SPA, a.SHA)

	switch a.Op {
	case wire.ArpRequest:
		if a.TPA == r.myIP {
			reply := wire.ArpPacket{
				HType: 1, PType: wire.EtherTypeIPv4, HLen: 6, PLen: 4, Op: wire.ArpReply,
				SHA: r.myMAC, SPA: r.myIP,
				THA: a.SHA, TPA: a.SPA,
			}
			r.sendARP(a.SHA, reply)
		}
	case wire.ArpReply:
		// handled by learn above; resolve waiters below
	}
}

func (r *Resolver) learn(ip [4]byte, mac link.MacAddr) {
	r.mu.Lock()
	r.cache[ip] = cacheEntry{mac: mac, learned: r.now()}
	p, ok := r.pending[ip]
	if ok {
		delete(r.pending, ip)
	}
	r.mu.Unlock()

	if ok {
		for _, w := range p.waiters {
			w(mac, true)
		}
	}
}
