package dns

import (
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mtcpstack/mtcpstack/udp"
)

// Status is the outcome of Resolve: one of three values, modeled on
// Dns::resolve's return codes.
type Status int

const (
	StatusResolved  Status = iota // found via numeric address, cache, or hosts file
	StatusQuerySent               // no answer yet; a query is now in flight
	StatusBusy                    // another query is already in flight
)

const (
	localPort       = 12053
	resolverPort    = 53
	queryTimeout    = 5 * time.Second
	retryInterval   = 2 * time.Second
	maxQueryRetries = 3
	cacheMaxEntries = 32
)

type cacheEntry struct {
	ip      [4]byte
	updated time.Time
}

type pendingQuery struct {
	name     string
	ident    uint16
	started  time.Time
	lastSent time.Time
	retries  int
}

// Resolver is a recursive-only DNS client over one UDP stack. Grounded on
// Dns (DNS.CPP): a small name→address cache, an optional hosts-file
// overlay, and exactly one query in flight at a time.
type Resolver struct {
	udp        *udp.Stack
	nameserver [4]byte
	domain     string
	hosts      map[string][4]byte

	mu      sync.Mutex
	cache   []cacheEntry
	names   []string // parallel to cache, by index
	pending *pendingQuery

	now func() time.Time
}

// New creates a resolver bound to localPort on stack, querying nameserver.
// domain, if non-empty, is appended to single-label lookups that don't
// already have a dot, matching Dns::resolve's domain-suffix behavior.
func New(stack *udp.Stack, nameserver [4]byte, domain string) (*Resolver, error) {
	r := &Resolver{
		udp:        stack,
		nameserver: nameserver,
		domain:     domain,
		hosts:      make(map[string][4]byte),
		now:        time.Now,
	}
	if err := stack.Listen(localPort, r.handleResponse); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadHostsFile populates the hosts overlay from "ip name" lines, matching
// Dns::scanHostsFile.
func (r *Resolver) LoadHostsFile(lines []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		var addr [4]byte
		copy(addr[:], ip4)
		for _, name := range fields[1:] {
			r.hosts[strings.ToLower(name)] = addr
		}
	}
}

func parseNumeric(name string) ([4]byte, bool) {
	ip := net.ParseIP(name)
	if ip == nil {
		return [4]byte{}, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return [4]byte{}, false
	}
	var out [4]byte
	copy(out[:], ip4)
	return out, true
}

func (r *Resolver) findCacheLocked(name string) ([4]byte, bool) {
	for i, n := range r.names {
		if n == name {
			return r.cache[i].ip, true
		}
	}
	return [4]byte{}, false
}

func (r *Resolver) addOrUpdateLocked(name string, ip [4]byte, now time.Time) {
	for i, n := range r.names {
		if n == name {
			r.cache[i] = cacheEntry{ip: ip, updated: now}
			return
		}
	}
	if len(r.names) < cacheMaxEntries {
		r.names = append(r.names, name)
		r.cache = append(r.cache, cacheEntry{ip: ip, updated: now})
		return
	}
	oldest := 0
	for i := 1; i < len(r.cache); i++ {
		if r.cache[i].updated.Before(r.cache[oldest].updated) {
			oldest = i
		}
	}
	r.names[oldest] = name
	r.cache[oldest] = cacheEntry{ip: ip, updated: now}
}

// Resolve performs the numeric-address / cache / hosts-file short-circuit
// chain and, failing all three, starts (or reports an in-flight) query.
// Matches Dns::resolve's short-circuit order exactly.
func (r *Resolver) Resolve(name string) ([4]byte, Status, error) {
	if ip, ok := parseNumeric(name); ok {
		return ip, StatusResolved, nil
	}

	name = strings.ToLower(name)
	full := name
	if !strings.Contains(name, ".") && r.domain != "" {
		full = name + "." + r.domain
	}

	r.mu.Lock()
	if ip, ok := r.findCacheLocked(name); ok {
		r.mu.Unlock()
		return ip, StatusResolved, nil
	}
	if full != name {
		if ip, ok := r.findCacheLocked(full); ok {
			r.mu.Unlock()
			return ip, StatusResolved, nil
		}
	}
	if ip, ok := r.hosts[name]; ok {
		r.addOrUpdateLocked(name, ip, r.now())
		r.mu.Unlock()
		return ip, StatusResolved, nil
	}
	if full != name {
		if ip, ok := r.hosts[full]; ok {
			r.addOrUpdateLocked(name, ip, r.now())
			r.mu.Unlock()
			return ip, StatusResolved, nil
		}
	}

	if r.pending != nil {
		r.mu.Unlock()
		return [4]byte{}, StatusBusy, nil
	}

	ident := uint16(rand.Intn(1 << 16))
	now := r.now()
	r.pending = &pendingQuery{name: full, ident: ident, started: now, lastSent: now}
	r.mu.Unlock()

	// A deferred send (destination MAC not yet ARP-resolved) is not an
	// error here: Drive retries the query on its own schedule, matching
	// the non-blocking send contract used throughout this stack.
	_ = r.sendQuery(full, ident)
	return [4]byte{}, StatusQuerySent, nil
}

func (r *Resolver) sendQuery(name string, ident uint16) error {
	query, err := buildQuery(ident, name)
	if err != nil {
		return err
	}
	return r.udp.SendFrom(localPort, r.nameserver, resolverPort, query)
}

// Drive resends the in-flight query once per retryInterval, at most
// maxQueryRetries times, and abandons it once queryTimeout has elapsed
// since it started, matching Dns::drivePendingQuery1/2. Abandoning only
// clears the pending query; there are no waiters to notify, and a later
// Resolve of the same name starts a fresh query.
func (r *Resolver) Drive(now time.Time) {
	r.mu.Lock()
	p := r.pending
	if p == nil {
		r.mu.Unlock()
		return
	}
	if now.Sub(p.started) >= queryTimeout {
		r.pending = nil
		r.mu.Unlock()
		return
	}
	if now.Sub(p.lastSent) < retryInterval {
		r.mu.Unlock()
		return
	}
	if p.retries >= maxQueryRetries {
		r.mu.Unlock()
		return
	}
	p.retries++
	p.lastSent = now
	name, ident := p.name, p.ident
	r.mu.Unlock()

	_ = r.sendQuery(name, ident)
}

func (r *Resolver) handleResponse(srcIP [4]byte, srcPort uint16, payload []byte) {
	if len(payload) < headerLen {
		return
	}
	var hdr message
	hdr.unmarshalHeader(payload)

	r.mu.Lock()
	p := r.pending
	if p == nil || hdr.ident != p.ident || !hdr.qr {
		r.mu.Unlock()
		return
	}
	r.pending = nil

	if hdr.responseCode != 0 || hdr.numAnswers == 0 {
		r.mu.Unlock()
		return
	}

	ip, ok := firstAAnswer(payload, hdr)
	if ok {
		r.addOrUpdateLocked(p.name, ip, r.now())
	}
	r.mu.Unlock()
}

// firstAAnswer walks the question and answer sections of a response far
// enough to pull the first A record's address, matching the answer-walking
// portion of Dns::udpHandler.
func firstAAnswer(payload []byte, hdr message) ([4]byte, bool) {
	offset := headerLen
	for i := 0; i < int(hdr.numQuestions); i++ {
		_, next, err := decodeName(payload, offset)
		if err != nil || next+4 > len(payload) {
			return [4]byte{}, false
		}
		offset = next + 4 // QTYPE + QCLASS
	}

	for i := 0; i < int(hdr.numAnswers); i++ {
		_, next, err := decodeName(payload, offset)
		if err != nil || next+10 > len(payload) {
			return [4]byte{}, false
		}
		rrType := getU16(payload[next : next+2])
		rdlength := getU16(payload[next+8 : next+10])
		rdata := next + 10
		if rdata+int(rdlength) > len(payload) {
			return [4]byte{}, false
		}
		if rrType == QuestionTypeA && rdlength == 4 {
			var ip [4]byte
			copy(ip[:], payload[rdata:rdata+4])
			return ip, true
		}
		offset = rdata + int(rdlength)
	}
	return [4]byte{}, false
}
