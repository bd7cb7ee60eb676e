// Package pkt implements the fixed-size packet buffer pool and ingress ring
// that sit under the rest of the stack. Every frame the link driver hands us
// is copied into a Buffer taken from a single pre-allocated pool, so the
// receive path allocates no frame storage. Outgoing frames do not use the
// pool: the send path builds each one in a freshly allocated slice.
package pkt

import (
	"errors"
	"sync"
)

// MaxFrame is the largest Ethernet frame this stack will buffer, header
// through payload, matching the teacher's MAX_ETHER_FRAME.
const MaxFrame = 1514

// ErrPoolExhausted is returned by Pool.Get when the free-stack is empty.
var ErrPoolExhausted = errors.New("pkt: buffer pool exhausted")

// ErrRingFull is returned by Pool.Enqueue when the ingress ring has no room.
var ErrRingFull = errors.New("pkt: ingress ring full")

// Buffer is one fixed-size packet slot. Data holds the raw frame bytes;
// Len is how much of Data is valid.
type Buffer struct {
	Data [MaxFrame]byte
	Len  int

	// index is this buffer's slot number in the pool's backing array. It
	// never changes after allocation and is used only to push the buffer
	// back onto the free-stack without a linear search.
	index int
}

// Bytes returns the valid prefix of the buffer.
func (b *Buffer) Bytes() []byte { return b.Data[:b.Len] }

// Pool is a fixed-size free-stack paired with an SPSC ingress ring, the Go
// analogue of mTCP's Buffer_fs[]/Buffer[] pair in PACKET.CPP. The free-stack
// is where Get/Free operate; the ring is where the link driver's receive
// upcall enqueues incoming frames for the dispatch loop to drain.
//
// All pool and ring state is guarded by one mutex. The teacher's C original
// masked interrupts around the equivalent sections (Buffer_free, the
// receiver() upcall, Packet_process_internal's dequeue); a mutex is the
// direct Go translation since there is no interrupt controller to mask.
type Pool struct {
	mu sync.Mutex

	slots []Buffer
	free  []int // stack of free slot indices

	ring     []int // ring of slot indices awaiting dispatch
	ringHead int
	ringTail int
	ringLen  int

	receiving bool

	// stats, mirroring PACKET.CPP's Packets_dropped/received/sent counters
	LowFreeCount int // low-water mark of ever seen free count
	Dropped      uint32
}

// NewPool allocates a pool of n buffers and a ring able to hold n in-flight
// entries, matching the teacher's one-pool-sized-for-one-ring design.
func NewPool(n int) *Pool {
	if n <= 0 {
		panic("pkt: pool size must be positive")
	}
	p := &Pool{
		slots: make([]Buffer, n),
		free:  make([]int, n),
		ring:  make([]int, n),
	}
	for i := range p.slots {
		p.slots[i].index = i
		p.free[i] = i
	}
	p.LowFreeCount = n
	return p
}

// StartReceiving makes the pool's buffers available for allocation. Mirrors
// Buffer_startReceiving, which seeded the free index to the full pool size.
func (p *Pool) StartReceiving() {
	p.mu.Lock()
	p.receiving = true
	p.mu.Unlock()
}

// StopReceiving disables allocation without touching buffers already in
// flight. Mirrors Buffer_stopReceiving.
func (p *Pool) StopReceiving() {
	p.mu.Lock()
	p.receiving = false
	p.mu.Unlock()
}

// Get pops a free buffer for the link driver to fill with an incoming frame.
func (p *Pool) Get() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.receiving || len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	if len(p.free) < p.LowFreeCount {
		p.LowFreeCount = len(p.free)
	}
	buf := &p.slots[idx]
	buf.Len = 0
	return buf, nil
}

// Free returns a buffer to the free-stack. Safe to call from the link
// driver's receive upcall or from any dispatch-path consumer.
func (p *Pool) Free(buf *Buffer) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, buf.index)
	p.mu.Unlock()
}

// Enqueue commits a filled buffer onto the ingress ring for the dispatch
// loop to process. Called by the link driver's receive upcall once it has
// copied an incoming frame into a buffer obtained from Get.
func (p *Pool) Enqueue(buf *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ringLen == len(p.ring) {
		p.Dropped++
		return ErrRingFull
	}
	p.ring[p.ringTail] = buf.index
	p.ringTail = (p.ringTail + 1) % len(p.ring)
	p.ringLen++
	return nil
}

// Dequeue pops the oldest buffer off the ingress ring, or returns false if
// the ring is empty. Called by the stack's dispatch loop.
func (p *Pool) Dequeue() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ringLen == 0 {
		return nil, false
	}
	idx := p.ring[p.ringHead]
	p.ringHead = (p.ringHead + 1) % len(p.ring)
	p.ringLen--
	return &p.slots[idx], true
}

// Available reports the number of buffers currently on the free-stack.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
