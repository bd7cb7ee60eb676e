// Package eth implements Ethernet frame dispatch: a table of handlers keyed
// by EtherType plus an optional default handler, and the padded,
// retrying send path. Grounded on PACKET.CPP's Packet_registerEtherType /
// Packet_process_internal / Packet_send_pkt.
package eth

import (
	"errors"
	"fmt"

	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
	"github.com/mtcpstack/mtcpstack/wire"
)

// MaxHandlers bounds the EtherType dispatch table, matching PACKET_HANDLERS.
const MaxHandlers = 8

// MinFrameLen is the minimum Ethernet frame length on the wire; shorter
// frames are padded with zero bytes before sending, matching
// Packet_send_pkt's 60-byte minimum (64 with the FCS the driver appends).
const MinFrameLen = 60

// MaxSendRetries matches Packet_send_pkt's retry-up-to-5-times behavior.
const MaxSendRetries = 5

var ErrHandlerTableFull = errors.New("eth: handler table full")

// Handler processes one received frame's payload (everything after the
// 14-byte Ethernet header). It owns the buffer and must call pool.Free when
// done with it, or hand ownership onward (e.g. into a socket's receive
// queue) per spec's packet-ownership rules.
type Handler func(buf *pkt.Buffer, hdr wire.EtherHeader, payload []byte)

type registration struct {
	etherType uint16
	handler   Handler
}

// Dispatcher demultiplexes received frames by EtherType and drives the send
// path. One Dispatcher is created per Driver.
type Dispatcher struct {
	drv     link.Driver
	pool    *pkt.Pool
	regs    []registration
	def     Handler

	SentCount     uint64
	SendErrors    uint64
	SendRetries   uint64
	DroppedNoType uint64
}

func NewDispatcher(drv link.Driver, pool *pkt.Pool) *Dispatcher {
	return &Dispatcher{drv: drv, pool: pool}
}

// RegisterEtherType installs a handler for one EtherType, matching
// Packet_registerEtherType's linear handler array.
func (d *Dispatcher) RegisterEtherType(etherType uint16, h Handler) error {
	if len(d.regs) >= MaxHandlers {
		return ErrHandlerTableFull
	}
	d.regs = append(d.regs, registration{etherType: etherType, handler: h})
	return nil
}

// LocalMAC returns this dispatcher's underlying driver's hardware address.
func (d *Dispatcher) LocalMAC() link.MacAddr { return d.drv.HardwareAddr() }

// Free returns buf to the pool backing this dispatcher. Handlers that
// consume a frame in place (rather than queuing it onward to a socket)
// call this when done.
func (d *Dispatcher) Free(buf *pkt.Buffer) { d.pool.Free(buf) }

// RegisterDefault installs the fallback handler invoked when no EtherType
// matches, matching Packet_registerDefault. Without one, unmatched frames
// are freed and counted.
func (d *Dispatcher) RegisterDefault(h Handler) { d.def = h }

// Dispatch processes one buffer freshly pulled off the ingress ring: it
// parses the Ethernet header and routes to the matching handler, the
// default handler, or frees the buffer if neither exists. Mirrors
// Packet_process_internal's per-frame demux.
func (d *Dispatcher) Dispatch(buf *pkt.Buffer) {
	if buf.Len < wire.EtherHeaderLen {
		d.pool.Free(buf)
		return
	}

	var hdr wire.EtherHeader
	hdr.Unmarshal(buf.Data[:wire.EtherHeaderLen])
	payload := buf.Data[wire.EtherHeaderLen:buf.Len]

	for _, r := range d.regs {
		if r.etherType == hdr.Proto {
			r.handler(buf, hdr, payload)
			return
		}
	}

	if d.def != nil {
		d.def(buf, hdr, payload)
		return
	}

	d.DroppedNoType++
	d.pool.Free(buf)
}

// Send transmits an Ethernet frame (header already stamped into the first
// 14 bytes of frame), padding short frames and retrying transient send
// failures, matching Packet_send_pkt.
func (d *Dispatcher) Send(frame []byte) error {
	if len(frame) < MinFrameLen {
		padded := make([]byte, MinFrameLen)
		copy(padded, frame)
		frame = padded
	}

	var lastErr error
	for attempt := 0; attempt <= MaxSendRetries; attempt++ {
		if attempt > 0 {
			d.SendRetries++
		}
		if err := d.drv.Send(frame); err != nil {
			lastErr = err
			continue
		}
		d.SentCount++
		return nil
	}
	d.SendErrors++
	return fmt.Errorf("eth: send failed after %d attempts: %w", MaxSendRetries+1, lastErr)
}
