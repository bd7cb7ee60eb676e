package tcp

import (
	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/wire"
)

// handleSegment dispatches one inbound segment to per-state processing,
// matching Tcp::process2's state switch (TCP.CPP line ~1813).
func (c *Conn) handleSegment(ip *ipv4.Layer, th wire.TCPHeader, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if th.Flags&wire.TCPFlagRST != 0 {
		if !c.rstSeqAcceptableLocked(th) {
			return
		}
		c.reset = true
		c.setState(StateClosed)
		return
	}

	switch c.state {
	case StateSynSent:
		c.handleSynSentLocked(ip, th)
	case StateSynReceived:
		c.handleSynReceivedLocked(ip, th)
	default:
		c.processEstablishedLocked(ip, th, data)
	}
}

// rstSeqAcceptableLocked decides whether an incoming RST is trusted enough
// to tear down the connection, matching TCP.CPP's isIncomingSeqProper guard
// on the reset path: in SYN_SENT the RST is validated by ACK (we have no
// rcvNXT yet), everywhere else its Seq must equal rcvNXT exactly, with a
// one-off tolerance in SYN_RECEIVED for a RST sent before the peer saw our
// SYN-ACK.
func (c *Conn) rstSeqAcceptableLocked(th wire.TCPHeader) bool {
	if c.state == StateSynSent {
		return th.Flags&wire.TCPFlagACK != 0 && th.Ack == c.sndNXT
	}
	if th.Seq == c.rcvNXT {
		return true
	}
	if c.state == StateSynReceived && th.Seq == c.rcvNXT-1 {
		return true
	}
	return false
}

func (c *Conn) handleSynSentLocked(ip *ipv4.Layer, th wire.TCPHeader) {
	if th.Flags&wire.TCPFlagSYN == 0 {
		return
	}
	c.irs = th.Seq
	c.rcvNXT = th.Seq + 1
	c.sndWND = uint32(th.Window)

	if th.Flags&wire.TCPFlagACK != 0 {
		if th.Ack != c.sndNXT {
			return
		}
		c.markAckedLocked(th.Ack, false)
		c.setState(StateEstablished)
		_ = c.send(ip, wire.TCPFlagACK, c.sndNXT, nil)
		return
	}

	// Simultaneous open: peer sent a bare SYN. Reply with our own
	// SYN-ACK and move to SYN_RECEIVED.
	c.setState(StateSynReceived)
	_ = c.send(ip, wire.TCPFlagSYN|wire.TCPFlagACK, c.iss, nil)
}

func (c *Conn) handleSynReceivedLocked(ip *ipv4.Layer, th wire.TCPHeader) {
	if th.Flags&wire.TCPFlagACK == 0 {
		return
	}
	if th.Ack != c.sndNXT {
		return
	}
	c.sndUNA = th.Ack
	c.sndWND = uint32(th.Window)
	c.setState(StateEstablished)
}

// processEstablishedLocked handles data delivery, ACK-driven retransmit
// queue advancement, and FIN-triggered teardown for every state where a
// connection is (or was recently) open. Matches
// TcpSocket::processPacketData / removeSentPackets.
func (c *Conn) processEstablishedLocked(ip *ipv4.Layer, th wire.TCPHeader, data []byte) {
	c.sndWND = uint32(th.Window)

	// isIncomingAckProper/isIncomingSeqProper classification drives the
	// small-window counters exactly as TCP.CPP's processPacketData does,
	// independent of whether this particular segment carries data.
	ackProper := th.Flags&wire.TCPFlagACK == 0 || seqLessEq(th.Ack, c.sndNXT)
	seqProper := th.Seq == c.rcvNXT
	if ackProper && seqProper {
		c.registerGoodPacketLocked()
	} else {
		c.registerSeqErrorLocked()
	}

	if th.Flags&wire.TCPFlagACK != 0 {
		c.markAckedLocked(th.Ack, true)
	}

	if len(data) > 0 && c.state.canReceive() {
		if !seqProper {
			// Out-of-window or already-seen data: ack current state,
			// drop silently otherwise (no reordering buffer, matching
			// the original's in-order-only receive path).
			if seqLess(th.Seq, c.rcvNXT) {
				c.scheduleAckLocked(ip)
			}
			return
		}
		if c.rawRecvMode {
			if len(c.rawRecvQueue) >= rawRecvQueueMax {
				// Play dead: drop the segment without ACKing it until
				// the application drains RecvRaw, forcing the peer to
				// retransmit.
				return
			}
			seg := append([]byte(nil), data...)
			c.rawRecvQueue = append(c.rawRecvQueue, seg)
			c.rcvNXT += uint32(len(data))
			c.notifyReadable()
			c.scheduleAckLocked(ip)
		} else {
			room := c.recvBufCap - len(c.recvBuf)
			if room <= 0 {
				// Play dead: silently drop an otherwise-acceptable segment
				// when there's no buffer room, forcing the peer to
				// retransmit once we've drained some.
				return
			}
			n := len(data)
			if n > room {
				n = room
			}
			c.recvBuf = append(c.recvBuf, data[:n]...)
			c.rcvNXT += uint32(n)
			c.notifyReadable()
			c.scheduleAckLocked(ip)
		}
	}

	if th.Flags&wire.TCPFlagFIN != 0 {
		c.rcvNXT++
		c.scheduleAckLocked(ip)
		c.handleFinLocked()
	}
}

func (c *Conn) handleFinLocked() {
	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1, StateFinWait1Pending:
		c.setState(StateClosing)
	case StateFinWait2:
		c.setState(StateTimeWait)
	}
}

// markAckedLocked removes fully-acked segments from the retransmit queue
// and, for segments that were never retransmitted, feeds their round trip
// time to the estimator (Karn's algorithm: retransmitted segments' timing
// is ambiguous and must not be sampled), then sets sndUNA to ack. An acked
// FIN always advances the close state via onFinAckedLocked; the
// fromEstablished argument does not change this behavior.
func (c *Conn) markAckedLocked(ack uint32, fromEstablished bool) {
	if seqLessEq(ack, c.sndUNA) {
		return
	}
	kept := c.outq[:0]
	now := c.now()
	for _, seg := range c.outq {
		end := seg.seq + uint32(len(seg.data))
		if seg.flags&(wire.TCPFlagSYN|wire.TCPFlagFIN) != 0 {
			end++
		}
		if seqGreaterEq(ack, end) && seg.sent {
			if seg.retransmits == 0 {
				c.rtt.sample(now.Sub(seg.sentAt))
			}
			if seg.flags&wire.TCPFlagFIN != 0 {
				c.onFinAckedLocked()
			}
			continue
		}
		kept = append(kept, seg)
	}
	c.outq = kept
	c.sndUNA = ack
}

func (c *Conn) onFinAckedLocked() {
	switch c.state {
	case StateFinWait1:
		c.setState(StateFinWait2)
	case StateClosing, StateLastAck:
		c.setState(StateTimeWait)
	}
}

func (c *Conn) scheduleAckLocked(ip *ipv4.Layer) {
	// A bare ACK is only queued if nothing else is already pending to
	// carry it; enqueue() in the original elides a queued ack-only
	// segment the moment real data needs to go out, which dropQueuedAckOnlyLocked
	// mirrors on the send side.
	if !hasUnsent(c.outq) {
		c.outq = append(c.outq, &outSegment{seq: c.sndNXT, flags: wire.TCPFlagACK, ackOnly: true})
		c.pendingAckOnly = true
	}
}
