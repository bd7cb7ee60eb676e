package tcp

import (
	"time"

	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/wire"
)

const (
	timeWaitDuration   = 2 * 60 * time.Second // 2*MSL, matching the original's TIME_WAIT timer
	zeroWindowProbeGap = 1 * time.Second
)

// drive is called periodically by Stack.Drive: it resolves pending FINs
// once the send queue drains, pushes new data within the peer's window,
// retransmits overdue segments, probes a closed peer window, and ages out
// TIME_WAIT. Matches Tcp::drivePackets2 (TCP.CPP line ~2412).
func (c *Conn) drive(ip *ipv4.Layer, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return
	case StateTimeWait:
		if c.timeWaitStart.IsZero() {
			c.timeWaitStart = now
		}
		if now.Sub(c.timeWaitStart) >= timeWaitDuration {
			c.setState(StateClosed)
		}
		return
	}

	c.resolvePendingFinLocked()
	c.fillOutqFromSendBufLocked()
	c.transmitUnsentLocked(ip, now)
	c.retransmitOverdueLocked(ip, now)
	c.probeZeroWindowLocked(ip, now)
}

// resolvePendingFinLocked turns a *_PENDING state into its real counterpart
// and enqueues the FIN once there's nothing left ahead of it to send,
// matching closeLocal's deferred-FIN behavior.
func (c *Conn) resolvePendingFinLocked() {
	if !c.state.hasPendingFin() {
		return
	}
	if len(c.sendBuf) > 0 || hasUnsent(c.outq) {
		return
	}
	c.setState(c.state.resolvePendingFin())
	c.enqueueFinLocked()
}

// fillOutqFromSendBufLocked slices unsent application bytes into
// window-sized segments and appends them to the retransmit queue.
func (c *Conn) fillOutqFromSendBufLocked() {
	if len(c.sendBuf) == 0 {
		return
	}
	inFlight := c.bytesInFlightLocked()
	for len(c.sendBuf) > 0 {
		avail := int(c.sndWND) - inFlight
		if avail <= 0 {
			break
		}
		chunk := maxSegmentPayload
		if chunk > avail {
			chunk = avail
		}
		if chunk > len(c.sendBuf) {
			chunk = len(c.sendBuf)
		}
		if chunk == 0 {
			break
		}
		data := append([]byte{}, c.sendBuf[:chunk]...)
		c.sendBuf = c.sendBuf[chunk:]
		c.outq = append(c.outq, &outSegment{seq: c.sndNXT, data: data, flags: wire.TCPFlagACK})
		c.sndNXT += uint32(chunk)
		inFlight += chunk
	}
}

func (c *Conn) bytesInFlightLocked() int {
	n := 0
	for _, seg := range c.outq {
		n += len(seg.data)
	}
	return n
}

func (c *Conn) transmitUnsentLocked(ip *ipv4.Layer, now time.Time) {
	for _, seg := range c.outq {
		if seg.sent {
			continue
		}
		if err := c.send(ip, seg.flags, seg.seq, seg.data); err != nil {
			continue
		}
		seg.sent = true
		seg.sentAt = now
		if seg.ackOnly {
			c.pendingAckOnly = false
		}
	}
}

// retransmitOverdueLocked resends any in-flight segment whose RTT-derived
// deadline has passed, doubling the estimator's SRTT (capped) on every
// retransmit and abandoning the connection once maxRetries is exceeded.
// Matches removeSentPackets' retransmit-timeout branch.
func (c *Conn) retransmitOverdueLocked(ip *ipv4.Layer, now time.Time) {
	for _, seg := range c.outq {
		if !seg.sent {
			continue
		}
		if now.Before(c.rtt.overdueAt(seg.sentAt)) {
			continue
		}
		seg.retransmits++
		if seg.retransmits > maxRetries {
			c.outq = nil
			c.sendBuf = nil
			c.setState(StateClosed)
			return
		}
		c.rtt.backoff()
		if err := c.send(ip, seg.flags, seg.seq, seg.data); err == nil {
			seg.sentAt = now
		}
	}
}

// probeZeroWindowLocked sends an empty ACK segment with a stale sequence
// number (seq = sndNXT-1) to elicit a fresh window update from a peer that
// advertised a zero window, matching TcpSocket::sendPacket's zero-window
// probe path.
func (c *Conn) probeZeroWindowLocked(ip *ipv4.Layer, now time.Time) {
	if c.sndWND != 0 || len(c.sendBuf) == 0 {
		return
	}
	if !c.zeroWindowProbeAt.IsZero() && now.Sub(c.zeroWindowProbeAt) < zeroWindowProbeGap {
		return
	}
	c.zeroWindowProbeAt = now
	_ = c.send(ip, wire.TCPFlagACK, c.sndNXT-1, nil)
}
