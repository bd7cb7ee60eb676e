// Package icmp implements ICMP echo request/reply, matching IP.CPP's
// Icmp::process: checksum verification, an optional callback invoked for
// every inbound ICMP datagram before the default echo handling, and an
// Echo Reply carrying the request's ID, sequence number and payload for
// every Echo Request.
package icmp

import (
	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/wire"
)

// Callback is invoked for every inbound ICMP datagram, before default
// handling, matching the original's icmpCallback hook.
type Callback func(src [4]byte, h wire.ICMPHeader, payload []byte)

// Handler processes ICMP datagrams delivered by the IPv4 layer's protocol
// demux and answers Echo Requests addressed to us.
type Handler struct {
	ip *ipv4.Layer

	callback Callback

	ChecksumErrors uint64
	EchoReplies    uint64
}

// New creates an ICMP handler and registers it with layer for
// wire.ProtoICMP.
func New(layer *ipv4.Layer) *Handler {
	h := &Handler{ip: layer}
	layer.RegisterProtocol(wire.ProtoICMP, h.process)
	return h
}

// SetCallback installs a callback invoked for every inbound ICMP datagram
// before default processing, matching the original's optional icmpCallback.
func (h *Handler) SetCallback(cb Callback) { h.callback = cb }

func (h *Handler) process(src, dst [4]byte, payload []byte) {
	if len(payload) < wire.ICMPHeaderLen {
		return
	}
	if wire.Checksum(payload) != 0 {
		h.ChecksumErrors++
		return
	}

	var icmp wire.ICMPHeader
	icmp.Unmarshal(payload)
	body := payload[wire.ICMPHeaderLen:]

	if h.callback != nil {
		h.callback(src, icmp, body)
	}

	if icmp.Type == wire.ICMPTypeEchoRequest {
		h.sendEchoReply(src, icmp, body)
	}
}

func (h *Handler) sendEchoReply(dst [4]byte, req wire.ICMPHeader, body []byte) error {
	reply := wire.ICMPHeader{
		Type: wire.ICMPTypeEchoReply,
		Code: 0,
		ID:   req.ID,
		Seq:  req.Seq,
	}
	msg := make([]byte, wire.ICMPHeaderLen+len(body))
	reply.Marshal(msg[:wire.ICMPHeaderLen])
	copy(msg[wire.ICMPHeaderLen:], body)
	reply.Checksum = wire.Checksum(msg)
	reply.Marshal(msg[:wire.ICMPHeaderLen])

	h.EchoReplies++
	return h.ip.Send(wire.ProtoICMP, dst, msg)
}

// SendEchoRequest sends an Echo Request to dst with the given identifier,
// sequence number, and payload. Used by a ping-style application.
func (h *Handler) SendEchoRequest(dst [4]byte, id, seq uint16, body []byte) error {
	req := wire.ICMPHeader{Type: wire.ICMPTypeEchoRequest, ID: id, Seq: seq}
	msg := make([]byte, wire.ICMPHeaderLen+len(body))
	req.Marshal(msg[:wire.ICMPHeaderLen])
	copy(msg[wire.ICMPHeaderLen:], body)
	req.Checksum = wire.Checksum(msg)
	req.Marshal(msg[:wire.ICMPHeaderLen])
	return h.ip.Send(wire.ProtoICMP, dst, msg)
}
