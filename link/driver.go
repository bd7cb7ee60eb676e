// Package link defines the boundary between this stack and whatever moves
// Ethernet frames in and out of the host. The teacher's NetworkAdapter wraps
// a specific Windows NDIS handle; this module generalizes the same shape
// (hardware address, MTU, send, an event-driven receive loop) into a
// portable interface so the stack itself never depends on a particular
// capture mechanism.
package link

import "context"

// MacAddr is a 6-byte Ethernet hardware address.
type MacAddr [6]byte

// Broadcast is the Ethernet broadcast address.
var Broadcast = MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MacAddr) IsBroadcast() bool { return m == Broadcast }

// Driver is the boundary a concrete packet source/sink implements. It plays
// the role the teacher's NetworkAdapter + QueuedPacketFilter pipeline played
// together: a place to send frames, and a place that calls back with frames
// as they arrive.
type Driver interface {
	// HardwareAddr returns this interface's MAC address.
	HardwareAddr() MacAddr

	// MTU returns the maximum frame payload size this driver will carry.
	MTU() uint16

	// Send transmits one Ethernet frame as given, once. Padding to the
	// minimum frame length and retrying failed sends (Packet_send_pkt's
	// job in the original) are done above it, by eth.Dispatcher.Send.
	Send(frame []byte) error

	// Run invokes onFrame for every received frame until ctx is canceled
	// or the driver errors out. onFrame is always called from the same
	// goroutine Run is called from; Run itself is expected to be called
	// once, from its own goroutine, for the life of the stack.
	Run(ctx context.Context, onFrame func([]byte)) error
}
