package ipv4

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtcpstack/mtcpstack/arp"
	"github.com/mtcpstack/mtcpstack/eth"
	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
	"github.com/mtcpstack/mtcpstack/wire"
)

type node struct {
	disp *eth.Dispatcher
	arp  *arp.Resolver
	ip   *Layer
	drv  *link.Loopback
}

func runDispatch(ctx context.Context, drv *link.Loopback, pool *pkt.Pool, disp *eth.Dispatcher) {
	go drv.Run(ctx, func(f []byte) {
		buf, err := pool.Get()
		if err != nil {
			return
		}
		buf.Len = copy(buf.Data[:], f)
		disp.Dispatch(buf)
	})
}

func setupTwoNodes(t *testing.T) (*node, *node, func()) {
	t.Helper()
	drvA, drvB := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)

	poolA := pkt.NewPool(32)
	poolA.StartReceiving()
	dispA := eth.NewDispatcher(drvA, poolA)
	resA := arp.New([4]byte{10, 0, 0, 1}, drvA.HardwareAddr(), dispA)
	layerA := New(Config{MyIP: [4]byte{10, 0, 0, 1}, Netmask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{10, 0, 0, 254}, MTU: 1500}, dispA, resA)

	poolB := pkt.NewPool(32)
	poolB.StartReceiving()
	dispB := eth.NewDispatcher(drvB, poolB)
	resB := arp.New([4]byte{10, 0, 0, 2}, drvB.HardwareAddr(), dispB)
	layerB := New(Config{MyIP: [4]byte{10, 0, 0, 2}, Netmask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{10, 0, 0, 254}, MTU: 1500}, dispB, resB)

	ctx, cancel := context.WithCancel(context.Background())
	runDispatch(ctx, drvA, poolA, dispA)
	runDispatch(ctx, drvB, poolB, dispB)

	a := &node{disp: dispA, arp: resA, ip: layerA, drv: drvA}
	b := &node{disp: dispB, arp: resB, ip: layerB, drv: drvB}
	return a, b, func() { cancel(); drvA.Close() }
}

func TestLayer_SendReceiveRoundTrip(t *testing.T) {
	a, b, cleanup := setupTwoNodes(t)
	defer cleanup()

	recv := make(chan []byte, 1)
	b.ip.RegisterProtocol(99, func(src, dst [4]byte, payload []byte) {
		recv <- append([]byte{}, payload...)
	})

	// Prime ARP so Send doesn't have to retry.
	done := make(chan struct{})
	a.arp.RequestAndDefer([4]byte{10, 0, 0, 2}, func(link.MacAddr, bool) { close(done) })
	<-done

	require.NoError(t, a.ip.Send(99, [4]byte{10, 0, 0, 2}, []byte("hello")))

	select {
	case got := <-recv:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestLayer_SendDeferredWithoutARP(t *testing.T) {
	a, _, cleanup := setupTwoNodes(t)
	defer cleanup()

	err := a.ip.Send(99, [4]byte{10, 0, 0, 2}, []byte("x"))
	assert.ErrorIs(t, err, ErrDeferred)
}

func TestLayer_FragmentsLargePayloadAndReassembles(t *testing.T) {
	a, b, cleanup := setupTwoNodes(t)
	defer cleanup()

	recv := make(chan []byte, 1)
	b.ip.RegisterProtocol(99, func(src, dst [4]byte, payload []byte) {
		recv <- append([]byte{}, payload...)
	})

	done := make(chan struct{})
	a.arp.RequestAndDefer([4]byte{10, 0, 0, 2}, func(link.MacAddr, bool) { close(done) })
	<-done

	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, a.ip.Send(99, [4]byte{10, 0, 0, 2}, big))

	select {
	case got := <-recv:
		assert.Equal(t, big, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled datagram")
	}
}

func TestLayer_CorruptedHeaderChecksumIsDroppedAndCounted(t *testing.T) {
	poolB := pkt.NewPool(4)
	poolB.StartReceiving()
	drvA, drvB := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	defer drvA.Close()
	dispB := eth.NewDispatcher(drvB, poolB)
	resB := arp.New([4]byte{10, 0, 0, 2}, drvB.HardwareAddr(), dispB)
	layerB := New(Config{MyIP: [4]byte{10, 0, 0, 2}, Netmask: [4]byte{255, 255, 255, 0}, MTU: 1500}, dispB, resB)

	recv := make(chan []byte, 1)
	layerB.RegisterProtocol(99, func(src, dst [4]byte, payload []byte) { recv <- payload })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDispatch(ctx, drvB, poolB, dispB)

	// Hand-build a datagram with a deliberately wrong header checksum.
	body := []byte("ok")
	var h wire.IPHeader
	h.SetVersionIHL(4, 5)
	h.TotalLength = uint16(wire.IPHeaderMinLen + len(body))
	h.TTL = 64
	h.Protocol = 99
	h.Src = [4]byte{10, 0, 0, 1}
	h.Dst = [4]byte{10, 0, 0, 2}
	h.Checksum = 0xDEAD // wrong on purpose

	frame := make([]byte, wire.EtherHeaderLen+wire.IPHeaderMinLen+len(body))
	eh := wire.EtherHeader{Dest: [6]byte{2}, Src: [6]byte{1}, Proto: wire.EtherTypeIPv4}
	eh.Marshal(frame[:wire.EtherHeaderLen])
	h.Marshal(frame[wire.EtherHeaderLen : wire.EtherHeaderLen+wire.IPHeaderMinLen])
	copy(frame[wire.EtherHeaderLen+wire.IPHeaderMinLen:], body)

	require.NoError(t, drvA.Send(frame))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), layerB.ChecksumErrors)
	select {
	case <-recv:
		t.Fatal("corrupted datagram should not have been delivered")
	default:
	}
}
