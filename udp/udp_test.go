package udp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtcpstack/mtcpstack/arp"
	"github.com/mtcpstack/mtcpstack/eth"
	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
)

func setupPair(t *testing.T) (a, b *Stack, resA *arp.Resolver, cleanup func()) {
	t.Helper()
	drvA, drvB := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)

	poolA := pkt.NewPool(16)
	poolA.StartReceiving()
	dispA := eth.NewDispatcher(drvA, poolA)
	resA = arp.New([4]byte{10, 0, 0, 1}, drvA.HardwareAddr(), dispA)
	ipA := ipv4.New(ipv4.Config{MyIP: [4]byte{10, 0, 0, 1}, Netmask: [4]byte{255, 255, 255, 0}, MTU: 1500}, dispA, resA)

	poolB := pkt.NewPool(16)
	poolB.StartReceiving()
	dispB := eth.NewDispatcher(drvB, poolB)
	resB := arp.New([4]byte{10, 0, 0, 2}, drvB.HardwareAddr(), dispB)
	ipB := ipv4.New(ipv4.Config{MyIP: [4]byte{10, 0, 0, 2}, Netmask: [4]byte{255, 255, 255, 0}, MTU: 1500}, dispB, resB)

	a = New(ipA)
	b = New(ipB)

	ctx, cancel := context.WithCancel(context.Background())
	go drvA.Run(ctx, func(f []byte) {
		buf, err := poolA.Get()
		if err != nil {
			return
		}
		buf.Len = copy(buf.Data[:], f)
		dispA.Dispatch(buf)
	})
	go drvB.Run(ctx, func(f []byte) {
		buf, err := poolB.Get()
		if err != nil {
			return
		}
		buf.Len = copy(buf.Data[:], f)
		dispB.Dispatch(buf)
	})

	return a, b, resA, func() { cancel(); drvA.Close() }
}

func TestStack_SendReceive(t *testing.T) {
	a, b, resA, cleanup := setupPair(t)
	defer cleanup()

	recv := make(chan string, 1)
	require.NoError(t, b.Listen(53, func(srcIP [4]byte, srcPort uint16, payload []byte) {
		recv <- string(payload)
	}))

	arpDone := make(chan struct{})
	resA.RequestAndDefer([4]byte{10, 0, 0, 2}, func(link.MacAddr, bool) { close(arpDone) })
	<-arpDone

	require.NoError(t, a.SendFrom(12345, [4]byte{10, 0, 0, 2}, 53, []byte("query")))

	select {
	case got := <-recv:
		assert.Equal(t, "query", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestStack_ListenPortInUse(t *testing.T) {
	_, b, _, cleanup := setupPair(t)
	defer cleanup()

	require.NoError(t, b.Listen(53, func([4]byte, uint16, []byte) {}))
	err := b.Listen(53, func([4]byte, uint16, []byte) {})
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestStack_UnboundPortSilentlyDropped(t *testing.T) {
	a, _, resA, cleanup := setupPair(t)
	defer cleanup()

	arpDone := make(chan struct{})
	resA.RequestAndDefer([4]byte{10, 0, 0, 2}, func(link.MacAddr, bool) { close(arpDone) })
	<-arpDone

	require.NoError(t, a.SendFrom(1, [4]byte{10, 0, 0, 2}, 9999, []byte("x")))
	time.Sleep(50 * time.Millisecond) // no panic, no delivery: nothing to assert but survival
}
