package arp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtcpstack/mtcpstack/eth"
	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
)

func setupPair(t *testing.T) (*Resolver, *Resolver, func()) {
	t.Helper()
	poolA := pkt.NewPool(8)
	poolA.StartReceiving()
	poolB := pkt.NewPool(8)
	poolB.StartReceiving()

	drvA, drvB := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	dispA := eth.NewDispatcher(drvA, poolA)
	dispB := eth.NewDispatcher(drvB, poolB)

	ipA := [4]byte{10, 0, 0, 1}
	ipB := [4]byte{10, 0, 0, 2}
	resA := New(ipA, drvA.HardwareAddr(), dispA)
	resB := New(ipB, drvB.HardwareAddr(), dispB)

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

	return resA, resB, func() { cancel(); drvA.Close() }
}

func TestResolver_RequestAndReply(t *testing.T) {
	resA, _, cleanup := setupPair(t)
	defer cleanup()

	done := make(chan struct{})
	var gotMAC link.MacAddr
	var gotOK bool
	resA.RequestAndDefer([4]byte{10, 0, 0, 2}, func(mac link.MacAddr, ok bool) {
		gotMAC, gotOK = mac, ok
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ARP resolution")
	}
	assert.True(t, gotOK)
	assert.Equal(t, link.MacAddr{2}, gotMAC)
}

func TestResolver_CachedResolveIsSynchronous(t *testing.T) {
	resA, _, cleanup := setupPair(t)
	defer cleanup()

	done := make(chan struct{})
	resA.RequestAndDefer([4]byte{10, 0, 0, 2}, func(mac link.MacAddr, ok bool) { close(done) })
	<-done

	mac, ok := resA.Resolve([4]byte{10, 0, 0, 2})
	require.True(t, ok)
	assert.Equal(t, link.MacAddr{2}, mac)
}

func TestResolver_DriveGivesUpAfterMaxRetries(t *testing.T) {
	poolA := pkt.NewPool(4)
	poolA.StartReceiving()
	drvA, drvB := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	defer drvB.Close()
	dispA := eth.NewDispatcher(drvA, poolA)
	resA := New([4]byte{10, 0, 0, 1}, drvA.HardwareAddr(), dispA)
	resA.now = func() time.Time { return time.Unix(0, 0) }

	var resolved bool
	var ok bool
	resA.RequestAndDefer([4]byte{10, 0, 0, 99}, func(mac link.MacAddr, found bool) {
		resolved = true
		ok = found
	})

	t0 := time.Unix(0, 0)
	for i := 0; i <= MaxRetries; i++ {
		t0 = t0.Add(RetryInterval + time.Millisecond)
		tCopy := t0
		resA.now = func() time.Time { return tCopy }
		resA.Drive()
	}

	assert.True(t, resolved)
	assert.False(t, ok)
}
