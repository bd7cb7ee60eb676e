package eth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
	"github.com/mtcpstack/mtcpstack/wire"
)

func frame(etherType uint16, payload []byte) []byte {
	hdr := wire.EtherHeader{Dest: link.Broadcast, Src: [6]byte{1, 2, 3, 4, 5, 6}, Proto: etherType}
	buf := make([]byte, wire.EtherHeaderLen+len(payload))
	hdr.Marshal(buf)
	copy(buf[wire.EtherHeaderLen:], payload)
	return buf
}

func TestDispatcher_RoutesByEtherType(t *testing.T) {
	pool := pkt.NewPool(4)
	pool.StartReceiving()
	a, _ := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	d := NewDispatcher(a, pool)

	var got []byte
	require.NoError(t, d.RegisterEtherType(wire.EtherTypeIPv4, func(buf *pkt.Buffer, hdr wire.EtherHeader, payload []byte) {
		got = append([]byte{}, payload...)
		pool.Free(buf)
	}))

	buf, _ := pool.Get()
	f := frame(wire.EtherTypeIPv4, []byte{0xAA, 0xBB})
	copy(buf.Data[:], f)
	buf.Len = len(f)

	d.Dispatch(buf)
	assert.Equal(t, []byte{0xAA, 0xBB}, got)
}

func TestDispatcher_UnmatchedGoesToDefault(t *testing.T) {
	pool := pkt.NewPool(4)
	pool.StartReceiving()
	a, _ := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	d := NewDispatcher(a, pool)

	called := false
	d.RegisterDefault(func(buf *pkt.Buffer, hdr wire.EtherHeader, payload []byte) {
		called = true
		pool.Free(buf)
	})

	buf, _ := pool.Get()
	f := frame(wire.EtherTypeARP, nil)
	copy(buf.Data[:], f)
	buf.Len = len(f)

	d.Dispatch(buf)
	assert.True(t, called)
}

func TestDispatcher_UnmatchedNoDefaultFreesAndCounts(t *testing.T) {
	pool := pkt.NewPool(4)
	pool.StartReceiving()
	a, _ := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	d := NewDispatcher(a, pool)

	buf, err := pool.Get()
	require.NoError(t, err)
	f := frame(wire.EtherTypeARP, nil)
	copy(buf.Data[:], f)
	buf.Len = len(f)

	before := pool.Available()
	d.Dispatch(buf)
	assert.Equal(t, uint64(1), d.DroppedNoType)
	assert.Equal(t, before+1, pool.Available())
}

func TestDispatcher_SendPadsShortFrames(t *testing.T) {
	pool := pkt.NewPool(2)
	a, b := link.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	defer a.Close()
	d := NewDispatcher(a, pool)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	recv := make(chan []byte, 1)
	go b.Run(ctx, func(f []byte) { recv <- f })

	require.NoError(t, d.Send([]byte{1, 2, 3}))
	select {
	case got := <-recv:
		assert.Len(t, got, MinFrameLen)
	case <-ctx.Done():
		t.Fatal("timed out waiting for frame")
	}
	assert.Equal(t, uint64(1), d.SentCount)
}
