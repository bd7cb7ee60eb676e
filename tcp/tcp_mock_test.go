package tcp

import (
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtcpstack/mtcpstack/arp"
	"github.com/mtcpstack/mtcpstack/eth"
	"github.com/mtcpstack/mtcpstack/internal/mocklink"
	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
	"github.com/mtcpstack/mtcpstack/wire"
)

// seedARPReply feeds a synthetic ARP reply through the dispatcher so the
// resolver learns peerIP without a real round trip, letting the send path
// below be driven purely by the mock driver.
func seedARPReply(disp *eth.Dispatcher, pool *pkt.Pool, peerIP [4]byte, peerMAC link.MacAddr, myMAC link.MacAddr) {
	reply := wire.ArpPacket{
		HType: 1, PType: wire.EtherTypeIPv4, HLen: 6, PLen: 4, Op: wire.ArpReply,
		SHA: peerMAC, SPA: peerIP,
		THA: myMAC, TPA: [4]byte{10, 0, 0, 1},
	}
	frame := make([]byte, wire.EtherHeaderLen+wire.ArpPacketLen)
	eh := wire.EtherHeader{Dest: myMAC, Src: peerMAC, Proto: wire.EtherTypeARP}
	eh.Marshal(frame[:wire.EtherHeaderLen])
	reply.Marshal(frame[wire.EtherHeaderLen:])

	buf, _ := pool.Get()
	buf.Len = copy(buf.Data[:], frame)
	disp.Dispatch(buf)
}

func TestStack_ConnectDrivesOneSYNThroughTheDriver(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	myMAC := link.MacAddr{1, 1, 1, 1, 1, 1}
	peerMAC := link.MacAddr{2, 2, 2, 2, 2, 2}
	peerIP := [4]byte{10, 0, 0, 2}

	drv := mocklink.NewMockDriver(ctrl)
	drv.EXPECT().HardwareAddr().Return(myMAC).AnyTimes()
	drv.EXPECT().Send(gomock.Any()).Times(1).DoAndReturn(func(frame []byte) error {
		var th wire.TCPHeader
		th.Unmarshal(frame[wire.EtherHeaderLen+wire.IPHeaderMinLen:])
		assert.NotZero(t, th.Flags&wire.TCPFlagSYN)
		assert.Zero(t, th.Flags&wire.TCPFlagACK)
		return nil
	})

	pool := pkt.NewPool(4)
	pool.StartReceiving()
	disp := eth.NewDispatcher(drv, pool)
	resolver := arp.New([4]byte{10, 0, 0, 1}, myMAC, disp)
	ip := ipv4.New(ipv4.Config{MyIP: [4]byte{10, 0, 0, 1}, Netmask: [4]byte{255, 255, 255, 0}, MTU: 1500}, disp, resolver)
	stack := New(ip)

	seedARPReply(disp, pool, peerIP, peerMAC, myMAC)

	conn := stack.Connect(40000, peerIP, 80)
	require.Equal(t, StateSynSent, conn.State())

	stack.Drive(time.Now())
}
