package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtcpstack/mtcpstack/wire"
)

func newTestConn() *Conn {
	c := newConn(&Stack{}, 1234, 80, [4]byte{10, 0, 0, 2})
	c.setState(StateEstablished)
	c.sndWND = 16384
	return c
}

func TestConn_SendQueuesAckOnlyThenElidesItOnRealData(t *testing.T) {
	c := newTestConn()

	c.mu.Lock()
	c.scheduleAckLocked(nil)
	c.mu.Unlock()
	require.Len(t, c.outq, 1)
	assert.True(t, c.outq[0].ackOnly)

	_, err := c.Send([]byte("payload"))
	require.NoError(t, err)

	for _, seg := range c.outq {
		assert.False(t, seg.ackOnly, "ack-only segment should have been elided once real data was queued")
	}
}

func TestConn_MarkAckedSamplesRTTOnlyForNonRetransmitted(t *testing.T) {
	c := newTestConn()
	c.sndUNA = 100
	c.sndNXT = 110
	seg := &outSegment{seq: 100, data: make([]byte, 10), flags: wire.TCPFlagACK, sent: true, sentAt: c.now().Add(-50 * time.Millisecond)}
	c.outq = []*outSegment{seg}

	c.mu.Lock()
	c.markAckedLocked(110, true)
	c.mu.Unlock()

	assert.Empty(t, c.outq)
	assert.Equal(t, uint32(110), c.sndUNA)
	assert.True(t, c.rtt.primed, "a never-retransmitted segment's round trip must feed the estimator")
}

func TestConn_MarkAckedSkipsRetransmittedSegmentSampling(t *testing.T) {
	c := newTestConn()
	c.sndUNA = 100
	seg := &outSegment{seq: 100, data: make([]byte, 10), flags: wire.TCPFlagACK, sent: true, retransmits: 2}
	c.outq = []*outSegment{seg}
	srttBefore := c.rtt.srtt

	c.mu.Lock()
	c.markAckedLocked(110, true)
	c.mu.Unlock()

	assert.Equal(t, srttBefore, c.rtt.srtt, "a retransmitted segment's timing must not feed the estimator (Karn's algorithm)")
}

func TestConn_PlayDeadDropsDataWhenRecvBufferFull(t *testing.T) {
	c := newTestConn()
	c.recvBufCap = 4
	c.recvBuf = []byte{1, 2, 3, 4}
	c.rcvNXT = 500

	c.mu.Lock()
	c.processEstablishedLocked(nil, wire.TCPHeader{Seq: 500, Flags: wire.TCPFlagACK}, []byte("more"))
	c.mu.Unlock()

	assert.Equal(t, uint32(500), c.rcvNXT, "full receive buffer must silently drop the segment, not advance rcvNXT")
}

func TestConn_ResetMarksConnAndFailsSend(t *testing.T) {
	c := newTestConn()

	c.handleSegment(nil, wire.TCPHeader{Flags: wire.TCPFlagRST}, nil)

	_, err := c.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrConnReset)
}

func TestConn_CloseWithEmptyQueueEnqueuesFINImmediately(t *testing.T) {
	c := newTestConn()
	require.NoError(t, c.Close())
	assert.Equal(t, StateFinWait1, c.State())
	require.Len(t, c.outq, 1)
	assert.NotZero(t, c.outq[0].flags&wire.TCPFlagFIN)
}

func TestConn_CloseWithQueuedDataDefersFIN(t *testing.T) {
	c := newTestConn()
	c.sendBuf = []byte("still queued")
	require.NoError(t, c.Close())
	assert.Equal(t, StateFinWait1Pending, c.State())
	for _, seg := range c.outq {
		assert.Zero(t, seg.flags&wire.TCPFlagFIN, "FIN must not be enqueued until the send queue drains")
	}
}
