// Package tap mirrors Ethernet frames crossing a link.Driver into a pcap
// file, the same shape as the teacher's examples/capture tool: wrap every
// Send and every received frame, timestamp it, and hand it to a
// pcapgo.Writer. Unlike the teacher's example, which owns the capture
// filter itself, this package wraps a link.Driver so it can sit in front
// of any concrete transport (loopback, raw socket, real NIC) without the
// rest of the stack knowing it's there.
package tap

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/mtcpstack/mtcpstack/link"
)

// Recorder wraps a link.Driver, writing every frame that passes through
// Send or the Run callback to an underlying pcap file before passing it
// along unchanged.
type Recorder struct {
	link.Driver

	mu  sync.Mutex
	w   *pcapgo.Writer
	now func() time.Time
}

// NewRecorder writes a pcap file header to out and returns a Driver that
// mirrors every frame the wrapped driver sends or receives into it. It does
// not open or create files; the caller supplies the writer. snaplen
// matches the teacher's A.MAX_ETHER_FRAME argument to WriteFileHeader.
func NewRecorder(drv link.Driver, out io.Writer, snaplen uint32) (*Recorder, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &Recorder{Driver: drv, w: w, now: time.Now}, nil
}

func (r *Recorder) write(frame []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     r.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// WritePacket errors (e.g. a full disk) are not fatal to the stack;
	// the teacher's capture tool ignores them too, since the capture path
	// is a side channel, not the data path.
	_ = r.w.WritePacket(ci, frame)
}

func (r *Recorder) Send(frame []byte) error {
	r.write(frame)
	return r.Driver.Send(frame)
}

func (r *Recorder) Run(ctx context.Context, onFrame func([]byte)) error {
	return r.Driver.Run(ctx, func(frame []byte) {
		r.write(frame)
		onFrame(frame)
	})
}
