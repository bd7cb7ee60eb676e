package wire

import "encoding/binary"

// EtherType values this stack recognizes, matching ip_helper.go's
// ETH_P_IP / ETH_P_ARP.
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
)

// IP protocol numbers, matching ip_helper.go's IPPROTO_* constants.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// ARP opcodes, matching ip_helper.go's ARPOP_*.
const (
	ArpRequest = 1
	ArpReply   = 2
)

const (
	EtherHeaderLen = 14
	ArpPacketLen   = 28
	IPHeaderMinLen = 20
	UDPHeaderLen   = 8
	TCPHeaderMinLen = 20
	ICMPHeaderLen  = 8
)

// EtherHeader is the 14-byte Ethernet II header: destination, source,
// EtherType. Field layout mirrors ip_helper.go's EtherHeader.
type EtherHeader struct {
	Dest  [6]byte
	Src   [6]byte
	Proto uint16
}

func (h *EtherHeader) Marshal(b []byte) {
	copy(b[0:6], h.Dest[:])
	copy(b[6:12], h.Src[:])
	binary.BigEndian.PutUint16(b[12:14], h.Proto)
}

func (h *EtherHeader) Unmarshal(b []byte) {
	copy(h.Dest[:], b[0:6])
	copy(h.Src[:], b[6:12])
	h.Proto = binary.BigEndian.Uint16(b[12:14])
}

// ArpPacket is a full Ethernet ARP request/reply, matching ip_helper.go's
// ArpHeader + EthernetArp combined (hardware/protocol address type+len
// fixed to Ethernet/IPv4, so the on-wire layout is fixed-size).
type ArpPacket struct {
	HType  uint16
	PType  uint16
	HLen   uint8
	PLen   uint8
	Op     uint16
	SHA    [6]byte
	SPA    [4]byte
	THA    [6]byte
	TPA    [4]byte
}

func (a *ArpPacket) Marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], a.HType)
	binary.BigEndian.PutUint16(b[2:4], a.PType)
	b[4] = a.HLen
	b[5] = a.PLen
	binary.BigEndian.PutUint16(b[6:8], a.Op)
	copy(b[8:14], a.SHA[:])
	copy(b[14:18], a.SPA[:])
	copy(b[18:24], a.THA[:])
	copy(b[24:28], a.TPA[:])
}

func (a *ArpPacket) Unmarshal(b []byte) {
	a.HType = binary.BigEndian.Uint16(b[0:2])
	a.PType = binary.BigEndian.Uint16(b[2:4])
	a.HLen = b[4]
	a.PLen = b[5]
	a.Op = binary.BigEndian.Uint16(b[6:8])
	copy(a.SHA[:], b[8:14])
	copy(a.SPA[:], b[14:18])
	copy(a.THA[:], b[18:24])
	copy(a.TPA[:], b[24:28])
}

// IPHeader is the fixed 20-byte IPv4 header (no options), matching
// ip_helper.go's IPHeader field set.
type IPHeader struct {
	VersionIHL  uint8
	TOS         uint8
	TotalLength uint16
	Ident       uint16
	FlagsFrag   uint16
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	Src         [4]byte
	Dst         [4]byte
}

func (h *IPHeader) IHL() int  { return int(h.VersionIHL & 0x0F) }
func (h *IPHeader) Version() int { return int(h.VersionIHL >> 4) }

func (h *IPHeader) SetVersionIHL(version, ihl uint8) {
	h.VersionIHL = (version << 4) | (ihl & 0x0F)
}

// MoreFragments reports the IP "more fragments" flag bit.
func (h *IPHeader) MoreFragments() bool { return h.FlagsFrag&0x2000 != 0 }

// DontFragment reports the IP "don't fragment" flag bit.
func (h *IPHeader) DontFragment() bool { return h.FlagsFrag&0x4000 != 0 }

// FragmentOffset returns the fragment offset in 8-byte units.
func (h *IPHeader) FragmentOffset() uint16 { return h.FlagsFrag & 0x1FFF }

func (h *IPHeader) Marshal(b []byte) {
	b[0] = h.VersionIHL
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.Ident)
	binary.BigEndian.PutUint16(b[6:8], h.FlagsFrag)
	b[8] = h.TTL
	b[9] = h.Protocol
	binary.BigEndian.PutUint16(b[10:12], h.Checksum)
	copy(b[12:16], h.Src[:])
	copy(b[16:20], h.Dst[:])
}

func (h *IPHeader) Unmarshal(b []byte) {
	h.VersionIHL = b[0]
	h.TOS = b[1]
	h.TotalLength = binary.BigEndian.Uint16(b[2:4])
	h.Ident = binary.BigEndian.Uint16(b[4:6])
	h.FlagsFrag = binary.BigEndian.Uint16(b[6:8])
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
}

// UDPHeader matches ip_helper.go's UdpHeader.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func (h *UDPHeader) Marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	binary.BigEndian.PutUint16(b[6:8], h.Checksum)
}

func (h *UDPHeader) Unmarshal(b []byte) {
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Length = binary.BigEndian.Uint16(b[4:6])
	h.Checksum = binary.BigEndian.Uint16(b[6:8])
}

// TCP flag bits, matching netlib/common.go's TH_* constants.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

// TCPHeader is the fixed 20-byte TCP header (options, if any, follow in the
// payload and are handled by the tcp package), matching ip_helper.go's
// TCPHeader.
type TCPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	DataOff  uint8 // header length in 4-byte words, upper nibble
	Flags    uint8
	Window   uint16
	Checksum uint16
	Urgent   uint16
}

func (h *TCPHeader) HeaderLen() int { return int(h.DataOff>>4) * 4 }

func (h *TCPHeader) SetHeaderLen(n int) { h.DataOff = uint8(n/4) << 4 }

func (h *TCPHeader) Marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = h.DataOff
	b[13] = h.Flags
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	binary.BigEndian.PutUint16(b[16:18], h.Checksum)
	binary.BigEndian.PutUint16(b[18:20], h.Urgent)
}

func (h *TCPHeader) Unmarshal(b []byte) {
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Seq = binary.BigEndian.Uint32(b[4:8])
	h.Ack = binary.BigEndian.Uint32(b[8:12])
	h.DataOff = b[12]
	h.Flags = b[13]
	h.Window = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.Urgent = binary.BigEndian.Uint16(b[18:20])
}

// ICMPHeader matches ip_helper.go's ICMPHeader (echo request/reply shape).
type ICMPHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	ID       uint16
	Seq      uint16
}

const (
	ICMPTypeEchoReply   = 0
	ICMPTypeEchoRequest = 8
)

func (h *ICMPHeader) Marshal(b []byte) {
	b[0] = h.Type
	b[1] = h.Code
	binary.BigEndian.PutUint16(b[2:4], h.Checksum)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.Seq)
}

func (h *ICMPHeader) Unmarshal(b []byte) {
	h.Type = b[0]
	h.Code = b[1]
	h.Checksum = binary.BigEndian.Uint16(b[2:4])
	h.ID = binary.BigEndian.Uint16(b[4:6])
	h.Seq = binary.BigEndian.Uint16(b[6:8])
}
