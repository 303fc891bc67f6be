package packet

import "encoding/binary"

// Ports extracts the (source, destination) port pair from a TCP or
// UDP payload; both headers place the ports in the same first 4
// bytes. Returns false if the payload is too short.
func Ports(payload []byte) (src, dst uint16, ok bool) {
	if len(payload) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), true
}

// ICMPv4 is a read/write view over an ICMP header.
type ICMPv4 struct {
	b []byte
}

const (
	ICMPv4HeaderLen = 8

	ICMPv4TypeEchoReply   = 0
	ICMPv4TypeUnreachable = 3
	ICMPv4TypeRedirect    = 5
	ICMPv4TypeEchoRequest = 8

	ICMPv4CodeFragNeeded = 4
)

func ParseICMPv4(b []byte) (ICMPv4, bool) {
	if len(b) < ICMPv4HeaderLen {
		return ICMPv4{}, false
	}
	return ICMPv4{b: b}, true
}

func (i ICMPv4) Type() byte { return i.b[0] }
func (i ICMPv4) Code() byte { return i.b[1] }

// IsQueryOrRedirect reports whether the message is a query type (echo,
// timestamp, etc. — anything that is not an error report) or a
// Redirect: a Frag-Needed reply is only generated for a triggering
// packet that is a query or a Redirect, never for another ICMP error.
func (i ICMPv4) IsQueryOrRedirect() bool {
	switch i.Type() {
	case 0, 5, 8, 13, 14, 15, 16, 17, 18: // echo reply/request, redirect, timestamp, info
		return true
	default:
		return false
	}
}

// BuildFragNeeded writes an ICMPv4 "Fragmentation Needed" message
// (type=3 code=4) into dst: 8-byte ICMP header (with next_hop_mtu in
// the low 16 bits of the unused field) followed by innerHeaderAnd8.
// dst must be at least 8+len(innerHeaderAnd8) bytes.
func BuildFragNeeded(dst []byte, nextHopMTU uint16, innerHeaderAnd8 []byte) int {
	dst[0] = ICMPv4TypeUnreachable
	dst[1] = ICMPv4CodeFragNeeded
	dst[2], dst[3] = 0, 0 // checksum, filled below
	dst[4], dst[5] = 0, 0 // unused
	binary.BigEndian.PutUint16(dst[6:8], nextHopMTU)
	n := copy(dst[8:], innerHeaderAnd8)
	total := 8 + n
	cksum := Checksum16(dst[:total])
	binary.BigEndian.PutUint16(dst[2:4], cksum)
	return total
}

// ICMPv6 is a read-only view sufficient for classifying a received
// message and extracting a Packet-Too-Big payload.
type ICMPv6 struct {
	b []byte
}

const (
	ICMPv6HeaderLen = 8

	ICMPv6TypePacketTooBig = 2
)

func ParseICMPv6(b []byte) (ICMPv6, bool) {
	if len(b) < ICMPv6HeaderLen {
		return ICMPv6{}, false
	}
	return ICMPv6{b: b}, true
}

func (i ICMPv6) Type() byte { return i.b[0] }
func (i ICMPv6) Code() byte { return i.b[1] }

// MTU returns the advertised MTU field of a Packet-Too-Big message
// (bytes 4..8, per RFC 4443 §3.2).
func (i ICMPv6) MTU() uint32 {
	return binary.BigEndian.Uint32(i.b[4:8])
}

// EmbeddedPacket returns the offending packet the router embedded
// after the ICMPv6 header (the original IPv6 header + as much of the
// payload as fit).
func (i ICMPv6) EmbeddedPacket() []byte {
	if len(i.b) <= ICMPv6HeaderLen {
		return nil
	}
	return i.b[ICMPv6HeaderLen:]
}
