package packet

import "encoding/binary"

const (
	IPv4MinHeaderLen = 20

	IPProtoICMP = 1
	IPProtoTCP  = 6
	IPProtoUDP  = 17

	// inaddrMaxLocalGroupLastOctet is 255, the top of the link-local
	// multicast block 224.0.0.0/24 (dropped unconditionally in every
	// tunnel mode).
	inaddrMaxLocalGroupLastOctet = 255

	ipv4FlagDF = 0x4000
	ipv4FlagMF = 0x2000
	ipv4FragOffsetMask = 0x1fff
)

// IPv4 is a read/write view over an IPv4 header (no options support
// beyond skipping them via IHL).
type IPv4 struct {
	b []byte
}

// ParseIPv4 validates the minimum header length and that the buffer
// holds at least IHL*4 bytes before returning a view.
func ParseIPv4(b []byte) (IPv4, bool) {
	if len(b) < IPv4MinHeaderLen {
		return IPv4{}, false
	}
	v := IPv4{b: b}
	if v.Version() != 4 {
		return IPv4{}, false
	}
	ihl := v.IHL()
	if ihl < IPv4MinHeaderLen || len(b) < ihl {
		return IPv4{}, false
	}
	return v, true
}

func (v IPv4) Version() int { return int(v.b[0] >> 4) }
func (v IPv4) IHL() int     { return int(v.b[0]&0x0f) * 4 }
func (v IPv4) TOS() byte    { return v.b[1] }

func (v IPv4) TotalLen() int { return int(binary.BigEndian.Uint16(v.b[2:4])) }
func (v IPv4) SetTotalLen(n int) {
	binary.BigEndian.PutUint16(v.b[2:4], uint16(n))
}

func (v IPv4) ID() uint16 { return binary.BigEndian.Uint16(v.b[4:6]) }

func (v IPv4) flagsAndOffset() uint16 { return binary.BigEndian.Uint16(v.b[6:8]) }
func (v IPv4) setFlagsAndOffset(x uint16) {
	binary.BigEndian.PutUint16(v.b[6:8], x)
}

func (v IPv4) DF() bool { return v.flagsAndOffset()&ipv4FlagDF != 0 }
func (v IPv4) MF() bool { return v.flagsAndOffset()&ipv4FlagMF != 0 }

// FragOffset is in 8-byte units, per RFC 791.
func (v IPv4) FragOffset() int { return int(v.flagsAndOffset() & ipv4FragOffsetMask) }

func (v IPv4) SetDF(on bool) {
	x := v.flagsAndOffset()
	if on {
		x |= ipv4FlagDF
	} else {
		x &^= ipv4FlagDF
	}
	v.setFlagsAndOffset(x)
}

func (v IPv4) SetMF(on bool) {
	x := v.flagsAndOffset()
	if on {
		x |= ipv4FlagMF
	} else {
		x &^= ipv4FlagMF
	}
	v.setFlagsAndOffset(x)
}

func (v IPv4) SetFragOffset(units int) {
	x := v.flagsAndOffset() &^ ipv4FragOffsetMask
	v.setFlagsAndOffset(x | uint16(units&ipv4FragOffsetMask))
}

func (v IPv4) TTL() byte          { return v.b[8] }
func (v IPv4) SetTTL(t byte)      { v.b[8] = t }
func (v IPv4) Protocol() byte     { return v.b[9] }
func (v IPv4) SetProtocol(p byte) { v.b[9] = p }
func (v IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(v.b[10:12]) }
func (v IPv4) SetChecksum(c uint16) {
	binary.BigEndian.PutUint16(v.b[10:12], c)
}

func (v IPv4) Src() [4]byte {
	var a [4]byte
	copy(a[:], v.b[12:16])
	return a
}
func (v IPv4) Dst() [4]byte {
	var a [4]byte
	copy(a[:], v.b[16:20])
	return a
}
func (v IPv4) SrcBytes() []byte { return v.b[12:16] }
func (v IPv4) DstBytes() []byte { return v.b[16:20] }

func (v IPv4) SetSrc(a [4]byte) { copy(v.b[12:16], a[:]) }
func (v IPv4) SetDst(a [4]byte) { copy(v.b[16:20], a[:]) }

// Header returns the bytes that make up the IP header (including
// options, if any — IHL bytes).
func (v IPv4) Header() []byte { return v.b[:v.IHL()] }

// Payload returns the bytes following the header, up to TotalLen.
func (v IPv4) Payload() []byte {
	ihl := v.IHL()
	total := v.TotalLen()
	if total > len(v.b) {
		total = len(v.b)
	}
	if ihl > total {
		return nil
	}
	return v.b[ihl:total]
}

// Raw returns the full backing slice (header+payload as stored).
func (v IPv4) Raw() []byte { return v.b }

// IsLinkLocalMulticast reports whether dst is in 224.0.0.0/24.
func IsLinkLocalMulticast(a [4]byte) bool {
	return a[0] == 224 && a[1] == 0 && a[2] == 0 && a[3] <= inaddrMaxLocalGroupLastOctet
}

// IsMulticast reports whether a is in 224.0.0.0/4.
func IsMulticast(a [4]byte) bool {
	return a[0]&0xf0 == 224
}

// IsBroadcast reports the limited broadcast address 255.255.255.255.
func IsBroadcast(a [4]byte) bool {
	return a == [4]byte{255, 255, 255, 255}
}

// Checksum16 computes the Internet checksum (RFC 1071) over b.
func Checksum16(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// FixChecksum recomputes and writes the header checksum.
func (v IPv4) FixChecksum() {
	v.SetChecksum(0)
	v.SetChecksum(Checksum16(v.Header()))
}
