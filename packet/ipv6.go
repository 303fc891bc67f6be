package packet

import "encoding/binary"

const (
	IPv6HeaderLen = 40

	IPProtoIPIP   = 4  // IPv4-in-IPv6 encapsulation
	IPProtoICMPv6 = 58
)

// IPv6 is a read/write view over a fixed 40-byte IPv6 header. Options
// (extension headers) are out of scope: this tunnel never emits them
// and drops anything unrecognized on receive.
type IPv6 struct {
	b []byte
}

func ParseIPv6(b []byte) (IPv6, bool) {
	if len(b) < IPv6HeaderLen {
		return IPv6{}, false
	}
	v := IPv6{b: b}
	if v.Version() != 6 {
		return IPv6{}, false
	}
	return v, true
}

func (v IPv6) Version() int { return int(v.b[0] >> 4) }

func (v IPv6) PayloadLen() int { return int(binary.BigEndian.Uint16(v.b[4:6])) }
func (v IPv6) SetPayloadLen(n int) {
	binary.BigEndian.PutUint16(v.b[4:6], uint16(n))
}

func (v IPv6) NextHeader() byte     { return v.b[6] }
func (v IPv6) SetNextHeader(p byte) { v.b[6] = p }

func (v IPv6) HopLimit() byte     { return v.b[7] }
func (v IPv6) SetHopLimit(h byte) { v.b[7] = h }

func (v IPv6) Src() []byte { return v.b[8:24] }
func (v IPv6) Dst() []byte { return v.b[24:40] }

func (v IPv6) SetSrc(a []byte) { copy(v.b[8:24], a) }
func (v IPv6) SetDst(a []byte) { copy(v.b[24:40], a) }

// SetVersionTrafficClassFlow writes version=6 and zeroes the traffic
// class/flow label; the outer IPv6 header never carries options.
func (v IPv6) SetVersionTrafficClassFlow() {
	v.b[0] = 0x60
	v.b[1] = 0
	v.b[2] = 0
	v.b[3] = 0
}

// Payload returns the bytes following the fixed 40-byte header.
func (v IPv6) Payload() []byte {
	end := IPv6HeaderLen + v.PayloadLen()
	if end > len(v.b) {
		end = len(v.b)
	}
	return v.b[IPv6HeaderLen:end]
}

func (v IPv6) Raw() []byte { return v.b }

// BuildIPv6Header writes a 40-byte header into the front of dst and
// returns a view over the whole of dst, so the returned value's
// Payload() addresses the bytes following the header rather than an
// empty slice. dst must be at least IPv6HeaderLen+payloadLen long.
func BuildIPv6Header(dst []byte, src, dstAddr []byte, nextHeader byte, payloadLen int, hopLimit byte) IPv6 {
	v := IPv6{b: dst}
	v.SetVersionTrafficClassFlow()
	v.SetPayloadLen(payloadLen)
	v.SetNextHeader(nextHeader)
	v.SetHopLimit(hopLimit)
	v.SetSrc(src)
	v.SetDst(dstAddr)
	return v
}

// IsIPv6Multicast reports whether the address's first byte is 0xff.
func IsIPv6Multicast(a []byte) bool {
	return len(a) > 0 && a[0] == 0xff
}
