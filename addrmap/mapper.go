// Package addrmap computes the outer IPv6 (source, destination) pair
// for an inner IPv4 packet under one of three tunneling modes, or a
// reason the packet should be dropped instead.
package addrmap

import (
	"encoding/binary"

	"github.com/m46e/m46ed/packet"
	"github.com/m46e/m46ed/prtable"
)

// Mode selects how an inner IPv4 packet's addresses are folded into
// the outer IPv6 header.
type Mode int

const (
	ModeNormal Mode = iota
	ModeAS
	ModePR
)

// Prefix is a 128-bit value with an explicit prefix length in bits.
type Prefix struct {
	Bytes [16]byte
	Bits  int
}

// Prefixes bundles the prefixes a mapper needs: unicast, the
// pr-mode source prefix, and multicast.
type Prefixes struct {
	Unicast    Prefix
	SrcUnicast Prefix // PR mode only
	Multicast  Prefix
}

// DropReason names why a packet was not mapped to an outer header;
// callers increment the matching stats counter and silently drop —
// these are routine protocol drops, not errors worth logging per packet.
type DropReason int

const (
	DropNone DropReason = iota
	DropLinkLocalMulticast
	DropNotTCPUDP
	DropFragmented
	DropPRNoMatch
	DropPRMulticast
)

// overlayLow32 writes addr into the last 4 bytes of a 16-byte prefix.
func overlayLow32(prefix [16]byte, addr [4]byte) [16]byte {
	out := prefix
	copy(out[12:16], addr[:])
	return out
}

// Result is the computed outer header, or a non-zero Drop reason.
type Result struct {
	OuterSrc [16]byte
	OuterDst [16]byte
	Drop     DropReason
}

// Map dispatches to the mode-specific address mapping: Normal
// unicast/multicast, AS unicast/multicast (port-embedding), PR unicast
// (table lookup) and PR multicast (always drop). payload is the L4
// payload following the IPv4 header, used only in AS mode to extract
// ports.
func Map(mode Mode, prefixes Prefixes, inner packet.IPv4, payload []byte, pr *prtable.Table) Result {
	dst := inner.Dst()
	src := inner.Src()

	if packet.IsLinkLocalMulticast(dst) {
		return Result{Drop: DropLinkLocalMulticast}
	}

	switch mode {
	case ModeNormal:
		return mapNormal(prefixes, src, dst)
	case ModeAS:
		return mapAS(prefixes, inner, src, dst, payload)
	case ModePR:
		return mapPR(prefixes, src, dst, pr)
	default:
		return Result{Drop: DropNotTCPUDP}
	}
}

func mapNormal(p Prefixes, src, dst [4]byte) Result {
	outerSrc := overlayLow32(p.Unicast.Bytes, src)
	if packet.IsMulticast(dst) {
		return Result{OuterSrc: outerSrc, OuterDst: overlayLow32(p.Multicast.Bytes, dst)}
	}
	return Result{OuterSrc: outerSrc, OuterDst: overlayLow32(p.Unicast.Bytes, dst)}
}

// asAddress builds an AS-mode address: 80 bits of plane prefix, 32
// bits of embedded IPv4, 16 bits of embedded L4 port.
func asAddress(prefix [16]byte, addr [4]byte, port uint16) [16]byte {
	var out [16]byte
	copy(out[0:10], prefix[0:10]) // 80 bits of plane prefix
	copy(out[10:14], addr[:])     // 32 bits of IPv4
	binary.BigEndian.PutUint16(out[14:16], port)
	return out
}

func mapAS(p Prefixes, inner packet.IPv4, src, dst [4]byte, payload []byte) Result {
	switch inner.Protocol() {
	case packet.IPProtoTCP, packet.IPProtoUDP:
	default:
		return Result{Drop: DropNotTCPUDP}
	}
	// AS mode needs the L4 ports to build the outer address, so a
	// packet with no first fragment in hand can't be mapped.
	if inner.FragOffset() != 0 || inner.MF() {
		return Result{Drop: DropFragmented}
	}
	sport, dport, ok := packet.Ports(payload)
	if !ok {
		return Result{Drop: DropNotTCPUDP}
	}

	outerSrc := asAddress(p.Unicast.Bytes, src, sport)
	if packet.IsMulticast(dst) {
		return Result{OuterSrc: outerSrc, OuterDst: asAddress(p.Multicast.Bytes, dst, dport)}
	}
	return Result{OuterSrc: outerSrc, OuterDst: asAddress(p.Unicast.Bytes, dst, dport)}
}

func mapPR(p Prefixes, src, dst [4]byte, pr *prtable.Table) Result {
	if packet.IsMulticast(dst) {
		return Result{Drop: DropPRMulticast}
	}
	entry, ok := pr.LookupByDst(dst)
	if !ok {
		return Result{Drop: DropPRNoMatch}
	}
	outerDst := overlayLow32(entry.PRPrefixWithPlaneID, dst)
	outerSrc := overlayLow32(p.SrcUnicast.Bytes, src)
	return Result{OuterSrc: outerSrc, OuterDst: outerDst}
}
