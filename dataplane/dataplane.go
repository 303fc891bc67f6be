// Package dataplane implements the bidirectional packet engine: read
// an Ethernet frame from one TAP device, transform its headers, and
// produce the frame(s) ready to write to the other TAP device.
// Encapsulate handles stub→backbone (IPv4-in-IPv6); Decapsulate
// handles backbone→stub.
package dataplane

import (
	"github.com/m46e/m46ed/addrmap"
	"github.com/m46e/m46ed/internal/stats"
	"github.com/m46e/m46ed/packet"
	"github.com/m46e/m46ed/pmtu"
	"github.com/m46e/m46ed/prtable"
)

// outerIPv6HeaderLen is the fixed outer header size every encapsulated
// packet adds.
const outerIPv6HeaderLen = packet.IPv6HeaderLen

// Config bundles everything Encapsulate/Decapsulate need that does not
// change per packet.
type Config struct {
	Mode     addrmap.Mode
	Prefixes addrmap.Prefixes
	PR       *prtable.Table // only consulted in PR mode
	PMTU     *pmtu.Cache
	Stats    *stats.Block
	HopLimit byte

	ForceFragment bool

	BackboneMAC [6]byte
	StubMAC     [6]byte

	// StubIPv4 is used as the source address of a locally-generated
	// ICMPv4 Fragmentation Needed reply.
	StubIPv4 [4]byte
}

func defaultHopLimit(h byte) byte {
	if h == 0 {
		return 128
	}
	return h
}

// EncapResult is the outcome of processing one stub-side frame.
type EncapResult struct {
	// BackboneFrames holds zero, one, or (on fragmentation) several
	// complete Ethernet frames ready to write to the backbone TAP, in
	// order.
	BackboneFrames [][]byte
	// ICMPFrame, if non-nil, is a Fragmentation-Needed reply ready to
	// write back to the stub TAP.
	ICMPFrame []byte
	Drop      DropReason
}

// DropReason enumerates every non-forward disposition a frame can
// reach. Stats counters are incremented inline where a reason is
// returned; DropMalformed, and DropBroadcastMAC on the encapsulation
// side, increment no counter.
type DropReason int

const (
	DropNone DropReason = iota
	DropBroadcastMAC
	DropNotIPv4
	DropNotIPv6
	DropAddrMap // address-based drop; the specific reason is only reflected in stats
	DropTTLExpired
	DropPRReverseCheck
	DropOtherNextHeader
	DropMalformed
)

// Encapsulate implements the stub→backbone direction.
func Encapsulate(frame []byte, cfg *Config) EncapResult {
	eth, ok := packet.ParseEthernet(frame)
	if !ok {
		return EncapResult{Drop: DropMalformed}
	}
	if eth.IsBroadcast() {
		return EncapResult{Drop: DropBroadcastMAC}
	}
	if eth.EtherType() != packet.EtherTypeIPv4 {
		cfg.incr(stats.ErrOtherProto)
		return EncapResult{Drop: DropNotIPv4}
	}

	inner, ok := packet.ParseIPv4(eth.Payload())
	if !ok || inner.TotalLen() > len(eth.Payload()) {
		return EncapResult{Drop: DropMalformed}
	}
	innerBytes := inner.Raw()[:inner.TotalLen()]

	mapped := addrmap.Map(cfg.Mode, cfg.Prefixes, inner, inner.Payload(), cfg.PR)
	if mapped.Drop != addrmap.DropNone {
		cfg.incrAddrMapDrop(mapped.Drop)
		return EncapResult{Drop: DropAddrMap}
	}

	dstMAC := cfg.BackboneMAC
	if packet.IsIPv6Multicast(mapped.OuterDst[:]) {
		dstMAC = packet.MulticastMACv6(mapped.OuterDst[:])
	}

	need := outerIPv6HeaderLen + len(innerBytes)
	mtu := cfg.PMTU.Lookup(mapped.OuterDst)
	if need <= mtu {
		out := buildOuterFrame(dstMAC, cfg.BackboneMAC, mapped.OuterSrc, mapped.OuterDst, innerBytes, defaultHopLimit(cfg.HopLimit))
		cfg.incrForwarded(inner.Dst())
		return EncapResult{BackboneFrames: [][]byte{out}}
	}

	return fragmentOrICMP(eth, inner, innerBytes, mapped, dstMAC, mtu, cfg)
}

func fragmentOrICMP(eth packet.Ethernet, inner packet.IPv4, innerBytes []byte, mapped addrmap.Result, dstMAC [6]byte, mtu int, cfg *Config) EncapResult {
	forceClearDF := inner.DF() && cfg.ForceFragment
	if inner.DF() && !cfg.ForceFragment {
		icmp := buildFragNeededIfEligible(eth, inner, innerBytes, mtu, cfg)
		return EncapResult{ICMPFrame: icmp, Drop: DropNone}
	}

	innerIHL := inner.IHL()
	maxPayload := (mtu - outerIPv6HeaderLen - innerIHL) &^ 7
	if maxPayload < 8 {
		// PMTU too small to carry even one 8-byte chunk: nothing sane
		// to emit. Treat as a drop; a misconfigured tunnel MTU below
		// the IPv6 minimum should never reach this path (pmtu.Cache
		// enforces MinMTU=1280).
		return EncapResult{Drop: DropMalformed}
	}

	payload := innerBytes[innerIHL:]
	originalOffsetUnits := inner.FragOffset()
	originalMF := inner.MF()

	var frames [][]byte
	for off := 0; off < len(payload); off += maxPayload {
		end := off + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		last := end == len(payload)

		fragBuf := make([]byte, innerIHL+len(chunk))
		copy(fragBuf, innerBytes[:innerIHL])
		copy(fragBuf[innerIHL:], chunk)
		frag, _ := packet.ParseIPv4(fragBuf)
		frag.SetTotalLen(len(fragBuf))
		frag.SetFragOffset(originalOffsetUnits + off/8)
		if forceClearDF {
			frag.SetDF(false)
		}
		if last {
			frag.SetMF(originalMF)
		} else {
			frag.SetMF(true)
		}
		frag.FixChecksum()

		out := buildOuterFrame(dstMAC, cfg.BackboneMAC, mapped.OuterSrc, mapped.OuterDst, fragBuf, defaultHopLimit(cfg.HopLimit))
		frames = append(frames, out)
		cfg.incr(stats.FragmentsEmitted)
	}
	cfg.incrForwarded(inner.Dst())
	return EncapResult{BackboneFrames: frames}
}

func buildFragNeededIfEligible(eth packet.Ethernet, inner packet.IPv4, innerBytes []byte, mtu int, cfg *Config) []byte {
	if inner.FragOffset() != 0 {
		return nil
	}
	dst := inner.Dst()
	if packet.IsMulticast(dst) || packet.IsBroadcast(dst) {
		return nil
	}
	if inner.Protocol() == packet.IPProtoICMP {
		payload := inner.Payload()
		icmpIn, ok := packet.ParseICMPv4(payload)
		if !ok || !icmpIn.IsQueryOrRedirect() {
			return nil
		}
	}

	innerIHL := inner.IHL()
	trailerLen := innerIHL + 8
	if trailerLen > len(innerBytes) {
		trailerLen = len(innerBytes)
	}

	icmpBuf := make([]byte, packet.ICMPv4HeaderLen+trailerLen)
	nextHopMTU := mtu - outerIPv6HeaderLen
	n := packet.BuildFragNeeded(icmpBuf, uint16(nextHopMTU), innerBytes[:trailerLen])
	icmpBuf = icmpBuf[:n]

	outTotalLen := 20 + len(icmpBuf)
	ipBuf := make([]byte, outTotalLen)
	ipBuf[0] = 0x45
	replyIP, _ := packet.ParseIPv4(ipBuf)
	replyIP.SetTotalLen(outTotalLen)
	replyIP.SetTTL(64)
	replyIP.SetProtocol(packet.IPProtoICMP)
	replyIP.SetSrc(cfg.StubIPv4)
	replyIP.SetDst(inner.Src())
	copy(ipBuf[20:], icmpBuf)
	replyIP.FixChecksum()

	frameBuf := make([]byte, packet.EthHeaderLen+len(ipBuf))
	e := packet.BuildEthernet(frameBuf, eth.Src(), cfg.StubMAC[:], packet.EtherTypeIPv4)
	copy(e.Payload(), ipBuf)
	cfg.incr(stats.FragNeededSent)
	return frameBuf
}

func buildOuterFrame(dstMAC, srcMAC [6]byte, outerSrc, outerDst [16]byte, innerBytes []byte, hopLimit byte) []byte {
	total := packet.EthHeaderLen + outerIPv6HeaderLen + len(innerBytes)
	buf := make([]byte, total)
	packet.BuildEthernet(buf, dstMAC[:], srcMAC[:], packet.EtherTypeIPv6)
	v6 := packet.BuildIPv6Header(buf[packet.EthHeaderLen:], outerSrc[:], outerDst[:], packet.IPProtoIPIP, len(innerBytes), hopLimit)
	copy(v6.Payload(), innerBytes)
	return buf
}

func (c *Config) incr(i int) {
	if c.Stats != nil {
		c.Stats.Incr(i)
	}
}

func (c *Config) incrForwarded(dst [4]byte) {
	if packet.IsMulticast(dst) {
		c.incr(stats.MulticastForwarded)
	} else {
		c.incr(stats.UnicastForwarded)
	}
}

func (c *Config) incrAddrMapDrop(r addrmap.DropReason) {
	switch r {
	case addrmap.DropLinkLocalMulticast:
		c.incr(stats.DropLinkLocalMulticast)
	case addrmap.DropPRNoMatch:
		c.incr(stats.PRSearchFailure)
	case addrmap.DropPRMulticast:
		c.incr(stats.PRMulti)
	default:
		c.incr(stats.ErrOtherProto)
	}
}

// PTBEvent is a Packet-Too-Big observation extracted from an inbound
// ICMPv6 message, destined for the PMTU cache by way of the command
// channel between namespaces.
type PTBEvent struct {
	Dst [16]byte
	MTU int
}

// DecapResult is the outcome of processing one backbone-side frame.
type DecapResult struct {
	// StubFrame, if non-nil, is a complete Ethernet frame ready to
	// write to the stub TAP.
	StubFrame []byte
	// PTB, if non-nil, must be forwarded to the PMTU cache (normally
	// by sending it across the parent/child command channel).
	PTB  *PTBEvent
	Drop DropReason
}

// Decapsulate implements the backbone→stub direction.
func Decapsulate(frame []byte, cfg *Config) DecapResult {
	eth, ok := packet.ParseEthernet(frame)
	if !ok {
		return DecapResult{Drop: DropMalformed}
	}
	if eth.IsBroadcast() {
		cfg.incr(stats.DropBroadcastMAC)
		return DecapResult{Drop: DropBroadcastMAC}
	}
	if eth.EtherType() != packet.EtherTypeIPv6 {
		cfg.incr(stats.ErrOtherProto)
		return DecapResult{Drop: DropNotIPv6}
	}

	outer, ok := packet.ParseIPv6(eth.Payload())
	if !ok {
		return DecapResult{Drop: DropMalformed}
	}

	switch outer.NextHeader() {
	case packet.IPProtoIPIP:
		return decapIPIP(eth, outer, cfg)
	case packet.IPProtoICMPv6:
		return decapICMPv6(outer, cfg)
	default:
		cfg.incr(stats.ErrNextHeader)
		return DecapResult{Drop: DropOtherNextHeader}
	}
}

func decapIPIP(eth packet.Ethernet, outer packet.IPv6, cfg *Config) DecapResult {
	if cfg.Mode == addrmap.ModePR && cfg.PR != nil {
		var src [16]byte
		copy(src[:], outer.Src())
		if !cfg.PR.ReverseCheck(src) {
			cfg.incr(stats.PRSearchFailure)
			return DecapResult{Drop: DropPRReverseCheck}
		}
	}

	inner, ok := packet.ParseIPv4(outer.Payload())
	if !ok {
		return DecapResult{Drop: DropMalformed}
	}
	dst := inner.Dst()

	if packet.IsLinkLocalMulticast(dst) {
		cfg.incr(stats.DropLinkLocalMulticast)
		return DecapResult{Drop: DropAddrMap}
	}
	if inner.TTL() == 1 {
		cfg.incr(stats.DropTTLExpired)
		return DecapResult{Drop: DropTTLExpired}
	}

	innerBytes := outer.Payload()
	frameBuf := make([]byte, packet.EthHeaderLen+len(innerBytes))
	dstMAC := cfg.StubMAC[:]
	if packet.IsMulticast(dst) {
		mac := packet.MulticastMAC(dst)
		dstMAC = mac[:]
		cfg.incr(stats.MulticastForwarded)
	} else {
		cfg.incr(stats.UnicastForwarded)
	}
	e := packet.BuildEthernet(frameBuf, dstMAC, eth.Src(), packet.EtherTypeIPv4)
	copy(e.Payload(), innerBytes)
	return DecapResult{StubFrame: frameBuf}
}

func decapICMPv6(outer packet.IPv6, cfg *Config) DecapResult {
	cfg.incr(stats.ErrNextHeader)
	icmp, ok := packet.ParseICMPv6(outer.Payload())
	if !ok || icmp.Type() != packet.ICMPv6TypePacketTooBig {
		return DecapResult{Drop: DropOtherNextHeader}
	}
	embedded := icmp.EmbeddedPacket()
	orig, ok := packet.ParseIPv6(embedded)
	if !ok {
		return DecapResult{Drop: DropOtherNextHeader}
	}
	var dst [16]byte
	copy(dst[:], orig.Dst())
	return DecapResult{
		PTB:  &PTBEvent{Dst: dst, MTU: int(icmp.MTU())},
		Drop: DropOtherNextHeader,
	}
}
