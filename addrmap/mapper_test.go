package addrmap

import (
	"net"
	"testing"

	"github.com/m46e/m46ed/packet"
	"github.com/m46e/m46ed/prtable"
)

func mustPrefix(t *testing.T, s string) [16]byte {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad ip %s", s)
	}
	var out [16]byte
	copy(out[:], ip.To16())
	return out
}

func buildInnerIPv4(t *testing.T, src, dst [4]byte, totalLen int, proto byte) packet.IPv4 {
	t.Helper()
	b := make([]byte, totalLen)
	b[0] = 0x45
	b[9] = proto
	v, ok := packet.ParseIPv4(b)
	if !ok {
		t.Fatal("failed to build test ipv4 packet")
	}
	v.SetTotalLen(totalLen)
	v.SetSrc(src)
	v.SetDst(dst)
	return v
}

func TestMapNormalUnicast(t *testing.T) {
	prefixes := Prefixes{Unicast: Prefix{Bytes: mustPrefix(t, "2001:db8:1::"), Bits: 48}}
	inner := buildInnerIPv4(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 100, packet.IPProtoUDP)

	res := Map(ModeNormal, prefixes, inner, nil, nil)
	if res.Drop != DropNone {
		t.Fatalf("unexpected drop: %v", res.Drop)
	}
	wantSrc := mustPrefix(t, "2001:db8:1::a00:1")
	wantDst := mustPrefix(t, "2001:db8:1::a00:2")
	if res.OuterSrc != wantSrc {
		t.Fatalf("src = %x, want %x", res.OuterSrc, wantSrc)
	}
	if res.OuterDst != wantDst {
		t.Fatalf("dst = %x, want %x", res.OuterDst, wantDst)
	}
}

func TestMapNormalMulticast(t *testing.T) {
	prefixes := Prefixes{
		Unicast:   Prefix{Bytes: mustPrefix(t, "2001:db8:1::"), Bits: 48},
		Multicast: Prefix{Bytes: mustPrefix(t, "ff0e:db8:1::"), Bits: 48},
	}
	inner := buildInnerIPv4(t, [4]byte{10, 0, 0, 1}, [4]byte{239, 1, 2, 3}, 100, packet.IPProtoUDP)

	res := Map(ModeNormal, prefixes, inner, nil, nil)
	if res.Drop != DropNone {
		t.Fatalf("unexpected drop: %v", res.Drop)
	}
	wantDst := mustPrefix(t, "ff0e:db8:1::ef01:0203")
	if res.OuterDst != wantDst {
		t.Fatalf("dst = %x, want %x", res.OuterDst, wantDst)
	}
}

func TestMapDropsLinkLocalMulticastInAllModes(t *testing.T) {
	prefixes := Prefixes{Unicast: Prefix{Bytes: mustPrefix(t, "2001:db8:1::")}}
	inner := buildInnerIPv4(t, [4]byte{10, 0, 0, 1}, [4]byte{224, 0, 0, 1}, 100, packet.IPProtoUDP)

	for _, m := range []Mode{ModeNormal, ModeAS, ModePR} {
		res := Map(m, prefixes, inner, []byte{0, 0, 0, 0}, prtable.New(0, nil))
		if res.Drop != DropLinkLocalMulticast {
			t.Fatalf("mode %v: drop = %v, want DropLinkLocalMulticast", m, res.Drop)
		}
	}
}

func TestMapPRLookup(t *testing.T) {
	tbl := prtable.New(0, nil)
	add := func(v4 string, cidr int, prefix string) {
		if err := tbl.Add(prtable.PRConfigEntry{
			Enable: true, V4Net: net.ParseIP(v4), V4CIDR: cidr,
			PRPrefix: net.ParseIP(prefix), V6CIDR: 96,
		}); err != nil {
			t.Fatal(err)
		}
	}
	add("10.1.0.0", 16, "2001:db8:aa::")
	add("10.1.2.0", 24, "2001:db8:bb::")

	prefixes := Prefixes{SrcUnicast: Prefix{Bytes: mustPrefix(t, "2001:db8:5::")}}
	inner := buildInnerIPv4(t, [4]byte{10, 9, 9, 9}, [4]byte{10, 1, 2, 5}, 100, packet.IPProtoUDP)

	res := Map(ModePR, prefixes, inner, nil, tbl)
	if res.Drop != DropNone {
		t.Fatalf("unexpected drop: %v", res.Drop)
	}
	wantDst := mustPrefix(t, "2001:db8:bb::a01:0205")
	if res.OuterDst != wantDst {
		t.Fatalf("dst = %x, want %x", res.OuterDst, wantDst)
	}
}

func TestMapPRNoMatchDrops(t *testing.T) {
	tbl := prtable.New(0, nil)
	if err := tbl.Add(prtable.PRConfigEntry{Enable: true, V4Net: net.ParseIP("10.1.0.0"), V4CIDR: 16, PRPrefix: net.ParseIP("2001:db8:aa::"), V6CIDR: 96}); err != nil {
		t.Fatal(err)
	}
	prefixes := Prefixes{SrcUnicast: Prefix{Bytes: mustPrefix(t, "2001:db8:5::")}}
	inner := buildInnerIPv4(t, [4]byte{10, 9, 9, 9}, [4]byte{192, 168, 1, 1}, 100, packet.IPProtoUDP)

	res := Map(ModePR, prefixes, inner, nil, tbl)
	if res.Drop != DropPRNoMatch {
		t.Fatalf("drop = %v, want DropPRNoMatch", res.Drop)
	}
}

func TestMapPRMulticastAlwaysDrops(t *testing.T) {
	tbl := prtable.New(0, nil)
	prefixes := Prefixes{SrcUnicast: Prefix{Bytes: mustPrefix(t, "2001:db8:5::")}}
	inner := buildInnerIPv4(t, [4]byte{10, 9, 9, 9}, [4]byte{239, 1, 1, 1}, 100, packet.IPProtoUDP)

	res := Map(ModePR, prefixes, inner, nil, tbl)
	if res.Drop != DropPRMulticast {
		t.Fatalf("drop = %v, want DropPRMulticast", res.Drop)
	}
}

func TestMapASEmbedsPorts(t *testing.T) {
	prefixes := Prefixes{Unicast: Prefix{Bytes: mustPrefix(t, "2001:db8:1::")}}
	inner := buildInnerIPv4(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 100, packet.IPProtoTCP)
	payload := make([]byte, 20)
	payload[0], payload[1] = 0x1f, 0x90 // sport 8080
	payload[2], payload[3] = 0x00, 0x50 // dport 80

	res := Map(ModeAS, prefixes, inner, payload, nil)
	if res.Drop != DropNone {
		t.Fatalf("unexpected drop: %v", res.Drop)
	}
	if res.OuterSrc[14] != 0x1f || res.OuterSrc[15] != 0x90 {
		t.Fatalf("expected sport embedded in low 16 bits, got %x", res.OuterSrc)
	}
	if res.OuterDst[14] != 0x00 || res.OuterDst[15] != 0x50 {
		t.Fatalf("expected dport embedded in low 16 bits, got %x", res.OuterDst)
	}
}

func TestMapASDropsFragments(t *testing.T) {
	prefixes := Prefixes{Unicast: Prefix{Bytes: mustPrefix(t, "2001:db8:1::")}}
	b := make([]byte, 100)
	b[0] = 0x45
	b[2], b[3] = 0, 100
	b[6], b[7] = 0x20, 0x00 // MF=1
	b[9] = packet.IPProtoTCP
	copy(b[12:16], []byte{10, 0, 0, 1})
	copy(b[16:20], []byte{10, 0, 0, 2})
	inner, ok := packet.ParseIPv4(b)
	if !ok {
		t.Fatal("bad test packet")
	}

	res := Map(ModeAS, prefixes, inner, make([]byte, 20), nil)
	if res.Drop != DropFragmented {
		t.Fatalf("drop = %v, want DropFragmented", res.Drop)
	}
}
