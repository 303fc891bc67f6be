package packet

import "testing"

func buildIPv4(t *testing.T, totalLen int, df, mf bool, fragOffset int, proto byte, src, dst [4]byte) []byte {
	t.Helper()
	b := make([]byte, totalLen)
	b[0] = 0x45
	b[1] = 0
	v := IPv4{b: b}
	v.SetTotalLen(totalLen)
	v.SetDF(df)
	v.SetMF(mf)
	v.SetFragOffset(fragOffset)
	b[8] = 64
	b[9] = proto
	v.SetSrc(src)
	v.SetDst(dst)
	v.FixChecksum()
	return b
}

func TestParseIPv4RejectsShortBuffer(t *testing.T) {
	if _, ok := ParseIPv4(make([]byte, 10)); ok {
		t.Fatal("expected short buffer to be rejected")
	}
}

func TestIPv4FlagsRoundTrip(t *testing.T) {
	raw := buildIPv4(t, 100, true, false, 0, IPProtoUDP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2})
	v, ok := ParseIPv4(raw)
	if !ok {
		t.Fatal("expected valid header")
	}
	if !v.DF() || v.MF() {
		t.Fatalf("DF/MF mismatch: df=%v mf=%v", v.DF(), v.MF())
	}
	if v.TotalLen() != 100 {
		t.Fatalf("total len = %d, want 100", v.TotalLen())
	}
	if v.Checksum() == 0 {
		t.Fatal("checksum should be non-zero for this header")
	}
}

func TestChecksum16KnownVector(t *testing.T) {
	// Sample header: its words fold to 0x4e19, so its checksum is 0xb1e6.
	hdr := []byte{0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00, 0x40, 0x06, 0x00, 0x00, 0xac, 0x10, 0x0a, 0x63, 0xac, 0x10, 0x0a, 0x0c}
	c := Checksum16(hdr)
	hdr[10] = byte(c >> 8)
	hdr[11] = byte(c)
	if Checksum16(hdr) != 0 {
		t.Fatalf("checksum did not self-verify, got residual %x", Checksum16(hdr))
	}
}

func TestLinkLocalMulticast(t *testing.T) {
	if !IsLinkLocalMulticast([4]byte{224, 0, 0, 1}) {
		t.Fatal("224.0.0.1 should be link-local multicast")
	}
	if IsLinkLocalMulticast([4]byte{224, 0, 1, 1}) {
		t.Fatal("224.0.1.1 should not be link-local multicast")
	}
	if !IsMulticast([4]byte{239, 1, 2, 3}) {
		t.Fatal("239.1.2.3 should be multicast")
	}
}
