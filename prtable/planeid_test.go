package prtable

import (
	"net"
	"testing"
)

func TestComposePlaneIDPrefixZeroPlane(t *testing.T) {
	prefix := net.ParseIP("2001:db8:1::")
	got := ComposePlaneIDPrefix(0, prefix, 48)
	want := [16]byte{}
	copy(want[:], prefix.To16()[:6])
	if got != want {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestComposePlaneIDPrefixNonZeroPlaneSurvivesShortOverlay(t *testing.T) {
	prefix := net.ParseIP("2001:db8:1::")
	got := ComposePlaneIDPrefix(7, prefix, 48)
	if got[10] != 0 || got[11] != 7 {
		t.Fatalf("expected planeid bytes preserved when overlay stops at bit 48, got %x", got)
	}
}

func TestComposePlaneIDPrefixLongOverlayOverwritesPlaneID(t *testing.T) {
	// A v6cidr that reaches into bytes 10-11 overwrites the planeid
	// bytes with the configured prefix.
	// specifies ("start with ...; then overlay").
	prefix := make(net.IP, 16)
	for i := range prefix {
		prefix[i] = 0xaa
	}
	got := ComposePlaneIDPrefix(7, prefix, 96)
	if got[10] != 0xaa || got[11] != 0xaa {
		t.Fatalf("expected overlay to overwrite planeid bytes, got %x", got)
	}
}
