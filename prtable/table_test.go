package prtable

import (
	"net"
	"testing"
)

type recordingSyncer struct {
	installed []PREntry
	removed   []PREntry
	failNext  bool
}

func (r *recordingSyncer) InstallRoute(e PREntry) error {
	if r.failNext {
		r.failNext = false
		return errTestRouteFailure
	}
	r.installed = append(r.installed, e)
	return nil
}

func (r *recordingSyncer) RemoveRoute(e PREntry) error {
	r.removed = append(r.removed, e)
	return nil
}

var errTestRouteFailure = net.InvalidAddrError("simulated route failure")

func cfg(enable bool, v4 string, cidr int, prefix string, v6cidr int) PRConfigEntry {
	return PRConfigEntry{
		Enable:   enable,
		V4Net:    net.ParseIP(v4),
		V4CIDR:   cidr,
		PRPrefix: net.ParseIP(prefix),
		V6CIDR:   v6cidr,
	}
}

func TestAddSortsDescendingByCIDR(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(true, "10.1.0.0", 16, "2001:db8:aa::", 96)))
	must(t, tbl.Add(cfg(true, "10.1.2.0", 24, "2001:db8:bb::", 96)))
	must(t, tbl.Add(cfg(true, "10.0.0.0", 8, "2001:db8:cc::", 96)))

	entries := tbl.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	for i := 0; i+1 < len(entries); i++ {
		if entries[i].V4CIDR < entries[i+1].V4CIDR {
			t.Fatalf("not sorted descending: %v", entries)
		}
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(true, "10.1.0.0", 16, "2001:db8:aa::", 96)))
	if err := tbl.Add(cfg(true, "10.1.0.0", 16, "2001:db8:aa::", 96)); err != ErrAlreadyExists {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestAddRejectsNonNetworkAddress(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	err := tbl.Add(cfg(true, "10.1.0.5", 24, "2001:db8:aa::", 96))
	if err == nil {
		t.Fatal("expected InvalidAddress error")
	}
}

func TestAddRespectsCapacity(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	for i := 0; i < MaxEntries; i++ {
		ip := net.IPv4(10, byte(i>>8), byte(i), 0)
		must(t, tbl.Add(cfg(false, ip.String(), 32, "2001:db8::", 96)))
	}
	if err := tbl.Add(cfg(false, "11.0.0.0", 32, "2001:db8::", 96)); err != ErrFull {
		t.Fatalf("got %v, want ErrFull", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(true, "10.0.0.0", 8, "2001:db8::", 96)))
	if err := tbl.Delete(net.ParseIP("10.1.0.0"), 16); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteLastEntry(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(true, "10.0.0.0", 8, "2001:db8::", 96)))
	if err := tbl.Delete(net.ParseIP("10.0.0.0"), 8); err != ErrLastEntry {
		t.Fatalf("got %v, want ErrLastEntry", err)
	}
}

func TestAddThenDeleteRoundTrips(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(true, "10.0.0.0", 8, "2001:db8::", 96)))
	must(t, tbl.Add(cfg(true, "10.1.0.0", 16, "2001:db8:aa::", 96)))
	must(t, tbl.Delete(net.ParseIP("10.1.0.0"), 16))
	if tbl.Len() != 1 {
		t.Fatalf("len = %d, want 1", tbl.Len())
	}
}

func TestSetEnableIdempotent(t *testing.T) {
	sync := &recordingSyncer{}
	tbl := New(0, sync)
	must(t, tbl.Add(cfg(false, "10.0.0.0", 8, "2001:db8::", 96)))
	must(t, tbl.SetEnable(net.ParseIP("10.0.0.0"), 8, true))
	must(t, tbl.SetEnable(net.ParseIP("10.0.0.0"), 8, true))
	if len(sync.installed) != 1 {
		t.Fatalf("installed %d times, want 1 (idempotent)", len(sync.installed))
	}
}

func TestLookupByDstLongestPrefixMatch(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(true, "10.1.0.0", 16, "2001:db8:aa::", 96)))
	must(t, tbl.Add(cfg(true, "10.1.2.0", 24, "2001:db8:bb::", 96)))

	e, ok := tbl.LookupByDst([4]byte{10, 1, 2, 5})
	if !ok {
		t.Fatal("expected a match")
	}
	want := [12]byte{}
	copy(want[:], net.ParseIP("2001:db8:bb::").To16()[:12])
	var got [12]byte
	copy(got[:], e.PRPrefixWithPlaneID[:12])
	if got != want {
		t.Fatalf("matched wrong entry: got prefix %x want %x", got, want)
	}
}

func TestLookupByDstNoMatch(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(true, "10.1.0.0", 16, "2001:db8:aa::", 96)))
	if _, ok := tbl.LookupByDst([4]byte{192, 168, 1, 1}); ok {
		t.Fatal("expected no match")
	}
}

func TestLookupByDstSkipsDisabled(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(false, "10.1.0.0", 16, "2001:db8:aa::", 96)))
	if _, ok := tbl.LookupByDst([4]byte{10, 1, 0, 5}); ok {
		t.Fatal("disabled entries must not match")
	}
}

func TestReverseCheck(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(true, "10.1.2.0", 24, "2001:db8:bb::", 96)))

	prefix := net.ParseIP("2001:db8:bb::").To16()
	var v6src [16]byte
	copy(v6src[:12], prefix[:12])
	v6src[12], v6src[13], v6src[14], v6src[15] = 10, 1, 2, 5

	if !tbl.ReverseCheck(v6src) {
		t.Fatal("expected reverse check to pass for in-plane source")
	}

	v6src[15] = 200 // 10.1.2.200 still within /24
	if !tbl.ReverseCheck(v6src) {
		t.Fatal("expected reverse check to still pass within the /24")
	}

	var wrongPlane [16]byte
	copy(wrongPlane[:12], net.ParseIP("2001:db8:cc::").To16()[:12])
	if tbl.ReverseCheck(wrongPlane) {
		t.Fatal("expected reverse check to fail for out-of-plane source")
	}
}

func TestDeleteAllEmptiesTableWithoutRollback(t *testing.T) {
	sync := &recordingSyncer{}
	tbl := New(0, sync)
	must(t, tbl.Add(cfg(true, "10.0.0.0", 8, "2001:db8::", 96)))
	must(t, tbl.Add(cfg(true, "10.1.0.0", 16, "2001:db8:aa::", 96)))

	errs := tbl.DeleteAll()
	if len(errs) != 0 {
		t.Fatalf("unexpected route removal errors: %v", errs)
	}
	if tbl.Len() != 0 {
		t.Fatalf("len = %d, want 0 even if route removal had failed", tbl.Len())
	}
}

func TestConfigSnapshotTracksMutations(t *testing.T) {
	tbl := New(0, &recordingSyncer{})
	must(t, tbl.Add(cfg(false, "10.0.0.0", 8, "2001:db8::", 96)))
	must(t, tbl.SetEnable(net.ParseIP("10.0.0.0"), 8, true))

	cfgs := tbl.ConfigSnapshot()
	if len(cfgs) != 1 || !cfgs[0].Enable {
		t.Fatalf("expected config-form table to reflect the enable toggle, got %+v", cfgs)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
