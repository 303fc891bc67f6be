package prtable

import (
	"bytes"
	"errors"
	"net"
	"sort"
	"sync"
)

// Semantic errors returned to the CLI: never logged as errors, just
// formatted back to the caller.
var (
	ErrAlreadyExists  = errors.New("pr entry already exists")
	ErrNotFound       = errors.New("pr entry not found")
	ErrLastEntry      = errors.New("cannot delete the last pr entry")
	ErrFull           = errors.New("pr table is full")
	ErrInvalidAddress = errors.New("invalid address: not a network address under its mask")
)

// RouteSyncer installs/removes the kernel route backing a PR entry.
// Table never calls it while holding its own lock — a netlink round
// trip must not block lookups — so Table commits the in-memory change
// under its lock, releases the lock, and only then invokes
// RouteSyncer; a syncer error is returned to the caller without
// undoing the in-memory change. Tests supply a no-op or recording stub.
type RouteSyncer interface {
	InstallRoute(e PREntry) error
	RemoveRoute(e PREntry) error
}

type noopSyncer struct{}

func (noopSyncer) InstallRoute(PREntry) error { return nil }
func (noopSyncer) RemoveRoute(PREntry) error  { return nil }

// Table is the PR address-resolution table: an ordered sequence of
// PREntry sorted by V4CIDR descending, guarded by a mutex, capacity
// <= MaxEntries.
type Table struct {
	mu     sync.RWMutex
	planeID uint16
	entries []PREntry
	config  []PRConfigEntry
	sync    RouteSyncer
}

// New creates an empty table for the given PlaneID. The table must be
// non-empty while PR mode runs; callers are expected to Add at least
// one entry (typically from config) before the daemon enters its main
// loop.
func New(planeID uint16, syncer RouteSyncer) *Table {
	if syncer == nil {
		syncer = noopSyncer{}
	}
	return &Table{planeID: planeID, sync: syncer}
}

// toEntry derives the runtime PREntry from a config entry and the
// table's PlaneID.
func (t *Table) toEntry(c PRConfigEntry) (PREntry, error) {
	mask := v4MaskFromCIDR(c.V4CIDR)
	net4, err := v4NetFromIP(c.V4Net, mask)
	if err != nil {
		return PREntry{}, err
	}
	prefix := ComposePlaneIDPrefix(t.planeID, c.PRPrefix, c.V6CIDR)

	var display [16]byte
	if v6 := c.PRPrefix.To16(); v6 != nil {
		copy(display[:], v6)
	}

	return PREntry{
		Enable:              c.Enable,
		V4Net:               net4,
		V4Mask:              mask,
		V4CIDR:              c.V4CIDR,
		PRPrefixWithPlaneID: prefix,
		PRPrefixDisplay:     display,
		V6CIDRDisplay:       c.V6CIDR,
	}, nil
}

// Add rejects duplicates, rejects non-network-address input, inserts
// preserving descending-V4CIDR order, and enforces capacity.
func (t *Table) Add(c PRConfigEntry) error {
	entry, err := t.toEntry(c)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if len(t.entries) >= MaxEntries {
		t.mu.Unlock()
		return ErrFull
	}
	for _, e := range t.entries {
		if e.V4Net == entry.V4Net && e.V4CIDR == entry.V4CIDR {
			t.mu.Unlock()
			return ErrAlreadyExists
		}
	}
	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].V4CIDR < entry.V4CIDR
	})
	t.entries = append(t.entries, PREntry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = entry
	t.config = append(t.config, c)
	needInstall := entry.Enable
	t.mu.Unlock()

	if needInstall {
		// Best-effort: a route install failure is returned to the
		// caller but does not roll back the in-memory insert (see
		// DESIGN.md).
		return t.sync.InstallRoute(entry)
	}
	return nil
}

func findIndex(entries []PREntry, v4net [4]byte, cidr int) int {
	for i, e := range entries {
		if e.V4Net == v4net && e.V4CIDR == cidr {
			return i
		}
	}
	return -1
}

// Delete removes an exact match; NotFound if absent; LastEntry if this
// is the only remaining entry.
func (t *Table) Delete(v4net net.IP, cidr int) error {
	mask := v4MaskFromCIDR(cidr)
	key, err := v4NetFromIP(v4net, mask)
	if err != nil {
		return err
	}

	t.mu.Lock()
	idx := findIndex(t.entries, key, cidr)
	if idx < 0 {
		t.mu.Unlock()
		return ErrNotFound
	}
	if len(t.entries) == 1 {
		t.mu.Unlock()
		return ErrLastEntry
	}
	removed := t.entries[idx]
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.config = removeConfig(t.config, v4net, cidr)
	t.mu.Unlock()

	if removed.Enable {
		return t.sync.RemoveRoute(removed)
	}
	return nil
}

func removeConfig(cfgs []PRConfigEntry, v4net net.IP, cidr int) []PRConfigEntry {
	out := cfgs[:0:0]
	for _, c := range cfgs {
		if c.V4CIDR == cidr && c.V4Net.Equal(v4net) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// DeleteAll drops all entries unconditionally and returns any route
// removal failures; it neither logs them nor rolls back — see
// DESIGN.md for why no-rollback was chosen.
func (t *Table) DeleteAll() []error {
	t.mu.Lock()
	removed := append([]PREntry(nil), t.entries...)
	t.entries = nil
	t.config = nil
	t.mu.Unlock()

	var errs []error
	for _, e := range removed {
		if !e.Enable {
			continue
		}
		if err := t.sync.RemoveRoute(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// SetEnable flips the enable flag; enabling installs the kernel route,
// disabling removes it.
func (t *Table) SetEnable(v4net net.IP, cidr int, enable bool) error {
	mask := v4MaskFromCIDR(cidr)
	key, err := v4NetFromIP(v4net, mask)
	if err != nil {
		return err
	}

	t.mu.Lock()
	idx := findIndex(t.entries, key, cidr)
	if idx < 0 {
		t.mu.Unlock()
		return ErrNotFound
	}
	if t.entries[idx].Enable == enable {
		t.mu.Unlock()
		return nil
	}
	t.entries[idx].Enable = enable
	entry := t.entries[idx]
	for i := range t.config {
		if t.config[i].V4CIDR == cidr && t.config[i].V4Net.Equal(v4net) {
			t.config[i].Enable = enable
		}
	}
	t.mu.Unlock()

	if enable {
		return t.sync.InstallRoute(entry)
	}
	return t.sync.RemoveRoute(entry)
}

// LookupByDst iterates the (already sorted longest-prefix-first)
// table and returns the first enabled entry matching v4dst. O(n) over
// table length, acceptable given the bounded capacity (n <= 4096) and
// common early termination.
func (t *Table) LookupByDst(v4dst [4]byte) (PREntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if !e.Enable {
			continue
		}
		if matches(v4dst, e.V4Mask, e.V4Net) {
			return e, true
		}
	}
	return PREntry{}, false
}

func matches(addr, mask, net4 [4]byte) bool {
	for i := range addr {
		if addr[i]&mask[i] != net4[i] {
			return false
		}
	}
	return true
}

// ReverseCheck reports, for a decapsulated inbound packet, whether
// some entry's PRPrefixWithPlaneID matches the top 96 bits of v6src
// AND the embedded low-32-bit IPv4, masked by V4Mask, equals V4Net.
func (t *Table) ReverseCheck(v6src [16]byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if !e.Enable {
			continue
		}
		if !bytes.Equal(e.PRPrefixWithPlaneID[:12], v6src[:12]) {
			continue
		}
		var embedded [4]byte
		copy(embedded[:], v6src[12:16])
		if matches(embedded, e.V4Mask, e.V4Net) {
			return true
		}
	}
	return false
}

// Len returns the current entry count.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of the current runtime entries, for
// SHOW_PR_ENTRY.
func (t *Table) Snapshot() []PREntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]PREntry(nil), t.entries...)
}

// ConfigSnapshot returns a copy of the config-form table, for
// SHOW_CONF.
func (t *Table) ConfigSnapshot() []PRConfigEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]PRConfigEntry(nil), t.config...)
}
