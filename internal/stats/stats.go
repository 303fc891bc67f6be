// Package stats is the statistics counters collaborator. The parent
// and child run as plain OS processes rather than threads in one
// process, so the shared region is a memfd-backed MAP_SHARED mapping
// (shm_linux.go): the parent creates it before spawning the child and
// passes the memfd across exec, where the child maps it again — one
// mechanism (an inherited fd) instead of two (SysV shmget plus the
// fd-passing the rest of the control plane already does); see
// DESIGN.md for why.
//
// Counters are updated with atomic adds and read with atomic loads;
// they are advisory, and no ordering between counters is kept.
package stats

import "sync/atomic"

// Counter names.
const (
	UnicastForwarded = iota
	MulticastForwarded
	ErrOtherProto
	ErrNextHeader
	PRSearchFailure
	PRMulti
	DropLinkLocalMulticast
	DropTTLExpired
	DropBroadcastMAC
	FragmentsEmitted
	FragNeededSent
	SendSuccess
	SendFailure
	numCounters
)

// Block is the fixed-size counter struct, laid out at a known offset
// inside the shared mmap region so both namespaces can increment it
// without further synchronization.
type Block struct {
	counters [numCounters]uint32
}

// Size is the byte length of Block — callers mmap exactly this many
// bytes (rounded up to the page size by the kernel).
const Size = numCounters * 4

// New allocates a Block backed by ordinary process memory, for tests
// and for any caller that does not need cross-process sharing. The
// mmap-backed variant lives in shm_linux.go.
func New() *Block {
	return &Block{}
}

// Incr bumps counter i by one, relaxed.
func (b *Block) Incr(i int) {
	atomic.AddUint32(&b.counters[i], 1)
}

// Add bumps counter i by delta, relaxed — used when a single data
// plane event accounts for more than one unit (e.g. FragmentsEmitted).
func (b *Block) Add(i int, delta uint32) {
	atomic.AddUint32(&b.counters[i], delta)
}

// Get reads counter i, relaxed.
func (b *Block) Get(i int) uint32 {
	return atomic.LoadUint32(&b.counters[i])
}

// Snapshot copies out all counters for SHOW_STATISTIC.
func (b *Block) Snapshot() [numCounters]uint32 {
	var out [numCounters]uint32
	for i := range out {
		out[i] = b.Get(i)
	}
	return out
}

var names = [numCounters]string{
	UnicastForwarded:       "unicast_forwarded",
	MulticastForwarded:     "multicast_forwarded",
	ErrOtherProto:          "err_other_proto",
	ErrNextHeader:          "err_nxthdr",
	PRSearchFailure:        "pr_search_failure",
	PRMulti:                "pr_multi",
	DropLinkLocalMulticast: "drop_linklocal_multicast",
	DropTTLExpired:         "drop_ttl_expired",
	DropBroadcastMAC:       "drop_broadcast_mac",
	FragmentsEmitted:       "fragments_emitted",
	FragNeededSent:         "frag_needed_sent",
	SendSuccess:            "send_success",
	SendFailure:            "send_failure",
}

// Name returns the display name of counter i, for SHOW_STATISTIC.
func Name(i int) string {
	if i < 0 || i >= numCounters {
		return "unknown"
	}
	return names[i]
}

// Count returns the number of known counters.
func Count() int { return numCounters }
