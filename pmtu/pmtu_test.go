package pmtu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoneModeAlwaysReturnsTunnelDefault(t *testing.T) {
	c := New(ModeNone, 1500, MinExpire)
	defer c.Close()

	c.Insert([16]byte{1}, 1300)
	assert.Equal(t, 1500, c.Lookup([16]byte{1}))
}

func TestTunnelModeTracksSmallestObserved(t *testing.T) {
	c := New(ModeTunnel, 1500, MinExpire)
	defer c.Close()

	c.Insert([16]byte{1}, 1400)
	c.Insert([16]byte{2}, 1300)
	c.Insert([16]byte{3}, 1450)

	assert.Equal(t, 1300, c.Lookup([16]byte{9}), "smallest observed should apply tunnel-wide")
}

func TestHostModePerDestination(t *testing.T) {
	c := New(ModeHost, 1500, MinExpire)
	defer c.Close()

	var a, b [16]byte
	a[0], b[0] = 1, 2
	c.Insert(a, 1300)

	assert.Equal(t, 1300, c.Lookup(a))
	assert.Equal(t, 1500, c.Lookup(b), "unknown dest falls back to tunnel default")
}

func TestInsertClampsToMinMTU(t *testing.T) {
	c := New(ModeHost, 1500, MinExpire)
	defer c.Close()

	var dst [16]byte
	c.Insert(dst, 100)
	assert.Equal(t, MinMTU, c.Lookup(dst))
}

func TestInsertClampsToTunnelDefault(t *testing.T) {
	c := New(ModeHost, 1500, MinExpire)
	defer c.Close()

	var dst [16]byte
	c.Insert(dst, 9000)
	assert.Equal(t, 1500, c.Lookup(dst))
}

func TestSetModeReconstructsCache(t *testing.T) {
	c := New(ModeHost, 1500, MinExpire)
	defer c.Close()

	var dst [16]byte
	c.Insert(dst, 1300)
	c.SetMode(ModeNone)
	assert.Equal(t, 1500, c.Lookup(dst), "after mode switch to None")

	c.SetMode(ModeHost)
	assert.Equal(t, 1500, c.Lookup(dst), "switching back to Host should start from an empty cache")
}

func TestExpireBoundsAreClamped(t *testing.T) {
	c := New(ModeHost, 1500, 1*time.Second)
	defer c.Close()
	assert.Equal(t, MinExpire, c.expire)
}

func TestHostEntryExpires(t *testing.T) {
	c := New(ModeHost, 1500, MinExpire)
	defer c.Close()

	var dst [16]byte
	c.mu.Lock()
	c.hosts[dst] = hostEntry{mtu: 1300, lastTouched: time.Now().Add(-2 * MinExpire)}
	c.mu.Unlock()

	assert.Equal(t, 1500, c.Lookup(dst), "expired entry should fall back to tunnel default")
}
