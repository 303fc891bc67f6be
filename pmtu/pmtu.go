// Package pmtu is the PMTU discovery cache. It consumes ICMPv6
// Packet-Too-Big events fed by the dataplane package and is consulted
// on every encapsulation to decide fragment-or-ICMP.
//
// The reaper is a self-rescheduling time.AfterFunc task. Because the
// cache strategy must be swappable at runtime (SET_PMTUD_MODE), Cache
// owns its own timer directly in that self-rescheduling shape rather
// than delegating to a generic periodic-task helper, and exposes
// Close so a mode change can tear down and rebuild atomically.
package pmtu

import (
	"sync"
	"time"
)

// Mode selects the cache strategy.
type Mode int

const (
	ModeNone Mode = iota
	ModeTunnel
	ModeHost
)

const (
	// MinMTU is the IPv6 minimum link MTU; mtu is never reduced below it.
	MinMTU = 1280

	// DefaultExpire and bounds on the reap interval.
	DefaultExpire = 600 * time.Second
	MinExpire     = 301 * time.Second
	MaxExpire     = 65535 * time.Second
)

type hostEntry struct {
	mtu         int
	lastTouched time.Time
}

// Cache implements all three PMTU strategies behind one API.
type Cache struct {
	mu sync.Mutex

	mode          Mode
	tunnelDefault int
	expire        time.Duration

	tunnelMTU int // ModeTunnel: smallest observed, clamped

	hosts map[[16]byte]hostEntry // ModeHost

	reapTimer *time.Timer
	closed    bool
}

// New creates a Cache in the given mode. tunnelDefault is the
// configured tunnel MTU, returned by None mode and used as the
// starting point for the other two. expire is clamped to
// [MinExpire,MaxExpire]; zero selects DefaultExpire.
func New(mode Mode, tunnelDefault int, expire time.Duration) *Cache {
	if expire == 0 {
		expire = DefaultExpire
	}
	if expire < MinExpire {
		expire = MinExpire
	}
	if expire > MaxExpire {
		expire = MaxExpire
	}
	c := &Cache{
		mode:          mode,
		tunnelDefault: tunnelDefault,
		expire:        expire,
		tunnelMTU:     tunnelDefault,
		hosts:         make(map[[16]byte]hostEntry),
	}
	c.scheduleReap()
	return c
}

// Close stops the reaper timer. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.reapTimer != nil {
		c.reapTimer.Stop()
	}
}

func (c *Cache) scheduleReap() {
	c.reapTimer = time.AfterFunc(c.expire, c.reap)
}

func (c *Cache) reap() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	for k, e := range c.hosts {
		if now.Sub(e.lastTouched) >= c.expire {
			delete(c.hosts, k)
		}
	}
	c.scheduleReap()
	c.mu.Unlock()
}

// Lookup resolves the MTU to use for dst under the active mode. The
// returned value is always in [MinMTU, tunnelDefault].
func (c *Cache) Lookup(dst [16]byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case ModeNone:
		return c.tunnelDefault
	case ModeTunnel:
		if c.tunnelMTU == 0 {
			return c.tunnelDefault
		}
		return c.tunnelMTU
	case ModeHost:
		e, ok := c.hosts[dst]
		if !ok || time.Since(e.lastTouched) >= c.expire {
			return c.tunnelDefault
		}
		return e.mtu
	default:
		return c.tunnelDefault
	}
}

// Insert records an observed MTU from an ICMPv6 PTB event: clamps to
// [MinMTU, tunnelDefault] and records per the active mode.
func (c *Cache) Insert(dst [16]byte, observedMTU int) {
	mtu := clamp(observedMTU, MinMTU, c.tunnelDefaultSnapshot())

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case ModeNone:
		// ModeNone ignores observed MTUs entirely.
	case ModeTunnel:
		if c.tunnelMTU == 0 || mtu < c.tunnelMTU {
			c.tunnelMTU = mtu
		}
	case ModeHost:
		c.hosts[dst] = hostEntry{mtu: mtu, lastTouched: time.Now()}
	}
}

func (c *Cache) tunnelDefaultSnapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnelDefault
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// SetMode atomically reconstructs the cache under a new mode.
// In-flight packets that computed an MTU under the old cache simply
// proceed; this swap does not attempt to migrate existing entries.
func (c *Cache) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	c.tunnelMTU = c.tunnelDefault
	c.hosts = make(map[[16]byte]hostEntry)
}

// SetExpire updates the reap interval used for future reap cycles and
// future Lookup staleness checks; in-flight entries keep their
// existing LastTouched timestamp.
func (c *Cache) SetExpire(expire time.Duration) {
	if expire < MinExpire {
		expire = MinExpire
	}
	if expire > MaxExpire {
		expire = MaxExpire
	}
	c.mu.Lock()
	c.expire = expire
	c.mu.Unlock()
}

func (c *Cache) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}
