// Package config owns the flat configuration snapshot the core
// consumes. This package decodes TOML into the snapshot struct and
// validates the result before the namespace clone, surfacing any
// violation as a Configuration error.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/pelletier/go-toml"
)

// Mode selects the tunneling mode.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeAS     Mode = "as"
	ModePR     Mode = "pr"
)

// PMTUType selects the PMTU cache strategy.
type PMTUType string

const (
	PMTUNone   PMTUType = "none"
	PMTUTunnel PMTUType = "tunnel"
	PMTUHost   PMTUType = "host"
)

// DeviceKind enumerates the device.Device kinds.
type DeviceKind string

const (
	DeviceTapV4    DeviceKind = "tap-v4"
	DeviceTapV6    DeviceKind = "tap-v6"
	DeviceMacvlan  DeviceKind = "macvlan"
	DevicePhysical DeviceKind = "physical"
)

// DeviceRecord is the config-file form of a stub-side or tunnel
// device, prior to creation.
type DeviceRecord struct {
	Kind          DeviceKind `toml:"kind"`
	Name          string     `toml:"name"`
	ParentName    string     `toml:"parent,omitempty"` // macvlan parent, physical device name
	MTU           int        `toml:"mtu,omitempty"`
	V4Addr        string     `toml:"v4addr,omitempty"`
	V4CIDR        int        `toml:"v4cidr,omitempty"`
	V4DefaultGW   bool       `toml:"v4_default_gw,omitempty"`
	V6Addr        string     `toml:"v6addr,omitempty"`
	V6CIDR        int        `toml:"v6cidr,omitempty"`
	MacvlanMode   string     `toml:"macvlan_mode,omitempty"` // bridge/private/vepa/passthru
}

// PRConfigEntry is the operator input form for a PR table entry.
type PRConfigEntry struct {
	Enable   bool   `toml:"enable"`
	V4Net    string `toml:"v4net"`
	V4CIDR   int    `toml:"v4cidr"`
	PRPrefix string `toml:"pr_prefix"`
	V6CIDR   int    `toml:"v6cidr"`
}

// Flags bundles the boolean runtime toggles.
type Flags struct {
	DebugLog      bool `toml:"debug_log"`
	Daemon        bool `toml:"daemon"`
	ForceFragment bool `toml:"force_fragment"`
	RouteSync     bool `toml:"route_sync"`
}

// Snapshot is the flat configuration the core consumes.
type Snapshot struct {
	TunnelMode Mode `toml:"tunnel_mode"`
	PlaneName  string `toml:"plane_name"`
	PlaneID    string `toml:"plane_id"`

	UnicastPrefix    string `toml:"unicast_prefix"`
	UnicastPrefixLen int    `toml:"unicast_prefix_len"`

	SrcAddrUnicastPrefix    string `toml:"src_addr_unicast_prefix"`
	SrcAddrUnicastPrefixLen int    `toml:"src_addr_unicast_prefix_len"`

	MulticastPrefix    string `toml:"multicast_prefix"`
	MulticastPrefixLen int    `toml:"multicast_prefix_len"`

	PMTUType       PMTUType `toml:"pmtu_type"`
	PMTUExpireTime int      `toml:"pmtu_expire_time"`

	TunnelDevices []DeviceRecord `toml:"tunnel_device"`
	StubDevices   []DeviceRecord `toml:"stub_device"`

	PREntries []PRConfigEntry `toml:"pr_entry"`

	Flags Flags `toml:"flags"`

	StartupScript string `toml:"startup_script"`
	RouteEntryMax int    `toml:"route_entry_max"`
}

// Load decodes a TOML config file into a Snapshot and validates it.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	snap := Default()
	dec := toml.NewDecoder(f)
	if err := dec.Decode(snap); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return snap, nil
}

// Default returns a Snapshot pre-filled with the documented defaults:
// PMTU strategy host, PMTU expiry 600s, route_entry_max 4096. A tunnel
// device MTU left at 0 is replaced by device.DefaultTunnelMTU (1500)
// where it is used, not here.
func Default() *Snapshot {
	return &Snapshot{
		PMTUType:       PMTUHost,
		PMTUExpireTime: 600,
		RouteEntryMax:  4096,
	}
}

// Validate enforces the invariants a config snapshot must satisfy.
// Violations are Configuration errors: fatal at startup, never
// reached once the daemon has finished initializing.
func (s *Snapshot) Validate() error {
	switch s.TunnelMode {
	case ModeNormal, ModeAS, ModePR:
	default:
		return fmt.Errorf("tunnel_mode must be one of normal|as|pr, got %q", s.TunnelMode)
	}

	if s.PlaneName == "" {
		return fmt.Errorf("plane_name is required")
	}

	if net.ParseIP(s.UnicastPrefix) == nil {
		return fmt.Errorf("unicast_prefix %q is not a valid IP", s.UnicastPrefix)
	}

	if s.TunnelMode == ModePR {
		if net.ParseIP(s.SrcAddrUnicastPrefix) == nil {
			return fmt.Errorf("src_addr_unicast_prefix %q is required and must be valid in pr mode", s.SrcAddrUnicastPrefix)
		}
		if len(s.PREntries) == 0 {
			return fmt.Errorf("pr mode requires at least one pr_entry")
		}
		if len(s.PREntries) > s.effectiveRouteMax() {
			return fmt.Errorf("pr_entry count %d exceeds route_entry_max %d", len(s.PREntries), s.effectiveRouteMax())
		}
	}

	if s.TunnelMode != ModePR && net.ParseIP(s.MulticastPrefix) == nil {
		return fmt.Errorf("multicast_prefix %q is not a valid IP", s.MulticastPrefix)
	}

	switch s.PMTUType {
	case PMTUNone, PMTUTunnel, PMTUHost:
	default:
		return fmt.Errorf("pmtu_type must be one of none|tunnel|host, got %q", s.PMTUType)
	}

	if s.PMTUExpireTime != 0 && (s.PMTUExpireTime < 301 || s.PMTUExpireTime > 65535) {
		return fmt.Errorf("pmtu_expire_time must be in [301,65535], got %d", s.PMTUExpireTime)
	}

	for _, d := range s.TunnelDevices {
		if d.MTU != 0 && (d.MTU < 1280 || d.MTU > 65521) {
			return fmt.Errorf("tunnel device %s mtu %d out of [1280,65521]", d.Name, d.MTU)
		}
	}

	return nil
}

// ParsePlaneID parses the configured plane_id (decimal or 0x-prefixed
// hex) into the uint16 prtable.New and ComposePlaneIDPrefix expect.
func (s *Snapshot) ParsePlaneID() (uint16, error) {
	if s.PlaneID == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s.PlaneID, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("plane_id %q: %w", s.PlaneID, err)
	}
	return uint16(v), nil
}

func (s *Snapshot) effectiveRouteMax() int {
	if s.RouteEntryMax <= 0 {
		return 4096
	}
	if s.RouteEntryMax > 4096 {
		return 4096
	}
	return s.RouteEntryMax
}
