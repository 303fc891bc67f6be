// Package device is the TAP/device abstraction: opening /dev/net/tun
// with TUNSETIFF, the kind-specific option set (tap-v4, tap-v6,
// macvlan, physical), and the lifecycle rules around namespace
// migration. The open+ioctl(TUNSETIFF)+netlink set-MTU/set-up sequence
// follows the usual Linux TUN/TAP setup, generalized here to TAP (L2)
// devices carrying a full Ethernet header (IFF_NO_PI is not set,
// unlike an L3 TUN device).
package device

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	mnetlink "github.com/m46e/m46ed/netlink"
)

// Kind enumerates the device kinds this daemon manages.
type Kind int

const (
	KindTapV4 Kind = iota
	KindTapV6
	KindMacvlan
	KindPhysical
)

func (k Kind) String() string {
	switch k {
	case KindTapV4:
		return "tap-v4"
	case KindTapV6:
		return "tap-v6"
	case KindMacvlan:
		return "macvlan"
	case KindPhysical:
		return "physical"
	default:
		return "unknown"
	}
}

// Device is a single managed network device: a TAP, a macvlan, or a
// physical interface the daemon has taken administrative control of.
type Device struct {
	Kind      Kind
	Name      string
	Ifindex   int
	MTU       int
	MAC       net.HardwareAddr
	V4Addr    *net.IPNet
	V4Gateway bool
	V6Addr    *net.IPNet

	// Fd is set only for tap-v4/tap-v6: the /dev/net/tun file
	// descriptor the data plane reads/writes.
	Fd int

	// OriginalName is restored on shutdown for physical devices.
	OriginalName string
}

const (
	tunPath = "/dev/net/tun"

	// Tunnel MTU bounds.
	MinTunnelMTU     = 1280
	MaxTunnelMTU     = 65521
	DefaultTunnelMTU = 1500
	// The IPv4 stub TAP defaults to backbone_mtu-40 (IPv6 header).
	ipv6HeaderLen = 40
)

// StubMTUFromBackbone computes the IPv4 stub TAP's default MTU:
// backbone_mtu minus the outer IPv6 header.
func StubMTUFromBackbone(backboneMTU int) int {
	return backboneMTU - ipv6HeaderLen
}

// CreateTAP opens /dev/net/tun, issues ioctl TUNSETIFF in TAP mode
// without IFF_NO_PI, then uses netlink to clear ARP, set MTU, and
// (optionally) a MAC.
func CreateTAP(nl *mnetlink.Handle, name string, mtu int, mac net.HardwareAddr) (*Device, error) {
	fd, err := unix.Open(tunPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", tunPath, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device: ifreq %s: %w", name, err)
	}
	// TAP (L2), no IFF_NO_PI: every frame carries an Ethernet header
	// the data plane rewrites on every packet.
	ifr.SetUint16(unix.IFF_TAP)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device: TUNSETIFF %s: %w", name, err)
	}

	link, err := nl.LinkByName(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := nl.SetNoARP(link, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := nl.SetMTU(link, mtu); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if len(mac) > 0 {
		if err := nl.SetHardwareAddr(link, mac); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	d := &Device{
		Name:    name,
		Ifindex: link.Attrs().Index,
		MTU:     mtu,
		MAC:     link.Attrs().HardwareAddr,
		Fd:      fd,
	}
	return d, nil
}

// Start brings the device administratively up.
func Start(nl *mnetlink.Handle, d *Device) error {
	link, err := nl.LinkByName(d.Name)
	if err != nil {
		return err
	}
	return nl.SetUp(link)
}

// Close releases the TAP file descriptor. The kernel reaps the
// interface implicitly when the owning process (and its netns) exits.
func (d *Device) Close() error {
	if d.Fd > 0 {
		return unix.Close(d.Fd)
	}
	return nil
}

// MoveToNetns migrates a tap-v4 or macvlan device into the child
// namespace after clone.
func MoveToNetns(nl *mnetlink.Handle, d *Device, childPID int) error {
	link, err := nl.LinkByName(d.Name)
	if err != nil {
		return err
	}
	return nl.MoveToNetns(link, childPID)
}

// RenameAfterMigration renames a macvlan (or template-named stub TAP)
// device to its operator-chosen name only after migrating into the
// child namespace, avoiding name collisions with host-side devices.
func RenameAfterMigration(nl *mnetlink.Handle, templateName, finalName string) error {
	link, err := nl.LinkByName(templateName)
	if err != nil {
		return err
	}
	if err := nl.Rename(link, finalName); err != nil {
		return err
	}
	return nil
}

// CreateMacvlan creates a macvlan device under a unique auto-generated
// template name; the caller renames it after namespace migration.
func CreateMacvlan(nl *mnetlink.Handle, templateName string, parentIfindex int, mode mnetlink.MacvlanMode) (*Device, error) {
	link, err := nl.CreateMacvlan(templateName, parentIfindex, mode)
	if err != nil {
		return nil, err
	}
	return &Device{
		Kind:    KindMacvlan,
		Name:    templateName,
		Ifindex: link.Attrs().Index,
		MAC:     link.Attrs().HardwareAddr,
	}, nil
}

// AddAddr applies an IPv4 or IPv6 address+prefix to the device.
func AddAddr(nl *mnetlink.Handle, d *Device, cidr string) error {
	link, err := nl.LinkByName(d.Name)
	if err != nil {
		return err
	}
	return nl.AddAddr(link, cidr)
}

// htons converts a uint16 to network byte order, as required for the
// sockaddr_ll Protocol field.
func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// OpenPacketCapture binds an AF_PACKET/SOCK_RAW socket to d's ifindex
// for ETH_P_ALL, and stores the resulting fd on d. This is the
// backbone-side equivalent of CreateTAP's /dev/net/tun fd for the
// macvlan and physical device kinds, which have no TUN/TAP file to
// open: every frame on the wire needs to reach the data plane, not
// just the kernel's regular IP stack, so a packet socket rather than a
// connected UDP/raw-IP socket is required.
func OpenPacketCapture(d *Device) error {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return fmt.Errorf("device: open packet socket for %s: %w", d.Name, err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  d.Ifindex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("device: bind packet socket for %s: %w", d.Name, err)
	}
	d.Fd = fd
	return nil
}

// EnsureLocallyAdministeredMAC temporarily sets a physical parent's MAC
// to 02:00:00:00:00:00 while macvlans are created on it, so the
// macvlan inherits a stable MAC independent of the parent. Gated by a
// feature flag (see DESIGN.md).
func EnsureLocallyAdministeredMAC(nl *mnetlink.Handle, parent *Device, enabled bool) (restore func() error, err error) {
	if !enabled {
		return func() error { return nil }, nil
	}
	link, err := nl.LinkByName(parent.Name)
	if err != nil {
		return nil, err
	}
	original := append(net.HardwareAddr(nil), link.Attrs().HardwareAddr...)
	workaround := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
	if err := nl.SetHardwareAddr(link, workaround); err != nil {
		return nil, err
	}
	return func() error {
		l, err := nl.LinkByName(parent.Name)
		if err != nil {
			return err
		}
		return nl.SetHardwareAddr(l, original)
	}, nil
}
