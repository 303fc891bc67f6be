// Package netlink is a transactional helper for link/address/route
// mutation built on github.com/vishvananda/netlink, which already
// implements the open/transact/ACK cycle (NLMSG_ERROR parsing, pid and
// seq verification) internally in its *netlink.Handle. This package is
// a thin domain-specific wrapper around that Handle rather than a
// second reimplementation of raw rtnetlink framing.
package netlink

import (
	"fmt"
	"net"

	vnl "github.com/vishvananda/netlink"
)

// Handle wraps a netns-scoped vishvananda/netlink.Handle with the
// operations C1 exposes: create_macvlan, move_to_netns, rename,
// delete, add_addr, add_route, del_route, plus the MTU/MAC/ARP setters
// device.CreateTAP uses (the TUNSETIFF half of TAP creation lives in
// the device package).
type Handle struct {
	h *vnl.Handle
}

// Open returns a Handle bound to the calling goroutine's current
// network namespace.
func Open() (*Handle, error) {
	h, err := vnl.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink: open: %w", err)
	}
	return &Handle{h: h}, nil
}

// Close releases the underlying netlink socket.
func (h *Handle) Close() {
	h.h.Close()
}

// Ignorable reports whether err should be treated as a non-fatal
// no-op: EEXIST on add and ESRCH on delete. Callers pass the operation kind.
func Ignorable(err error, isDelete bool) bool {
	if err == nil {
		return true
	}
	errno, ok := asErrno(err)
	if !ok {
		return false
	}
	if isDelete {
		return errno == unixESRCH
	}
	return errno == unixEEXIST
}

// LinkByName resolves a link to its vishvananda/netlink.Link, needed
// by most other operations here.
func (h *Handle) LinkByName(name string) (vnl.Link, error) {
	l, err := h.h.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("netlink: link %s: %w", name, err)
	}
	return l, nil
}

// SetMTU applies RTM_NEWLINK with IFLA_MTU.
func (h *Handle) SetMTU(link vnl.Link, mtu int) error {
	if err := h.h.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("netlink: set mtu %s=%d: %w", link.Attrs().Name, mtu, err)
	}
	return nil
}

// SetHardwareAddr applies RTM_NEWLINK with IFLA_ADDRESS, used both for
// normal MAC assignment and for the optional macvlan-parent MAC
// workaround (see DESIGN.md).
func (h *Handle) SetHardwareAddr(link vnl.Link, mac net.HardwareAddr) error {
	if err := h.h.LinkSetHardwareAddr(link, mac); err != nil {
		return fmt.Errorf("netlink: set mac %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// SetUp/SetDown bring a link administratively up/down.
func (h *Handle) SetUp(link vnl.Link) error {
	if err := h.h.LinkSetUp(link); err != nil {
		return fmt.Errorf("netlink: link up %s: %w", link.Attrs().Name, err)
	}
	return nil
}

func (h *Handle) SetDown(link vnl.Link) error {
	if err := h.h.LinkSetDown(link); err != nil {
		return fmt.Errorf("netlink: link down %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// SetNoARP clears/sets IFF_NOARP, used on TAP devices alongside MTU
// and MAC assignment.
func (h *Handle) SetNoARP(link vnl.Link, noarp bool) error {
	var err error
	if noarp {
		err = h.h.LinkSetARPOff(link)
	} else {
		err = h.h.LinkSetARPOn(link)
	}
	if err != nil {
		return fmt.Errorf("netlink: set noarp %s=%v: %w", link.Attrs().Name, noarp, err)
	}
	return nil
}

// Rename applies RTM_NEWLINK with IFLA_IFNAME. Used after a macvlan or
// stub TAP device has migrated into the child namespace.
func (h *Handle) Rename(link vnl.Link, newName string) error {
	if err := h.h.LinkSetName(link, newName); err != nil {
		return fmt.Errorf("netlink: rename %s->%s: %w", link.Attrs().Name, newName, err)
	}
	return nil
}

// Delete applies RTM_DELLINK. ESRCH is non-fatal.
func (h *Handle) Delete(link vnl.Link) error {
	err := h.h.LinkDel(link)
	if err != nil && !Ignorable(err, true) {
		return fmt.Errorf("netlink: delete %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// MoveToNetns applies RTM_NEWLINK with IFLA_NET_NS_PID, migrating a
// device created in the parent's namespace into the child.
func (h *Handle) MoveToNetns(link vnl.Link, pid int) error {
	if err := h.h.LinkSetNsPid(link, pid); err != nil {
		return fmt.Errorf("netlink: move %s to pid %d: %w", link.Attrs().Name, pid, err)
	}
	return nil
}

// AddAddr applies RTM_NEWADDR. For IPv4, IFA_BROADCAST is synthesized
// from the address/prefix by vishvananda/netlink's ParseAddr when the
// CIDR text form is supplied.
func (h *Handle) AddAddr(link vnl.Link, cidr string) error {
	addr, err := vnl.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("netlink: parse addr %s: %w", cidr, err)
	}
	err = h.h.AddrAdd(link, addr)
	if err != nil && !Ignorable(err, false) {
		return fmt.Errorf("netlink: add addr %s to %s: %w", cidr, link.Attrs().Name, err)
	}
	return nil
}

// AddRoute applies RTM_NEWROUTE with RT_TABLE_MAIN / RTN_UNICAST /
// RT_SCOPE_UNIVERSE. dst may be nil for a default route.
func (h *Handle) AddRoute(link vnl.Link, dst *net.IPNet, gw net.IP) error {
	route := &vnl.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Gw:        gw,
		Table:     unixRTTableMain,
		Type:      unixRTNUnicast,
		Scope:     vnl.SCOPE_UNIVERSE,
	}
	err := h.h.RouteAdd(route)
	if err != nil && !Ignorable(err, false) {
		return fmt.Errorf("netlink: add route %v via %v dev %s: %w", dst, gw, link.Attrs().Name, err)
	}
	return nil
}

// DelRoute applies RTM_DELROUTE. ESRCH is non-fatal.
func (h *Handle) DelRoute(link vnl.Link, dst *net.IPNet, gw net.IP) error {
	route := &vnl.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Gw:        gw,
		Table:     unixRTTableMain,
	}
	err := h.h.RouteDel(route)
	if err != nil && !Ignorable(err, true) {
		return fmt.Errorf("netlink: del route %v via %v dev %s: %w", dst, gw, link.Attrs().Name, err)
	}
	return nil
}
