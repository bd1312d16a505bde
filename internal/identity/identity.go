// Package identity resolves the MAC and kernel release an agent reports
// when it checks in.
package identity

import (
	"errors"
	"fmt"
	"net"

	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var ErrNoHardwareAddr = errors.New("interface has no hardware address")

// Source resolves the identity of the local host.
type Source interface {
	Identity() (protocol.HostIdentity, error)
}

// Host reads the identity from the running system. Both lookups are
// injectable for tests.
type Host struct {
	Interface string
	Release   string // fixed release, skips uname when set

	LinkAddr func(iface string) (net.HardwareAddr, error)
	Uname    func() (string, error)
}

func NewHost(iface, release string) *Host {
	return &Host{
		Interface: iface,
		Release:   release,
		LinkAddr:  linkAddr,
		Uname:     kernelRelease,
	}
}

func (h *Host) Identity() (protocol.HostIdentity, error) {
	var id protocol.HostIdentity

	mac, err := h.LinkAddr(h.Interface)
	if err != nil {
		return id, fmt.Errorf("mac of %s: %w", h.Interface, err)
	}
	if len(mac) == 0 {
		return id, fmt.Errorf("%w: %s", ErrNoHardwareAddr, h.Interface)
	}
	id.MAC = mac.String()

	id.Release = h.Release
	if id.Release == "" {
		if id.Release, err = h.Uname(); err != nil {
			return id, fmt.Errorf("kernel release: %w", err)
		}
	}
	return id, nil
}

func linkAddr(iface string) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, err
	}
	return link.Attrs().HardwareAddr, nil
}

func kernelRelease() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(u.Release[:]), nil
}

// Static is a fixed identity.
type Static protocol.HostIdentity

func (s Static) Identity() (protocol.HostIdentity, error) {
	return protocol.HostIdentity(s), nil
}
