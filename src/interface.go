package main

import (
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/pkg/errors"
)

const IF_NAME_SIZE = 16 // Auxiliary data size for interface name on the emulated wire

// Interface is a router port. It is immutable once the router is built.
type Interface struct {
	Name string
	MAC  net.HardwareAddr
	IP   netip.Addr
	Mask net.IPMask
}

// NewInterface validates and builds an interface.
func NewInterface(name string, mac net.HardwareAddr, ip netip.Addr, mask net.IPMask) (*Interface, error) {
	if name == "" || len(name) > IF_NAME_SIZE {
		return nil, errors.Errorf("invalid interface name %q", name)
	}
	if len(mac) != 6 {
		return nil, errors.Errorf("interface %s: invalid MAC address %v", name, mac)
	}
	if !ip.Is4() {
		return nil, errors.Errorf("interface %s: %v is not an IPv4 address", name, ip)
	}
	if len(mask) != 4 {
		return nil, errors.Errorf("interface %s: invalid subnet mask %v", name, mask)
	}
	return &Interface{Name: name, MAC: mac, IP: ip, Mask: mask}, nil
}

// Subnet returns the network address of the interface.
func (intf *Interface) Subnet() netip.Addr {
	return applyMask(intf.IP, intf.Mask)
}

func (intf *Interface) String() string {
	return fmt.Sprintf("%s(%s/%d %s)", intf.Name, intf.IP, maskLen(intf.Mask), intf.MAC)
}

// sortedInterfaces returns the interfaces ordered by name, so that periodic
// broadcasts and dumps are deterministic.
func sortedInterfaces(ifaces map[string]*Interface) []*Interface {
	out := make([]*Interface, 0, len(ifaces))
	for _, intf := range ifaces {
		out = append(out, intf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
