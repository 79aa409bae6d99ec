package main

import (
	"encoding/binary"
	"math/bits"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	zeroMAC      = net.HardwareAddr{0, 0, 0, 0, 0, 0}
)

// parseIPv4 parses a dotted-quad IPv4 address.
func parseIPv4(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, err
	}
	if !ip.Is4() {
		return netip.Addr{}, errors.Errorf("not an IPv4 address: %s", s)
	}
	return ip, nil
}

// parseMask accepts either a dotted-quad mask ("255.255.255.0") or a prefix
// length ("24" or "/24").
func parseMask(s string) (net.IPMask, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "/")
	if !strings.Contains(s, ".") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 32 {
			return nil, errors.Errorf("invalid mask: %q", s)
		}
		return maskFromBits(n), nil
	}
	ip, err := parseIPv4(s)
	if err != nil {
		return nil, errors.Errorf("invalid mask: %q", s)
	}
	b := ip.As4()
	return net.IPMask(b[:]), nil
}

func maskFromBits(n int) net.IPMask {
	return net.CIDRMask(n, 32)
}

func maskToUint32(mask net.IPMask) uint32 {
	if len(mask) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(mask)
}

func maskFromUint32(v uint32) net.IPMask {
	mask := make(net.IPMask, 4)
	binary.BigEndian.PutUint32(mask, v)
	return mask
}

// maskLen counts the bits set in mask; for contiguous masks this is the
// prefix length.
func maskLen(mask net.IPMask) int {
	return bits.OnesCount32(maskToUint32(mask))
}

func addrToUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// applyMask returns the network address of ip under mask.
func applyMask(ip netip.Addr, mask net.IPMask) netip.Addr {
	return uint32ToAddr(addrToUint32(ip) & maskToUint32(mask))
}

// addrFromIP converts a 4 or 16 byte net.IP holding an IPv4 address.
func addrFromIP(ip net.IP) (netip.Addr, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(v4)), true
}

func addrToIP(ip netip.Addr) net.IP {
	b := ip.As4()
	return net.IP(b[:])
}

var macCounter atomic.Uint32

// generateUniqueMAC returns a locally administered MAC address that is
// unique within the process.
func generateUniqueMAC() net.HardwareAddr {
	n := macCounter.Add(1)
	return net.HardwareAddr{0x02, 0xaa, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// parseMAC parses an Ethernet MAC address.
func parseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(mac) != MAC_ADDR_SIZE {
		return nil, errors.Errorf("not an Ethernet MAC address: %s", s)
	}
	return mac, nil
}
