package main

import (
	"bufio"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// StaticRoute is one line of a route table file:
//
//	<destination> <mask> <gateway> <interface>
//
// A gateway of 0.0.0.0 marks a directly connected network.
type StaticRoute struct {
	Dest      netip.Addr
	Mask      net.IPMask
	Gateway   netip.Addr
	Interface string
}

// ArpSeed is one line of an ARP cache file: <ip> <mac>.
type ArpSeed struct {
	IP  netip.Addr
	MAC net.HardwareAddr
}

// LoadRouteTableFile reads the static routes in path.
func LoadRouteTableFile(path string) ([]StaticRoute, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening route table")
	}
	defer f.Close()
	routes, err := ParseRouteTable(f)
	return routes, errors.Wrapf(err, "route table %s", path)
}

// ParseRouteTable parses route table lines. Blank lines and lines starting
// with '#' are skipped.
func ParseRouteTable(r io.Reader) ([]StaticRoute, error) {
	var routes []StaticRoute
	err := scanConfigLines(r, func(lineNo int, fields []string) error {
		if len(fields) != 4 {
			return errors.Errorf("line %d: expected 4 fields, got %d", lineNo, len(fields))
		}
		dest, err := parseIPv4(fields[0])
		if err != nil {
			return errors.Wrapf(err, "line %d: destination", lineNo)
		}
		mask, err := parseMask(fields[1])
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}
		gateway, err := parseIPv4(fields[2])
		if err != nil {
			return errors.Wrapf(err, "line %d: gateway", lineNo)
		}
		routes = append(routes, StaticRoute{
			Dest:      applyMask(dest, mask),
			Mask:      mask,
			Gateway:   gateway,
			Interface: fields[3],
		})
		return nil
	})
	return routes, err
}

// LoadArpCacheFile reads the ARP seeds in path.
func LoadArpCacheFile(path string) ([]ArpSeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening ARP cache file")
	}
	defer f.Close()
	seeds, err := ParseArpCache(f)
	return seeds, errors.Wrapf(err, "ARP cache %s", path)
}

// ParseArpCache parses "ip mac" lines.
func ParseArpCache(r io.Reader) ([]ArpSeed, error) {
	var seeds []ArpSeed
	err := scanConfigLines(r, func(lineNo int, fields []string) error {
		if len(fields) != 2 {
			return errors.Errorf("line %d: expected 2 fields, got %d", lineNo, len(fields))
		}
		ip, err := parseIPv4(fields[0])
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}
		mac, err := parseMAC(fields[1])
		if err != nil {
			return errors.Errorf("line %d: invalid MAC address %q", lineNo, fields[1])
		}
		seeds = append(seeds, ArpSeed{IP: ip, MAC: mac})
		return nil
	})
	return seeds, err
}

func scanConfigLines(r io.Reader, fn func(lineNo int, fields []string) error) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(lineNo, strings.Fields(line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ApplyStaticConfig installs routes and ARP seeds into r.
func ApplyStaticConfig(r *Router, routes []StaticRoute, seeds []ArpSeed) error {
	for _, route := range routes {
		if err := r.AddStaticRoute(route.Dest, route.Mask, route.Gateway, route.Interface); err != nil {
			return err
		}
	}
	for _, seed := range seeds {
		r.ArpCache().Seed(seed.IP, seed.MAC)
	}
	return nil
}
