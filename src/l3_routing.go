package main

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"
)

// RouteSource indicates the protocol that installed the route
type RouteSource uint8

const (
	RouteSourceConnected RouteSource = iota // Directly connected networks
	RouteSourceStatic                       // Static routes from the route table file
	RouteSourceRIP                          // Learned from RIP responses
)

func (s RouteSource) String() string {
	switch s {
	case RouteSourceConnected:
		return "C"
	case RouteSourceStatic:
		return "S"
	case RouteSourceRIP:
		return "R"
	default:
		return "?"
	}
}

// L3Route represents a routing table entry.
type L3Route struct {
	Dest    netip.Addr // Destination network, always masked
	Mask    net.IPMask
	Gateway netip.Addr // 0.0.0.0 (or invalid) for directly connected networks
	OIF     *Interface
	Metric  uint32    // Hop count, 0 for directly connected
	Expires time.Time // Zero for routes that never expire
	Source  RouteSource
}

// IsDirect reports whether the destination is reachable without a gateway.
func (r L3Route) IsDirect() bool {
	return !r.Gateway.IsValid() || r.Gateway.IsUnspecified()
}

// NextHop returns the address that has to be resolved to reach dst over r.
func (r L3Route) NextHop(dst netip.Addr) netip.Addr {
	if r.IsDirect() {
		return dst
	}
	return r.Gateway
}

// Learned reports whether the route is subject to aging.
func (r L3Route) Learned() bool {
	return r.Source == RouteSourceRIP
}

func (r L3Route) matches(ip netip.Addr) bool {
	return applyMask(ip, r.Mask) == r.Dest
}

func (r L3Route) sameNetwork(dest netip.Addr, mask net.IPMask) bool {
	return r.Dest == dest && maskToUint32(r.Mask) == maskToUint32(mask)
}

func (r L3Route) String() string {
	oif := "NA"
	if r.OIF != nil {
		oif = r.OIF.Name
	}
	return fmt.Sprintf("[%s] %s/%d via %s (%s) metric=%d", r.Source, r.Dest, maskLen(r.Mask), r.gatewayString(), oif, r.Metric)
}

func (r L3Route) gatewayString() string {
	if r.IsDirect() {
		return "0.0.0.0"
	}
	return r.Gateway.String()
}

// RoutingTable represents the L3 routing table (RIB - Routing Information Base).
// Routes are kept in insertion order; among equal-length prefix matches the
// most recently inserted route wins.
type RoutingTable struct {
	mu     sync.Mutex
	routes []L3Route
}

// NewRoutingTable initializes an empty routing table
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		routes: make([]L3Route, 0),
	}
}

// Insert adds route to the table, replacing any route for the same
// (destination, mask). The destination is masked before storage.
func (rt *RoutingTable) Insert(route L3Route) {
	route.Dest = applyMask(route.Dest, route.Mask)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.deleteLocked(route.Dest, route.Mask)
	rt.routes = append(rt.routes, route)
	LogDebug("Added route %s", route)
}

// LookupLPM performs longest prefix match lookup for ip.
func (rt *RoutingTable) LookupLPM(ip netip.Addr) (L3Route, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	best := -1
	bestLen := -1
	for i := range rt.routes {
		if !rt.routes[i].matches(ip) {
			continue
		}
		// >= so that a later insert wins over an earlier one of equal length.
		if l := maskLen(rt.routes[i].Mask); l >= bestLen {
			best, bestLen = i, l
		}
	}
	if best < 0 {
		LogDebug("LPM: no route for %s", ip)
		return L3Route{}, false
	}
	return rt.routes[best], true
}

// Find returns the route for exactly (dest, mask).
func (rt *RoutingTable) Find(dest netip.Addr, mask net.IPMask) (L3Route, bool) {
	dest = applyMask(dest, mask)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if i := rt.indexLocked(dest, mask); i >= 0 {
		return rt.routes[i], true
	}
	return L3Route{}, false
}

// Apply runs fn on the route for (dest, mask) while holding the table lock.
// found is false when no such route exists. If fn returns store=true the
// returned route is written back in place (or appended when absent).
// Apply reports whether the table changed.
func (rt *RoutingTable) Apply(dest netip.Addr, mask net.IPMask, fn func(cur L3Route, found bool) (next L3Route, store bool)) bool {
	dest = applyMask(dest, mask)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	i := rt.indexLocked(dest, mask)
	var cur L3Route
	if i >= 0 {
		cur = rt.routes[i]
	}
	next, store := fn(cur, i >= 0)
	if !store {
		return false
	}
	next.Dest, next.Mask = dest, mask
	if i >= 0 {
		rt.routes[i] = next
	} else {
		rt.routes = append(rt.routes, next)
	}
	return true
}

// DeleteRoute removes the route for (dest, mask) and reports whether it existed.
func (rt *RoutingTable) DeleteRoute(dest netip.Addr, mask net.IPMask) bool {
	dest = applyMask(dest, mask)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.deleteLocked(dest, mask) {
		LogDebug("Deleted route %s/%d", dest, maskLen(mask))
		return true
	}
	return false
}

// Expire removes learned routes whose expiry is not after now and returns
// them. Static and connected routes are never removed.
func (rt *RoutingTable) Expire(now time.Time) []L3Route {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var expired []L3Route
	kept := rt.routes[:0]
	for _, route := range rt.routes {
		if route.Learned() && !route.Expires.IsZero() && !route.Expires.After(now) {
			expired = append(expired, route)
			continue
		}
		kept = append(kept, route)
	}
	// Clear the tail so dropped routes don't pin their interfaces.
	for i := len(kept); i < len(rt.routes); i++ {
		rt.routes[i] = L3Route{}
	}
	rt.routes = kept
	return expired
}

// Entries returns a snapshot of the table in insertion order.
func (rt *RoutingTable) Entries() []L3Route {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]L3Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}

// Len returns the number of routes in the table.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.routes)
}

// DumpRoutingTable writes the routing table to w.
func (rt *RoutingTable) DumpRoutingTable(w io.Writer, now time.Time) {
	rows := make([][]string, 0)
	for _, route := range rt.Entries() {
		oif := "NA"
		if route.OIF != nil {
			oif = route.OIF.Name
		}
		expires := "never"
		if !route.Expires.IsZero() {
			expires = route.Expires.Sub(now).Truncate(time.Second).String()
		}
		rows = append(rows, []string{
			route.Source.String(),
			route.Dest.String(),
			fmt.Sprintf("%d", maskLen(route.Mask)),
			route.gatewayString(),
			oif,
			fmt.Sprintf("%d", route.Metric),
			expires,
		})
	}
	fmt.Fprintf(w, "Legend: C=Connected, S=Static, R=RIP\n")
	renderTable(w, []string{"SRC", "DESTINATION", "MASK", "GATEWAY", "INTERFACE", "METRIC", "EXPIRES"}, rows)
}

func (rt *RoutingTable) indexLocked(dest netip.Addr, mask net.IPMask) int {
	for i := range rt.routes {
		if rt.routes[i].sameNetwork(dest, mask) {
			return i
		}
	}
	return -1
}

func (rt *RoutingTable) deleteLocked(dest netip.Addr, mask net.IPMask) bool {
	i := rt.indexLocked(dest, mask)
	if i < 0 {
		return false
	}
	rt.routes = append(rt.routes[:i], rt.routes[i+1:]...)
	return true
}
