package main

import (
	"context"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket/layers"
)

const (
	RIP_UPDATE_INTERVAL = 10 * time.Second // Unsolicited response period
	RIP_TIMEOUT         = 30 * time.Second // Learned route lifetime since last refresh
	RIP_AGING_INTERVAL  = time.Second
)

// RIPState is the RIP daemon of one router. The routes it learns live in
// the router's routing table.
type RIPState struct {
	router  *Router
	routes  *RoutingTable
	timeout time.Duration
}

// NewRIPState installs a connected route for every interface of r.
func NewRIPState(r *Router) *RIPState {
	rip := &RIPState{
		router:  r,
		routes:  r.routes,
		timeout: r.cfg.RIPRouteTimeout,
	}
	for _, intf := range r.ifaceList {
		r.routes.Insert(L3Route{
			Dest:    intf.Subnet(),
			Mask:    intf.Mask,
			Gateway: netip.IPv4Unspecified(),
			OIF:     intf,
			Source:  RouteSourceConnected,
		})
	}
	return rip
}

// Start asks every neighbor for its table.
func (rip *RIPState) Start() {
	LogInfo("RIP: %s sending initial requests", rip.router.name)
	for _, intf := range rip.router.ifaceList {
		rip.send(intf, &RIP{
			Command: RIP_COMMAND_REQUEST,
			Version: RIP_VERSION,
			// A single entry with family 0 and metric infinity requests the whole table.
			Entries: []RIPEntry{{
				IPAddress:  netip.IPv4Unspecified(),
				SubnetMask: maskFromUint32(0),
				NextHop:    netip.IPv4Unspecified(),
				Metric:     RIP_MAX_METRIC,
			}},
		})
	}
}

// Advertise sends the full table out every interface.
func (rip *RIPState) Advertise() {
	msg := rip.response()
	for _, intf := range rip.router.ifaceList {
		rip.send(intf, msg)
	}
}

// Sweep removes learned routes that were not refreshed in time.
func (rip *RIPState) Sweep(now time.Time) {
	for _, route := range rip.routes.Expire(now) {
		LogInfo("RIP: %s route %s/%d via %s expired", rip.router.name, route.Dest, maskLen(route.Mask), route.gatewayString())
		rip.router.metrics.RoutesExpired.Inc()
	}
}

func (rip *RIPState) response() *RIP {
	msg := &RIP{Command: RIP_COMMAND_RESPONSE, Version: RIP_VERSION}
	for _, route := range rip.routes.Entries() {
		msg.Entries = append(msg.Entries, RIPEntry{
			AddressFamily: RIP_ADDRESS_FAMILY_IP,
			IPAddress:     route.Dest,
			SubnetMask:    route.Mask,
			NextHop:       netip.IPv4Unspecified(),
			Metric:        route.Metric,
		})
	}
	return msg
}

// HandlePacket processes msg, carried by ip and received on iif.
func (rip *RIPState) HandlePacket(ip *layers.IPv4, msg *RIP, iif *Interface) {
	src, ok := addrFromIP(ip.SrcIP)
	if !ok {
		rip.router.metrics.dropped(dropMalformed)
		return
	}

	switch msg.Command {
	case RIP_COMMAND_REQUEST:
		LogDebug("RIP: %s received request from %s on %s", rip.router.name, src, iif.Name)
		rip.send(iif, rip.response())
	case RIP_COMMAND_RESPONSE:
		LogDebug("RIP: %s received response from %s on %s (%d entries)", rip.router.name, src, iif.Name, len(msg.Entries))
		rip.update(src, iif, msg.Entries, rip.router.cfg.Now())
	default:
		rip.router.metrics.dropped(dropMalformed)
	}
}

// update applies the distance-vector rule to the advertised entries. A
// learned route is replaced only by a strictly shorter distance, but every
// advertisement refreshes its expiry. Static and connected routes are never
// overridden.
func (rip *RIPState) update(src netip.Addr, iif *Interface, entries []RIPEntry, now time.Time) {
	expires := now.Add(rip.timeout)
	for _, entry := range entries {
		if entry.AddressFamily != RIP_ADDRESS_FAMILY_IP || entry.Metric >= RIP_MAX_METRIC {
			continue
		}
		distance := entry.Metric + 1
		dest := applyMask(entry.IPAddress, entry.SubnetMask)

		action := ""
		rip.routes.Apply(dest, entry.SubnetMask, func(cur L3Route, found bool) (L3Route, bool) {
			if !found {
				action = "add"
				return L3Route{
					Gateway: src,
					OIF:     iif,
					Metric:  distance,
					Expires: expires,
					Source:  RouteSourceRIP,
				}, true
			}
			if !cur.Learned() {
				return cur, false
			}
			action = "refresh"
			if distance < cur.Metric {
				action = "replace"
				cur.Gateway, cur.OIF, cur.Metric = src, iif, distance
			}
			cur.Expires = expires
			return cur, true
		})

		switch action {
		case "":
		case "refresh":
			LogDebug("RIP: %s refreshed %s/%d", rip.router.name, dest, maskLen(entry.SubnetMask))
		default:
			LogInfo("RIP: %s %s route %s/%d via %s metric %d", rip.router.name, action, dest, maskLen(entry.SubnetMask), src, distance)
		}
		if action != "" {
			rip.router.metrics.RIPUpdates.WithLabelValues(action).Inc()
		}
	}
}

func (rip *RIPState) send(intf *Interface, msg *RIP) {
	frame, err := ripFrame(intf, msg)
	if err != nil {
		LogError("RIP: %s failed to build message for %s: %v", rip.router.name, intf.Name, err)
		return
	}
	rip.router.transmit(frame, intf)
}

// ripFrame wraps msg for broadcast on intf to the RIP group address.
func ripFrame(intf *Interface, msg *RIP) ([]byte, error) {
	ip := ipv4Header(intf.IP, ripMulticastAddr, layers.IPProtocolUDP, IP_DEFAULT_TTL)
	udp := &layers.UDP{
		SrcPort: RIP_UDP_PORT,
		DstPort: RIP_UDP_PORT,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	return serializeLayers(ethernetHeader(intf.MAC, broadcastMAC, layers.EthernetTypeIPv4), ip, udp, msg)
}

// isRIP reports whether ip carries a message for the RIP daemon.
func isRIP(ip *layers.IPv4, udp *layers.UDP) bool {
	dst, ok := addrFromIP(ip.DstIP)
	return ok && dst == ripMulticastAddr && ip.Protocol == layers.IPProtocolUDP &&
		udp != nil && udp.DstPort == RIP_UDP_PORT
}

// advertiseLoop sends the table every interval until ctx is done.
func (rip *RIPState) advertiseLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rip.Advertise()
		}
	}
}

// agingLoop sweeps expired routes every interval until ctx is done.
func (rip *RIPState) agingLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rip.Sweep(rip.router.cfg.Now())
		}
	}
}
