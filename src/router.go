package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go4.org/netipx"
	"golang.org/x/sync/errgroup"
)

// FrameSender transmits Ethernet frames on a router interface.
type FrameSender interface {
	SendFrame(frame []byte, oif *Interface) error
}

// Config holds the router timers. Zero fields take the defaults.
type Config struct {
	RIPEnabled        bool
	RIPUpdateInterval time.Duration
	RIPRouteTimeout   time.Duration
	RIPAgingInterval  time.Duration
	ARPRetries        int
	ARPRetryInterval  time.Duration
	ARPCacheTimeout   time.Duration
	ARPSweepInterval  time.Duration
	// Now is the clock used for route expiry.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.RIPUpdateInterval <= 0 {
		c.RIPUpdateInterval = RIP_UPDATE_INTERVAL
	}
	if c.RIPRouteTimeout <= 0 {
		c.RIPRouteTimeout = RIP_TIMEOUT
	}
	if c.RIPAgingInterval <= 0 {
		c.RIPAgingInterval = RIP_AGING_INTERVAL
	}
	if c.ARPRetries <= 0 {
		c.ARPRetries = ARP_REQUEST_RETRIES
	}
	if c.ARPRetryInterval <= 0 {
		c.ARPRetryInterval = ARP_REQUEST_INTERVAL
	}
	if c.ARPCacheTimeout <= 0 {
		c.ARPCacheTimeout = ARP_ENTRY_TIMEOUT
	}
	if c.ARPSweepInterval <= 0 {
		c.ARPSweepInterval = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Router is an IPv4 router: it validates and forwards packets, resolves next
// hops with ARP, answers with ICMP and optionally runs RIP.
type Router struct {
	name      string
	cfg       Config
	ifaces    map[string]*Interface
	ifaceList []*Interface
	local     *netipx.IPSet

	routes   *RoutingTable
	arpCache *ArpCache
	arp      *arpResolver
	icmp     icmpGenerator
	rip      *RIPState

	sender  FrameSender
	metrics *Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	pingSeq atomic.Uint32
}

// NewRouter creates a router owning ifaces. Metrics are registered with reg,
// which may be nil.
func NewRouter(name string, ifaces []*Interface, sender FrameSender, cfg Config, reg prometheus.Registerer) (*Router, error) {
	if sender == nil {
		return nil, errors.New("frame sender must not be nil")
	}
	cfg.applyDefaults()

	byName := make(map[string]*Interface, len(ifaces))
	var local netipx.IPSetBuilder
	for _, intf := range ifaces {
		if _, ok := byName[intf.Name]; ok {
			return nil, errors.Errorf("router %s: duplicate interface %s", name, intf.Name)
		}
		byName[intf.Name] = intf
		local.Add(intf.IP)
	}
	localSet, err := local.IPSet()
	if err != nil {
		return nil, errors.Wrapf(err, "router %s: building local address set", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		name:      name,
		cfg:       cfg,
		ifaces:    byName,
		ifaceList: sortedInterfaces(byName),
		local:     localSet,
		routes:    NewRoutingTable(),
		arpCache:  NewArpCache(cfg.ARPCacheTimeout),
		sender:    sender,
		metrics:   NewMetrics(reg),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.icmp = icmpGenerator{routes: r.routes, arp: r.arpCache}
	r.arp = newArpResolver(ctx, r.arpCache, cfg.ARPRetries, cfg.ARPRetryInterval, r.metrics)
	r.arp.send = r.transmit
	r.arp.unreachable = r.hostUnreachable
	if cfg.RIPEnabled {
		r.rip = NewRIPState(r)
	}
	return r, nil
}

func (r *Router) Name() string { return r.name }

func (r *Router) Routes() *RoutingTable { return r.routes }

func (r *Router) ArpCache() *ArpCache { return r.arpCache }

// RIP returns the RIP daemon, or nil when RIP is disabled.
func (r *Router) RIP() *RIPState { return r.rip }

// Interfaces returns the interfaces ordered by name.
func (r *Router) Interfaces() []*Interface { return r.ifaceList }

func (r *Router) Interface(name string) *Interface { return r.ifaces[name] }

// AddStaticRoute installs a route that never expires. An unspecified gateway
// makes the network directly connected through ifName.
func (r *Router) AddStaticRoute(dest netip.Addr, mask net.IPMask, gateway netip.Addr, ifName string) error {
	oif := r.ifaces[ifName]
	if oif == nil {
		return errors.Errorf("router %s: unknown interface %q", r.name, ifName)
	}
	if len(mask) != 4 {
		return errors.Errorf("router %s: invalid mask %v", r.name, mask)
	}
	r.routes.Insert(L3Route{
		Dest:    dest,
		Mask:    mask,
		Gateway: gateway,
		OIF:     oif,
		Source:  RouteSourceStatic,
	})
	return nil
}

// Run starts the background activities and blocks until ctx is done or the
// router is closed.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if r.rip != nil {
		r.rip.Start()
		g.Go(func() error { return r.rip.advertiseLoop(ctx, r.cfg.RIPUpdateInterval) })
		g.Go(func() error { return r.rip.agingLoop(ctx, r.cfg.RIPAgingInterval) })
	}
	g.Go(func() error { return r.arpSweepLoop(ctx) })
	return g.Wait()
}

// Close stops Run and waits for pending ARP retries to finish.
func (r *Router) Close() {
	r.cancel()
	r.arp.Close()
}

func (r *Router) arpSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ARPSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.arpCache.DeleteExpired()
		}
	}
}

// HandleFrame processes a frame received on iif. Any reaction is sent
// through the router's FrameSender.
func (r *Router) HandleFrame(frame []byte, iif *Interface) {
	pkt := decodeFrame(frame)
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth == nil {
		if debugEnabled() {
			var b strings.Builder
			pktDump(&b, frame)
			LogDebug("%s: undecodable frame on %s\n%s", r.name, iif.Name, b.String())
		}
		r.metrics.dropped(dropMalformed)
		return
	}
	if debugEnabled() {
		LogDebug("%s: recv on %s: %s", r.name, iif.Name, pktSummary(frame))
	}
	r.metrics.FramesReceived.WithLabelValues(iif.Name, eth.EthernetType.String()).Inc()

	switch eth.EthernetType {
	case layers.EthernetTypeIPv4:
		p, ok := decodeIPv4(pkt)
		if !ok {
			r.drop(dropMalformed, "undecodable IPv4 packet on %s", iif.Name)
			return
		}
		r.handleIPv4(p, iif)
	case layers.EthernetTypeARP:
		arp, _ := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
		if arp == nil {
			r.drop(dropMalformed, "undecodable ARP packet on %s", iif.Name)
			return
		}
		r.handleARP(arp, iif)
	default:
		r.drop(dropUnknownType, "ethertype %s on %s", eth.EthernetType, iif.Name)
	}
}

func (r *Router) handleIPv4(p ipv4Packet, iif *Interface) {
	ip := p.ip
	if !ipv4ChecksumValid(ip) {
		r.drop(dropBadChecksum, "bad IPv4 checksum from %s on %s", ip.SrcIP, iif.Name)
		return
	}
	if ip.TTL <= 1 {
		r.sendICMPError(iif, ip, ICMP_TIME_EXCEEDED, ICMP_CODE_TTL_EXCEEDED)
		return
	}
	packet, err := decrementTTL(ip)
	if err != nil {
		r.drop(dropMalformed, "%v", err)
		return
	}

	if isRIP(ip, p.udp) {
		if r.rip == nil {
			r.drop(dropRIPDisabled, "RIP message from %s on %s", ip.SrcIP, iif.Name)
			return
		}
		if p.rip == nil {
			r.drop(dropMalformed, "undecodable RIP message from %s on %s", ip.SrcIP, iif.Name)
			return
		}
		r.rip.HandlePacket(ip, p.rip, iif)
		return
	}

	dst, _ := addrFromIP(ip.DstIP)
	if r.local.Contains(dst) {
		r.deliverLocal(ip, p.icmp, iif)
		return
	}
	r.forward(packet, ip, dst, iif)
}

// deliverLocal handles packets addressed to one of the router's interfaces.
func (r *Router) deliverLocal(ip *layers.IPv4, icmp *layers.ICMPv4, iif *Interface) {
	switch ip.Protocol {
	case layers.IPProtocolUDP, layers.IPProtocolTCP:
		r.sendICMPError(iif, ip, ICMP_DEST_UNREACHABLE, ICMP_CODE_PORT_UNREACH)
	case layers.IPProtocolICMPv4:
		if icmp == nil {
			r.drop(dropMalformed, "undecodable ICMP from %s", ip.SrcIP)
			return
		}
		switch icmp.TypeCode.Type() {
		case ICMP_ECHO_REQUEST:
			frame, ok := r.icmp.EchoReply(iif, ip, icmp)
			if !ok {
				r.metrics.dropped(dropNoICMPRoute)
				return
			}
			r.metrics.icmpSent(ICMP_ECHO_REPLY, 0)
			r.transmit(frame, iif)
		case ICMP_ECHO_REPLY:
			LogInfo("%s: reply from %s: icmp_seq=%d ttl=%d", r.name, ip.SrcIP, icmp.Seq, ip.TTL)
			r.metrics.EchoRepliesReceived.Inc()
		default:
			LogInfo("%s: ICMP %s from %s", r.name, icmp.TypeCode, ip.SrcIP)
		}
	default:
		r.drop(dropNotForUs, "protocol %s to local address %s", ip.Protocol, ip.DstIP)
	}
}

// forward sends packet towards dst. ip is the packet as received and iif the
// ingress interface; both are nil for locally originated packets.
func (r *Router) forward(packet []byte, ip *layers.IPv4, dst netip.Addr, iif *Interface) {
	route, ok := r.routes.LookupLPM(dst)
	if !ok {
		if iif != nil {
			r.sendICMPError(iif, ip, ICMP_DEST_UNREACHABLE, ICMP_CODE_NET_UNREACH)
		} else {
			LogWarn("%s: no route to %s", r.name, dst)
		}
		return
	}
	if iif != nil && route.OIF == iif {
		r.drop(dropSameInterface, "%s would leave on ingress interface %s", dst, iif.Name)
		return
	}

	oif := route.OIF
	nextHop := route.NextHop(dst)
	frame, err := ipv4Frame(oif.MAC, zeroMAC, packet)
	if err != nil {
		LogError("%s: %v", r.name, err)
		return
	}
	if mac, ok := r.arpCache.Lookup(nextHop); ok {
		r.transmit(withMACs(frame, oif.MAC, mac), oif)
		return
	}
	r.arp.Enqueue(nextHop, oif, arpPendingFrame{iif: iif, frame: frame, ip: ip})
}

// Ping sends an ICMP echo request to dst from the address of the egress
// interface. Replies are logged when they arrive.
func (r *Router) Ping(dst netip.Addr) error {
	if r.local.Contains(dst) {
		return errors.Errorf("%s is a local address of %s", dst, r.name)
	}
	route, ok := r.routes.LookupLPM(dst)
	if !ok {
		return errors.Errorf("%s: no route to %s", r.name, dst)
	}
	seq := uint16(r.pingSeq.Add(1))
	packet, err := echoRequestPacket(route.OIF.IP, dst, pingID, seq, []byte("vrouter ping"))
	if err != nil {
		return err
	}
	LogInfo("%s: PING %s from %s icmp_seq=%d", r.name, dst, route.OIF.IP, seq)
	r.forward(packet, nil, dst, nil)
	return nil
}

const pingID = 0x7672

// hostUnreachable answers a frame whose next hop never resolved.
func (r *Router) hostUnreachable(p arpPendingFrame) {
	if p.iif == nil || p.ip == nil {
		LogWarn("%s: host unreachable for locally originated packet", r.name)
		return
	}
	r.sendICMPError(p.iif, p.ip, ICMP_DEST_UNREACHABLE, ICMP_CODE_HOST_UNREACH)
}

func (r *Router) sendICMPError(iif *Interface, ip *layers.IPv4, t, c uint8) {
	frame, ok := r.icmp.Error(iif, ip, t, c)
	if !ok {
		r.metrics.dropped(dropNoICMPRoute)
		return
	}
	LogDebug("%s: ICMP %d/%d to %s via %s", r.name, t, c, ip.SrcIP, iif.Name)
	r.metrics.icmpSent(t, c)
	r.transmit(frame, iif)
}

// transmit hands frame to the link layer. Failures are logged only.
func (r *Router) transmit(frame []byte, oif *Interface) {
	if debugEnabled() {
		LogDebug("%s: send on %s: %s", r.name, oif.Name, pktSummary(frame))
	}
	if err := r.sender.SendFrame(frame, oif); err != nil {
		LogWarn("%s: send on %s failed: %v", r.name, oif.Name, err)
		return
	}
	r.metrics.FramesSent.WithLabelValues(oif.Name).Inc()
}

func (r *Router) drop(reason, format string, args ...interface{}) {
	LogDebug("%s: drop (%s): %s", r.name, reason, fmt.Sprintf(format, args...))
	r.metrics.dropped(reason)
}
