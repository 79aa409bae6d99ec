package main

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/patrickmn/go-cache"
)

// ====== ARP (Address Resolution Protocol) ======

const (
	ARP_ENTRY_TIMEOUT    = 5 * time.Minute // Lifetime of learned cache entries
	ARP_REQUEST_RETRIES  = 3
	ARP_REQUEST_INTERVAL = time.Second
)

// ArpCache maps IPv4 addresses to hardware addresses. Learned entries expire
// after the configured timeout; seeded entries never expire.
type ArpCache struct {
	entries *cache.Cache
}

// NewArpCache creates a cache whose learned entries live for ttl. No janitor
// goroutine is started; expired entries are invisible to lookups and are
// purged by DeleteExpired.
func NewArpCache(ttl time.Duration) *ArpCache {
	return &ArpCache{entries: cache.New(ttl, 0)}
}

// Lookup returns the hardware address for ip if a valid entry exists.
func (c *ArpCache) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	v, ok := c.entries.Get(ip.String())
	if !ok {
		return nil, false
	}
	return v.(net.HardwareAddr), true
}

// Insert adds or refreshes a learned entry.
func (c *ArpCache) Insert(ip netip.Addr, mac net.HardwareAddr) {
	c.entries.SetDefault(ip.String(), cloneMAC(mac))
}

// Seed adds an entry that never expires.
func (c *ArpCache) Seed(ip netip.Addr, mac net.HardwareAddr) {
	c.entries.Set(ip.String(), cloneMAC(mac), cache.NoExpiration)
}

// DeleteExpired purges expired entries.
func (c *ArpCache) DeleteExpired() {
	c.entries.DeleteExpired()
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *ArpCache) Len() int {
	return c.entries.ItemCount()
}

// Dump writes the valid entries ordered by address.
func (c *ArpCache) Dump(w io.Writer, now time.Time) {
	items := c.entries.Items()
	keys := make([]netip.Addr, 0, len(items))
	for k := range items {
		if ip, err := netip.ParseAddr(k); err == nil {
			keys = append(keys, ip)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	rows := make([][]string, 0, len(keys))
	for _, ip := range keys {
		item := items[ip.String()]
		expires := "never"
		if item.Expiration > 0 {
			expires = time.Unix(0, item.Expiration).Sub(now).Truncate(time.Second).String()
		}
		rows = append(rows, []string{ip.String(), item.Object.(net.HardwareAddr).String(), expires})
	}
	renderTable(w, []string{"IP ADDRESS", "MAC ADDRESS", "EXPIRES"}, rows)
}

func cloneMAC(mac net.HardwareAddr) net.HardwareAddr {
	out := make(net.HardwareAddr, len(mac))
	copy(out, mac)
	return out
}

// arpPendingFrame is a frame waiting for its next hop to be resolved.
type arpPendingFrame struct {
	iif   *Interface   // Ingress interface, nil for locally originated packets
	frame []byte       // Ethernet frame ready to send once the MAC is known
	ip    *layers.IPv4 // Packet as received, quoted in host unreachable errors
}

// arpRequestQueue holds the frames waiting for one target address.
type arpRequestQueue struct {
	target netip.Addr
	oif    *Interface
	frames []arpPendingFrame
	cancel context.CancelFunc
}

// arpResolver owns the pending request queues. At most one queue and one
// retry goroutine exist per target address.
type arpResolver struct {
	cache    *ArpCache
	retries  int
	interval time.Duration
	metrics  *Metrics

	// send transmits a frame on oif.
	send func(frame []byte, oif *Interface)
	// unreachable reports a frame whose next hop could not be resolved.
	unreachable func(p arpPendingFrame)

	ctx context.Context
	wg  sync.WaitGroup

	mu      sync.Mutex
	pending map[netip.Addr]*arpRequestQueue
}

func newArpResolver(ctx context.Context, c *ArpCache, retries int, interval time.Duration, m *Metrics) *arpResolver {
	return &arpResolver{
		cache:    c,
		retries:  retries,
		interval: interval,
		metrics:  m,
		ctx:      ctx,
		pending:  make(map[netip.Addr]*arpRequestQueue),
	}
}

// Enqueue queues p until target is resolved on oif. The first frame for a
// target starts the request retries.
func (r *arpResolver) Enqueue(target netip.Addr, oif *Interface, p arpPendingFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.pending[target]
	if !ok {
		ctx, cancel := context.WithCancel(r.ctx)
		q = &arpRequestQueue{target: target, oif: oif, cancel: cancel}
		r.pending[target] = q
		r.wg.Add(1)
		go r.retry(ctx, q)
		LogDebug("ARP: created pending queue for %s on %s", target, oif.Name)
	}
	q.frames = append(q.frames, p)
	r.metrics.ARPPendingFrames.Inc()
}

// retry broadcasts requests for q.target until the queue is resolved or the
// attempts run out. Requests are sent while holding the lock, so a reply
// that removed the queue is always observed before the next broadcast.
func (r *arpResolver) retry(ctx context.Context, q *arpRequestQueue) {
	defer r.wg.Done()

	for attempt := 1; attempt <= r.retries; attempt++ {
		r.mu.Lock()
		if ctx.Err() != nil || r.pending[q.target] != q {
			r.mu.Unlock()
			return
		}
		LogDebug("ARP: request %d/%d for %s on %s", attempt, r.retries, q.target, q.oif.Name)
		r.sendRequest(q.oif, q.target)
		r.mu.Unlock()

		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	r.mu.Lock()
	if ctx.Err() != nil || r.pending[q.target] != q {
		r.mu.Unlock()
		return
	}
	delete(r.pending, q.target)
	frames := q.frames
	q.cancel()
	r.metrics.ARPPendingFrames.Sub(float64(len(frames)))
	r.mu.Unlock()

	r.metrics.ARPFailures.Inc()
	LogWarn("ARP: no reply for %s after %d requests, dropping %d frame(s)", q.target, r.retries, len(frames))
	for _, p := range frames {
		r.unreachable(p)
	}
}

func (r *arpResolver) sendRequest(oif *Interface, target netip.Addr) {
	frame, err := arpRequestFrame(oif, target)
	if err != nil {
		LogError("ARP: failed to build request for %s: %v", target, err)
		return
	}
	r.metrics.ARPRequestsSent.Inc()
	r.send(frame, oif)
}

// Resolve records ip → mac and releases the frames queued for ip, in
// enqueue order, on the queue's egress interface.
func (r *arpResolver) Resolve(ip netip.Addr, mac net.HardwareAddr) {
	r.cache.Insert(ip, mac)

	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.pending[ip]
	if !ok {
		return
	}
	delete(r.pending, ip)
	q.cancel()
	r.metrics.ARPPendingFrames.Sub(float64(len(q.frames)))

	LogDebug("ARP: resolved %s is-at %s, flushing %d frame(s)", ip, mac, len(q.frames))
	for _, p := range q.frames {
		r.send(withMACs(p.frame, q.oif.MAC, mac), q.oif)
	}
}

// Pending reports whether a queue exists for target.
func (r *arpResolver) Pending(target netip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[target]
	return ok
}

// Close cancels all retries and waits for them to return. Queued frames are
// discarded without generating errors.
func (r *arpResolver) Close() {
	r.mu.Lock()
	for target, q := range r.pending {
		q.cancel()
		r.metrics.ARPPendingFrames.Sub(float64(len(q.frames)))
		delete(r.pending, target)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// arpRequestFrame builds a broadcast who-has for target sent from oif.
func arpRequestFrame(oif *Interface, target netip.Addr) ([]byte, error) {
	return arpFrame(layers.ARPRequest, oif, broadcastMAC, zeroMAC, target)
}

// arpReplyFrame builds an is-at reply from oif to the requester.
func arpReplyFrame(oif *Interface, dstMAC net.HardwareAddr, dstIP netip.Addr) ([]byte, error) {
	return arpFrame(layers.ARPReply, oif, dstMAC, dstMAC, dstIP)
}

func arpFrame(op uint16, oif *Interface, ethDst, arpDst net.HardwareAddr, dstIP netip.Addr) ([]byte, error) {
	src := oif.IP.As4()
	dst := dstIP.As4()
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     MAC_ADDR_SIZE,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   oif.MAC,
		SourceProtAddress: src[:],
		DstHwAddress:      arpDst,
		DstProtAddress:    dst[:],
	}
	return serializeLayers(ethernetHeader(oif.MAC, ethDst, layers.EthernetTypeARP), arp)
}

// handleARP answers requests for the address of the receiving interface
// and feeds replies to the resolver.
func (r *Router) handleARP(arp *layers.ARP, iif *Interface) {
	if arp.AddrType != layers.LinkTypeEthernet || arp.Protocol != layers.EthernetTypeIPv4 ||
		len(arp.SourceProtAddress) != 4 || len(arp.DstProtAddress) != 4 || len(arp.SourceHwAddress) != MAC_ADDR_SIZE {
		r.metrics.dropped(dropMalformed)
		return
	}
	senderIP := netip.AddrFrom4([4]byte(arp.SourceProtAddress))
	targetIP := netip.AddrFrom4([4]byte(arp.DstProtAddress))
	senderMAC := net.HardwareAddr(arp.SourceHwAddress)

	switch arp.Operation {
	case layers.ARPRequest:
		if targetIP != iif.IP {
			LogDebug("%s: ignoring ARP request for %s on %s", r.name, targetIP, iif.Name)
			return
		}
		// The requester is about to talk to us; remember it so replies
		// need no resolution of their own. Pending queues are left alone.
		r.arpCache.Insert(senderIP, senderMAC)
		frame, err := arpReplyFrame(iif, senderMAC, senderIP)
		if err != nil {
			LogError("%s: failed to build ARP reply: %v", r.name, err)
			return
		}
		LogDebug("%s: %s is-at %s, replying to %s", r.name, targetIP, iif.MAC, senderIP)
		r.transmit(frame, iif)
	case layers.ARPReply:
		r.arp.Resolve(senderIP, senderMAC)
	default:
		r.metrics.dropped(dropMalformed)
	}
}
