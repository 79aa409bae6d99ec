package main

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Addresses of the test router R and its neighbors:
//
//	hostA 10.0.1.10 --- eth0 10.0.1.1 [R] eth1 10.0.2.1 --- hostB 10.0.2.20
//	                                  [R] eth2 10.0.3.1 --- hostC 10.0.3.30
var (
	macEth0  = mustMAC("02:00:00:00:01:01")
	macEth1  = mustMAC("02:00:00:00:02:01")
	macEth2  = mustMAC("02:00:00:00:03:01")
	macHostA = mustMAC("02:00:00:00:01:0a")
	macHostB = mustMAC("02:00:00:00:02:14")
	macHostC = mustMAC("02:00:00:00:03:1e")

	ipEth0  = netip.MustParseAddr("10.0.1.1")
	ipEth1  = netip.MustParseAddr("10.0.2.1")
	ipEth2  = netip.MustParseAddr("10.0.3.1")
	ipHostA = netip.MustParseAddr("10.0.1.10")
	ipHostB = netip.MustParseAddr("10.0.2.20")
	ipHostC = netip.MustParseAddr("10.0.3.30")
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := parseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func testInterfaces(t *testing.T) []*Interface {
	t.Helper()
	mk := func(name string, mac net.HardwareAddr, ip netip.Addr) *Interface {
		intf, err := NewInterface(name, mac, ip, maskFromBits(24))
		require.NoError(t, err)
		return intf
	}
	return []*Interface{
		mk("eth0", macEth0, ipEth0),
		mk("eth1", macEth1, ipEth1),
		mk("eth2", macEth2, ipEth2),
	}
}

type sentFrame struct {
	frame []byte
	oif   string
}

// captureSender records every frame instead of sending it. It never blocks,
// so it is safe to call while the ARP resolver holds its lock.
type captureSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (s *captureSender) SendFrame(frame []byte, oif *Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sentFrame{frame: append([]byte(nil), frame...), oif: oif.Name})
	return nil
}

func (s *captureSender) Frames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.frames...)
}

// FramesOf returns the recorded frames of the given ethertype.
func (s *captureSender) FramesOf(t layers.EthernetType) []sentFrame {
	var out []sentFrame
	for _, f := range s.Frames() {
		if eth, ok := decodeFrame(f.frame).Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok && eth.EthernetType == t {
			out = append(out, f)
		}
	}
	return out
}

func (s *captureSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

// testClock is a settable clock for route expiry.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestRouter builds router R without RIP. Connected networks are
// installed as static routes and hostA and hostC are in the ARP cache.
func newTestRouter(t *testing.T, cfg Config) (*Router, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	r, err := NewRouter("R", testInterfaces(t), sender, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	if !cfg.RIPEnabled {
		for _, intf := range r.Interfaces() {
			require.NoError(t, r.AddStaticRoute(intf.Subnet(), intf.Mask, netip.IPv4Unspecified(), intf.Name))
		}
	}
	r.ArpCache().Seed(ipHostA, macHostA)
	r.ArpCache().Seed(ipHostC, macHostC)
	return r, sender
}

func buildFrame(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	frame, err := serializeLayers(ls...)
	require.NoError(t, err)
	return frame
}

// echoFrame builds an ICMP echo request (or reply, per typ) frame.
func echoFrame(t *testing.T, srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr, ttl uint8, typ uint8, seq uint16) []byte {
	t.Helper()
	return buildFrame(t,
		ethernetHeader(srcMAC, dstMAC, layers.EthernetTypeIPv4),
		ipv4Header(src, dst, layers.IPProtocolICMPv4, ttl),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0), Id: 0x1234, Seq: seq},
		gopacket.Payload("abcdefghijklmnop"),
	)
}

func udpFrame(t *testing.T, srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr, ttl uint8, dport layers.UDPPort) []byte {
	t.Helper()
	ip := ipv4Header(src, dst, layers.IPProtocolUDP, ttl)
	udp := &layers.UDP{SrcPort: 40000, DstPort: dport}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return buildFrame(t,
		ethernetHeader(srcMAC, dstMAC, layers.EthernetTypeIPv4),
		ip, udp,
		gopacket.Payload("payload"),
	)
}

func arpFrameFrom(t *testing.T, op uint16, srcMAC net.HardwareAddr, src netip.Addr, dstMAC net.HardwareAddr, dst netip.Addr) []byte {
	t.Helper()
	sender, err := NewInterface("peer", srcMAC, src, maskFromBits(24))
	require.NoError(t, err)
	ethDst := dstMAC
	if op == layers.ARPRequest {
		ethDst = broadcastMAC
	}
	frame, err := arpFrame(op, sender, ethDst, dstMAC, dst)
	require.NoError(t, err)
	return frame
}

// decodedFrame holds the layers of a captured frame.
type decodedFrame struct {
	eth  *layers.Ethernet
	arp  *layers.ARP
	ip   *layers.IPv4
	icmp *layers.ICMPv4
	udp  *layers.UDP
	rip  *RIP
}

func decode(t *testing.T, frame []byte) decodedFrame {
	t.Helper()
	pkt := decodeFrame(frame)
	var d decodedFrame
	d.eth, _ = pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.NotNil(t, d.eth, "frame has no Ethernet layer")
	d.arp, _ = pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if p, ok := decodeIPv4(pkt); ok {
		d.ip, d.icmp, d.udp, d.rip = p.ip, p.icmp, p.udp, p.rip
	}
	return d
}

// ipv4Of decodes the IPv4 layer of frame as the router would receive it.
func ipv4Of(t *testing.T, frame []byte) *layers.IPv4 {
	t.Helper()
	ip := decode(t, frame).ip
	require.NotNil(t, ip)
	return ip
}

func addr(t *testing.T, ip net.IP) netip.Addr {
	t.Helper()
	a, ok := addrFromIP(ip)
	require.True(t, ok, "not an IPv4 address: %v", ip)
	return a
}
