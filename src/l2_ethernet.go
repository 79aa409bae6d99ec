package main

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"
)

// Ethernet frame constants
const (
	MAC_ADDR_SIZE        = 6
	ETHERNET_HDR_SIZE    = 14 // 6 (dst) + 6 (src) + 2 (ethertype)
	ETHERNET_MAX_PAYLOAD = 1500
	IP_DEFAULT_TTL       = 64
	IPV4_MIN_HDR_SIZE    = 20
)

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// serializeLayers encodes ls into a fresh buffer.
func serializeLayers(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ls...); err != nil {
		return nil, errors.Wrap(err, "serializing frame")
	}
	return buf.Bytes(), nil
}

// decodeFrame decodes a copy of an Ethernet frame, so decoded layers may be
// retained after the caller reuses its buffer.
func decodeFrame(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
}

// ethernetHeader builds the Ethernet layer used for every frame the router
// originates.
func ethernetHeader(src, dst net.HardwareAddr, t layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: t,
	}
}

// withMACs returns a copy of frame with the Ethernet addresses replaced.
func withMACs(frame []byte, src, dst net.HardwareAddr) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	copy(out[0:MAC_ADDR_SIZE], dst)
	copy(out[MAC_ADDR_SIZE:2*MAC_ADDR_SIZE], src)
	return out
}

// ipv4Header returns a fresh IPv4 header for a locally originated packet.
func ipv4Header(src, dst netip.Addr, proto layers.IPProtocol, ttl uint8) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Protocol: proto,
		SrcIP:    addrToIP(src),
		DstIP:    addrToIP(dst),
	}
}

// ipv4Packet is a received IPv4 packet and the transport layers the router
// looks at. udp, icmp and rip are nil when absent.
type ipv4Packet struct {
	ip   *layers.IPv4
	udp  *layers.UDP
	icmp *layers.ICMPv4
	rip  *RIP
}

// decodeIPv4 extracts the IPv4 layers of pkt. gopacket stops filling in the
// fixed header fields once it reaches an end-of-options byte, so in that
// case they are read back from the raw header and the payload is decoded
// again.
func decodeIPv4(pkt gopacket.Packet) (ipv4Packet, bool) {
	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip == nil || len(ip.Contents) < IPV4_MIN_HDR_SIZE {
		return ipv4Packet{}, false
	}
	if ip.Version == 0 {
		h := ip.Contents
		flagsfrags := binary.BigEndian.Uint16(h[6:8])
		ip.Version = h[0] >> 4
		ip.TOS = h[1]
		ip.Id = binary.BigEndian.Uint16(h[4:6])
		ip.Flags = layers.IPv4Flag(flagsfrags >> 13)
		ip.FragOffset = flagsfrags & 0x1fff
		ip.TTL = h[8]
		ip.Protocol = layers.IPProtocol(h[9])
		ip.Checksum = binary.BigEndian.Uint16(h[10:12])
		ip.SrcIP = h[12:16]
		ip.DstIP = h[16:20]
		pkt = gopacket.NewPacket(ip.Payload, ip.NextLayerType(), gopacket.Default)
	}
	p := ipv4Packet{ip: ip}
	p.udp, _ = pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	p.icmp, _ = pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	p.rip, _ = pkt.Layer(LayerTypeRIP).(*RIP)
	return p, true
}

// ipv4HeaderChecksum is the ones' complement checksum of hdr, whose checksum
// field must be zero.
func ipv4HeaderChecksum(hdr []byte) uint16 {
	return gopacket.FoldChecksum(gopacket.ComputeChecksum(hdr, 0))
}

// ipv4ChecksumValid recomputes the checksum over the header as received,
// options included, with the checksum field zeroed.
func ipv4ChecksumValid(ip *layers.IPv4) bool {
	if len(ip.Contents) < IPV4_MIN_HDR_SIZE {
		return false
	}
	hdr := make([]byte, len(ip.Contents))
	copy(hdr, ip.Contents)
	hdr[10], hdr[11] = 0, 0
	return ipv4HeaderChecksum(hdr) == binary.BigEndian.Uint16(ip.Contents[10:12])
}

// decrementTTL returns a new IPv4 packet (header and payload) with the TTL
// lowered by one and the checksum recomputed. The received header is
// otherwise copied unchanged.
func decrementTTL(ip *layers.IPv4) ([]byte, error) {
	hlen := len(ip.Contents)
	if hlen < IPV4_MIN_HDR_SIZE {
		return nil, errors.Errorf("IPv4 header too short: %d bytes", hlen)
	}
	if ip.Contents[8] == 0 {
		return nil, errors.New("IPv4 TTL already zero")
	}
	packet := make([]byte, 0, hlen+len(ip.Payload))
	packet = append(packet, ip.Contents...)
	packet = append(packet, ip.Payload...)
	packet[8]--
	packet[10], packet[11] = 0, 0
	binary.BigEndian.PutUint16(packet[10:12], ipv4HeaderChecksum(packet[:hlen]))
	return packet, nil
}

// ipv4Frame wraps an already encoded IPv4 packet in an Ethernet header.
func ipv4Frame(src, dst net.HardwareAddr, packet []byte) ([]byte, error) {
	return serializeLayers(
		ethernetHeader(src, dst, layers.EthernetTypeIPv4),
		gopacket.Payload(packet),
	)
}
