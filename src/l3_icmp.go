package main

import (
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// ICMP types and codes generated by the router
const (
	ICMP_ECHO_REPLY        = 0
	ICMP_DEST_UNREACHABLE  = 3
	ICMP_ECHO_REQUEST      = 8
	ICMP_TIME_EXCEEDED     = 11
	ICMP_CODE_NET_UNREACH  = 0
	ICMP_CODE_HOST_UNREACH = 1
	ICMP_CODE_PORT_UNREACH = 3
	ICMP_CODE_TTL_EXCEEDED = 0

	icmpQuotedPayload = 8 // Bytes of the offending datagram quoted after its header
)

// icmpGenerator builds ICMP replies. It only reads the route table and the
// ARP cache; nothing is sent.
type icmpGenerator struct {
	routes *RoutingTable
	arp    *ArpCache
}

// destinationMAC resolves the hardware address of the next hop towards dst.
func (g icmpGenerator) destinationMAC(dst netip.Addr) (net.HardwareAddr, bool) {
	route, ok := g.routes.LookupLPM(dst)
	if !ok {
		return nil, false
	}
	return g.arp.Lookup(route.NextHop(dst))
}

// Error builds an ICMP error of (t, c) about ip, which arrived on iif. The
// message quotes the header of ip as received and the first 8 bytes of its
// payload. ok is false when no frame can be addressed.
func (g icmpGenerator) Error(iif *Interface, ip *layers.IPv4, t, c uint8) (frame []byte, ok bool) {
	src, ok := addrFromIP(ip.SrcIP)
	if !ok {
		return nil, false
	}
	quoted := ip.Payload
	if len(quoted) > icmpQuotedPayload {
		quoted = quoted[:icmpQuotedPayload]
	}
	data := make([]byte, 0, len(ip.Contents)+len(quoted))
	data = append(data, ip.Contents...)
	data = append(data, quoted...)

	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(t, c)}
	return g.build(iif, iif.IP, src, icmp, data)
}

// EchoReply answers echo, carried by ip, with the same identifier, sequence
// number and data. The reply is sourced from the address that was pinged.
func (g icmpGenerator) EchoReply(iif *Interface, ip *layers.IPv4, echo *layers.ICMPv4) (frame []byte, ok bool) {
	src, ok1 := addrFromIP(ip.DstIP)
	dst, ok2 := addrFromIP(ip.SrcIP)
	if !ok1 || !ok2 {
		return nil, false
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(ICMP_ECHO_REPLY, 0),
		Id:       echo.Id,
		Seq:      echo.Seq,
	}
	return g.build(iif, src, dst, icmp, echo.Payload)
}

func (g icmpGenerator) build(iif *Interface, src, dst netip.Addr, icmp *layers.ICMPv4, data []byte) ([]byte, bool) {
	dstMAC, ok := g.destinationMAC(dst)
	if !ok {
		LogDebug("ICMP: no hardware address towards %s, not sending %s", dst, icmp.TypeCode)
		return nil, false
	}
	frame, err := serializeLayers(
		ethernetHeader(iif.MAC, dstMAC, layers.EthernetTypeIPv4),
		ipv4Header(src, dst, layers.IPProtocolICMPv4, IP_DEFAULT_TTL),
		icmp,
		gopacket.Payload(data),
	)
	if err != nil {
		LogError("ICMP: %v", err)
		return nil, false
	}
	return frame, true
}

// echoRequestPacket builds the IPv4 packet of a locally originated ping.
func echoRequestPacket(src, dst netip.Addr, id, seq uint16, data []byte) ([]byte, error) {
	return serializeLayers(
		ipv4Header(src, dst, layers.IPProtocolICMPv4, IP_DEFAULT_TTL),
		&layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(ICMP_ECHO_REQUEST, 0),
			Id:       id,
			Seq:      seq,
		},
		gopacket.Payload(data),
	)
}
