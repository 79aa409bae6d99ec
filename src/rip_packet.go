package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"
)

// RIP Protocol Constants
const (
	RIP_VERSION           = 2
	RIP_UDP_PORT          = 520
	RIP_MAX_METRIC        = 16 // Infinity (unreachable)
	RIP_HEADER_SIZE       = 4
	RIP_ENTRY_SIZE        = 20
	RIP_ADDRESS_FAMILY_IP = 2
)

// RIP Command types
const (
	RIP_COMMAND_REQUEST  = 1
	RIP_COMMAND_RESPONSE = 2
)

// ripMulticastAddr is the RIPv2 destination group (224.0.0.9).
var ripMulticastAddr = netip.AddrFrom4([4]byte{224, 0, 0, 9})

var LayerTypeRIP = gopacket.RegisterLayerType(
	1520,
	gopacket.LayerTypeMetadata{
		Name:    "RIPv2",
		Decoder: gopacket.DecodeFunc(decodeRIP),
	},
)

func init() {
	layers.RegisterUDPPortLayerType(RIP_UDP_PORT, LayerTypeRIP)
}

// RIPEntry represents a single route entry in RIP packet
type RIPEntry struct {
	AddressFamily uint16 // 2 for IP
	RouteTag      uint16
	IPAddress     netip.Addr
	SubnetMask    net.IPMask
	NextHop       netip.Addr // 0.0.0.0 = sender
	Metric        uint32     // Hop count (1-16)
}

// RIP is a RIP version 2 message carried in a UDP datagram.
type RIP struct {
	layers.BaseLayer
	Command uint8 // 1=Request, 2=Response
	Version uint8
	Entries []RIPEntry
}

func (r *RIP) LayerType() gopacket.LayerType {
	return LayerTypeRIP
}

func (r *RIP) CanDecode() gopacket.LayerClass {
	return LayerTypeRIP
}

func (r *RIP) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

// DecodeFromBytes parses a RIP message. Trailing bytes that do not form a
// full entry are ignored.
func (r *RIP) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < RIP_HEADER_SIZE {
		df.SetTruncated()
		return errors.Errorf("invalid RIP header: length %d less than %d", len(data), RIP_HEADER_SIZE)
	}
	r.Command = data[0]
	r.Version = data[1]
	r.Entries = r.Entries[:0]

	offset := RIP_HEADER_SIZE
	for offset+RIP_ENTRY_SIZE <= len(data) {
		b := data[offset : offset+RIP_ENTRY_SIZE]
		r.Entries = append(r.Entries, RIPEntry{
			AddressFamily: binary.BigEndian.Uint16(b[0:2]),
			RouteTag:      binary.BigEndian.Uint16(b[2:4]),
			IPAddress:     netip.AddrFrom4([4]byte(b[4:8])),
			SubnetMask:    maskFromUint32(binary.BigEndian.Uint32(b[8:12])),
			NextHop:       netip.AddrFrom4([4]byte(b[12:16])),
			Metric:        binary.BigEndian.Uint32(b[16:20]),
		})
		offset += RIP_ENTRY_SIZE
	}
	r.BaseLayer = layers.BaseLayer{Contents: data[:offset], Payload: data[offset:]}
	return nil
}

func (r *RIP) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(RIP_HEADER_SIZE + len(r.Entries)*RIP_ENTRY_SIZE)
	if err != nil {
		return err
	}
	bytes[0] = r.Command
	bytes[1] = r.Version
	bytes[2], bytes[3] = 0, 0

	offset := RIP_HEADER_SIZE
	for _, entry := range r.Entries {
		e := bytes[offset : offset+RIP_ENTRY_SIZE]
		binary.BigEndian.PutUint16(e[0:2], entry.AddressFamily)
		binary.BigEndian.PutUint16(e[2:4], entry.RouteTag)
		putAddr4(e[4:8], entry.IPAddress)
		binary.BigEndian.PutUint32(e[8:12], maskToUint32(entry.SubnetMask))
		putAddr4(e[12:16], entry.NextHop)
		binary.BigEndian.PutUint32(e[16:20], entry.Metric)
		offset += RIP_ENTRY_SIZE
	}
	return nil
}

func (r *RIP) String() string {
	return fmt.Sprintf("Command=%d Version=%d Entries=%d", r.Command, r.Version, len(r.Entries))
}

func putAddr4(dst []byte, ip netip.Addr) {
	if !ip.Is4() {
		copy(dst, []byte{0, 0, 0, 0})
		return
	}
	b := ip.As4()
	copy(dst, b[:])
}

func decodeRIP(data []byte, pb gopacket.PacketBuilder) error {
	r := &RIP{}
	if err := r.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(r)
	pb.SetApplicationLayer(r)
	return nil
}

// Payload implements gopacket.ApplicationLayer.
func (r *RIP) Payload() []byte {
	return r.Contents
}
