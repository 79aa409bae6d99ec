package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/gopacket/gopacket/layers"
	"github.com/olekukonko/tablewriter"
)

// pktSummary returns a one-line description of an Ethernet frame, e.g.
// "ETH 02:aa:..>ff:ff:.. | IPv4 10.0.0.1>224.0.0.9 ttl=64 | UDP 520>520 | RIPv2 cmd=2 entries=3".
func pktSummary(frame []byte) string {
	pkt := decodeFrame(frame)
	parts := make([]string, 0, 4)
	for _, l := range pkt.Layers() {
		switch l := l.(type) {
		case *layers.Ethernet:
			parts = append(parts, fmt.Sprintf("ETH %s>%s", l.SrcMAC, l.DstMAC))
		case *layers.ARP:
			op := "request"
			if l.Operation == layers.ARPReply {
				op = "reply"
			}
			parts = append(parts, fmt.Sprintf("ARP %s %v>%v", op,
				formatProtAddr(l.SourceProtAddress), formatProtAddr(l.DstProtAddress)))
		case *layers.IPv4:
			parts = append(parts, fmt.Sprintf("IPv4 %s>%s ttl=%d", l.SrcIP, l.DstIP, l.TTL))
		case *layers.ICMPv4:
			parts = append(parts, fmt.Sprintf("ICMP %s id=%d seq=%d", l.TypeCode, l.Id, l.Seq))
		case *layers.UDP:
			parts = append(parts, fmt.Sprintf("UDP %d>%d", l.SrcPort, l.DstPort))
		case *RIP:
			parts = append(parts, fmt.Sprintf("RIPv2 cmd=%d entries=%d", l.Command, len(l.Entries)))
		}
	}
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		parts = append(parts, fmt.Sprintf("error: %v", errLayer.Error()))
	}
	return strings.Join(parts, " | ")
}

func formatProtAddr(b []byte) string {
	if ip, ok := addrFromIP(b); ok {
		return ip.String()
	}
	return fmt.Sprintf("%x", b)
}

// pktDump writes a layer by layer dump of frame.
func pktDump(w io.Writer, frame []byte) {
	fmt.Fprintf(w, "========== PACKET DUMP (%d bytes) ==========\n", len(frame))
	fmt.Fprint(w, decodeFrame(frame).Dump())
	fmt.Fprintln(w, "========== END PACKET DUMP ==========")
}

// renderTable writes rows under header in the plain column layout used by
// all table dumps.
func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
}
