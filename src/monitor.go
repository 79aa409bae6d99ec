package main

import (
	"context"
	"strings"
)

// receiveLoop reads datagrams from the node's socket and hands the frames
// to its router until ctx is done.
func (n *Node) receiveLoop(ctx context.Context) error {
	LogInfo("Started UDP monitoring for node %s on port %d", n.name, n.sock.port)
	buf := make([]byte, IF_NAME_SIZE+ETHERNET_HDR_SIZE+ETHERNET_MAX_PAYLOAD)

	for ctx.Err() == nil {
		size, err := n.sock.recv(buf)
		if err == errRecvTimeout {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			LogError("Error receiving UDP packet on node %s: %v", n.name, err)
			continue
		}
		if size <= IF_NAME_SIZE {
			LogWarn("Packet too small (%d bytes) on node %s", size, n.name)
			continue
		}

		// The first IF_NAME_SIZE bytes name the receiving interface.
		ifName := strings.TrimRight(string(buf[:IF_NAME_SIZE]), "\x00")
		intf := n.router.Interface(ifName)
		if intf == nil {
			LogWarn("Interface %s not found on node %s", ifName, n.name)
			continue
		}
		frame := make([]byte, size-IF_NAME_SIZE)
		copy(frame, buf[IF_NAME_SIZE:size])
		n.router.HandleFrame(frame, intf)
	}
	LogInfo("Stopping UDP monitoring for node %s", n.name)
	return nil
}
