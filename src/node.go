package main

import (
	"github.com/pkg/errors"
)

// linkEnd is the far side of an emulated point-to-point link.
type linkEnd struct {
	node   *Node
	ifName string
}

// Node is an emulated router: a Router plus the socket that carries its
// frames. Node implements FrameSender for its router.
type Node struct {
	name   string
	router *Router
	sock   *udpSocket
	peers  map[string]linkEnd // Local interface name → far end
}

func newNode(name string) (*Node, error) {
	sock, err := openUDPSocket()
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", name)
	}
	LogInfo("Node %s: UDP socket initialized on 127.0.0.1:%d (fd: %d)", name, sock.port, sock.fd)
	return &Node{
		name:  name,
		sock:  sock,
		peers: make(map[string]linkEnd),
	}, nil
}

func (n *Node) Name() string { return n.name }

func (n *Node) Router() *Router { return n.router }

// SendFrame delivers frame to the interface linked to oif. The datagram
// carries the receiving interface name in its first IF_NAME_SIZE bytes.
func (n *Node) SendFrame(frame []byte, oif *Interface) error {
	peer, ok := n.peers[oif.Name]
	if !ok {
		return errors.Errorf("interface %s of node %s is not linked", oif.Name, n.name)
	}
	buf := make([]byte, IF_NAME_SIZE+len(frame))
	copy(buf[:IF_NAME_SIZE], peer.ifName)
	copy(buf[IF_NAME_SIZE:], frame)
	if err := n.sock.sendTo(buf, peer.node.sock.port); err != nil {
		return errors.Wrapf(err, "sending to %s:%s", peer.node.name, peer.ifName)
	}
	return nil
}

func (n *Node) close() {
	if n.router != nil {
		n.router.Close()
	}
	if err := n.sock.Close(); err != nil {
		LogError("Error closing UDP socket for node %s: %v", n.name, err)
	}
}
