package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Topology is a set of emulated routers joined by point-to-point links.
type Topology struct {
	name  string
	nodes map[string]*Node
	links []LinkConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// BuildTopology creates a node with a router for every configured node and
// links their interfaces. Each router's metrics carry a "node" label.
func BuildTopology(config *TopologyConfig, reg prometheus.Registerer) (topo *Topology, err error) {
	topo = &Topology{
		name:  config.Topology.Name,
		nodes: make(map[string]*Node),
		links: config.Links,
	}
	defer func() {
		if err != nil {
			topo.cleanup()
		}
	}()

	for _, nc := range config.Nodes {
		node, err := newNode(nc.Name)
		if err != nil {
			return nil, err
		}
		topo.nodes[nc.Name] = node

		ifaces, err := nc.interfaces()
		if err != nil {
			return nil, errors.Wrapf(err, "node %s", nc.Name)
		}
		var nodeReg prometheus.Registerer
		if reg != nil {
			nodeReg = prometheus.WrapRegistererWith(prometheus.Labels{"node": nc.Name}, reg)
		}
		router, err := NewRouter(nc.Name, ifaces, node, config.routerConfig(nc), nodeReg)
		if err != nil {
			return nil, err
		}
		node.router = router

		routes, seeds, err := config.staticConfig(nc)
		if err != nil {
			return nil, errors.Wrapf(err, "node %s", nc.Name)
		}
		if err := ApplyStaticConfig(router, routes, seeds); err != nil {
			return nil, err
		}
	}

	for _, link := range config.Links {
		from, to := topo.nodes[link.FromNode], topo.nodes[link.ToNode]
		from.peers[link.FromInterface] = linkEnd{node: to, ifName: link.ToInterface}
		to.peers[link.ToInterface] = linkEnd{node: from, ifName: link.FromInterface}
	}
	LogInfo("Topology %s: %d nodes, %d links", topo.name, len(topo.nodes), len(topo.links))
	return topo, nil
}

// LoadTopology reads, validates and builds the topology in filename.
func LoadTopology(filename string, reg prometheus.Registerer) (*Topology, error) {
	config, err := LoadTopologyConfig(filename)
	if err != nil {
		return nil, err
	}
	return BuildTopology(config, reg)
}

func (t *Topology) Name() string { return t.name }

// Node returns the node called name, or nil.
func (t *Topology) Node(name string) *Node { return t.nodes[name] }

// Nodes returns the nodes ordered by name.
func (t *Topology) Nodes() []*Node {
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Start runs every node's receive loop and router in the background.
func (t *Topology) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.group != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.group, ctx = errgroup.WithContext(ctx)
	for _, node := range t.Nodes() {
		node := node
		t.group.Go(func() error { return node.receiveLoop(ctx) })
		t.group.Go(func() error { return node.router.Run(ctx) })
	}
	LogInfo("Topology %s started", t.name)
}

// Close stops all nodes and releases their sockets.
func (t *Topology) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.group != nil {
		t.cancel()
		// Receive loops must be stopped before their sockets are closed.
		err = t.group.Wait()
		t.group = nil
	}
	t.cleanup()
	LogInfo("Topology %s stopped", t.name)
	return err
}

func (t *Topology) cleanup() {
	for _, node := range t.nodes {
		node.close()
	}
}

// Dump writes the nodes, interfaces and links of the topology.
func (t *Topology) Dump(w io.Writer) {
	fmt.Fprintf(w, "Topology: %s\n", t.name)
	rows := make([][]string, 0)
	for _, node := range t.Nodes() {
		for _, intf := range node.router.Interfaces() {
			peer := "-"
			if end, ok := node.peers[intf.Name]; ok {
				peer = end.node.name + ":" + end.ifName
			}
			rows = append(rows, []string{
				node.name,
				intf.Name,
				fmt.Sprintf("%s/%d", intf.IP, maskLen(intf.Mask)),
				intf.MAC.String(),
				peer,
			})
		}
	}
	renderTable(w, []string{"NODE", "INTERFACE", "ADDRESS", "MAC", "PEER"}, rows)
}
