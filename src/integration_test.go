package main

import (
	"bytes"
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTopology writes the two router topology and R2's route table to a
// temporary directory and returns the topology file.
func writeTopology(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "topo.yaml")
	require.NoError(t, os.WriteFile(file, []byte(testTopologyYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r2.rtable"), []byte("172.16.0.0 16 10.0.23.9 eth1\n"), 0o644))
	return file
}

func hasLearnedRoute(r *Router, dest string, bits int, gateway string, metric uint32) bool {
	route, ok := r.Routes().Find(netip.MustParseAddr(dest), maskFromBits(bits))
	return ok && route.Source == RouteSourceRIP && route.Gateway.String() == gateway && route.Metric == metric
}

func TestTopologyConvergesAndForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	topo, err := LoadTopology(writeTopology(t), reg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, topo.Close()) }()

	require.Len(t, topo.Nodes(), 2)
	r1 := topo.Node("R1").Router()
	r2 := topo.Node("R2").Router()
	require.Nil(t, topo.Node("R3"))

	topo.Start(context.Background())

	// R1 learns R2's other connected network and its static route.
	require.Eventually(t, func() bool {
		return hasLearnedRoute(r1, "10.0.23.0", 24, "10.0.12.2", 1) &&
			hasLearnedRoute(r1, "172.16.0.0", 16, "10.0.12.2", 1)
	}, 5*time.Second, 20*time.Millisecond)

	// R2 keeps its own routes; the shared network stays connected on both.
	route, ok := r2.Routes().Find(netip.MustParseAddr("172.16.0.0"), maskFromBits(16))
	require.True(t, ok)
	assert.Equal(t, RouteSourceStatic, route.Source)
	route, ok = r1.Routes().Find(netip.MustParseAddr("10.0.12.0"), maskFromBits(24))
	require.True(t, ok)
	assert.Equal(t, RouteSourceConnected, route.Source)

	// The ping resolves R2 with ARP, is delivered locally on R2's far
	// interface and the reply comes back over the link.
	require.NoError(t, r1.Ping(netip.MustParseAddr("10.0.23.2")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r1.metrics.EchoRepliesReceived) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mac, ok := r1.ArpCache().Lookup(netip.MustParseAddr("10.0.12.2"))
	require.True(t, ok)
	assert.Equal(t, r2.Interface("eth0").MAC, mac)
	_, ok = r2.ArpCache().Lookup(netip.MustParseAddr("10.0.12.1"))
	assert.True(t, ok, "R2 learns R1 from its ARP request")

	// R2 has a route but the gateway never answers ARP.
	require.NoError(t, r1.Ping(netip.MustParseAddr("172.16.1.1")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r2.metrics.ICMPSent.WithLabelValues("3", "1")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	n, err := testutil.GatherAndCount(reg, "vrouter_received_frames_total")
	require.NoError(t, err)
	assert.Positive(t, n)

	var buf bytes.Buffer
	topo.Dump(&buf)
	assert.Contains(t, buf.String(), "Two Routers")
	assert.Contains(t, buf.String(), "R2:eth0")
}

func TestLoadTopologyFailsOnBadRouteTable(t *testing.T) {
	file := writeTopology(t)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(file), "r2.rtable"), []byte("172.16.0.0 16 10.0.23.9\n"), 0o644))

	_, err := LoadTopology(file, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node R2")
}

func TestShellCommands(t *testing.T) {
	file := writeTopology(t)
	defer cleanup()

	executeCommand("show topology")
	_, err := requireTopology()
	require.Error(t, err, "nothing loaded yet")

	executeCommand("load topology " + file)
	topo, err := requireTopology()
	require.NoError(t, err)
	assert.Equal(t, "Two Routers", topo.Name())

	for _, cmd := range []string{"show topology", "show route R1", "show arp R2", "show stats", "run ping R1 10.0.12.2", "help", "show route R9"} {
		executeCommand(cmd)
	}

	_, err = requireNode("R9")
	assert.Error(t, err)
}
