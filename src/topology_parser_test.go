package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopologyYAML = `
topology:
  name: Two Routers
timers:
  rip_update_interval: 50ms
  rip_route_timeout: 2s
  rip_aging_interval: 20ms
  arp_retries: 2
  arp_retry_interval: 100ms
nodes:
  - name: R1
    rip: true
    interfaces:
      - name: eth0
        ip: 10.0.12.1
        mask: 24
        mac: 02:00:00:00:12:01
  - name: R2
    rip: true
    route_table: r2.rtable
    interfaces:
      - name: eth0
        ip: 10.0.12.2
        mask: 255.255.255.0
      - name: eth1
        ip: 10.0.23.2
        mask: /24
links:
  - from_node: R1
    from_interface: eth0
    to_node: R2
    to_interface: eth0
`

func TestParseTopologyConfig(t *testing.T) {
	config, err := ParseTopologyConfig([]byte(testTopologyYAML))
	require.NoError(t, err)

	assert.Equal(t, "Two Routers", config.Topology.Name)
	require.Len(t, config.Nodes, 2)
	require.Len(t, config.Links, 1)
	assert.Equal(t, 50*time.Millisecond, config.Timers.RIPUpdateInterval)
	assert.Equal(t, 2*time.Second, config.Timers.RIPRouteTimeout)

	cfg := config.routerConfig(config.Nodes[1])
	assert.True(t, cfg.RIPEnabled)
	assert.Equal(t, 2, cfg.ARPRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.ARPRetryInterval)
	assert.Zero(t, cfg.ARPCacheTimeout, "unset timers keep the router default")

	ifaces, err := config.Nodes[0].interfaces()
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "02:00:00:00:12:01", ifaces[0].MAC.String())
	assert.Equal(t, "10.0.12.0", ifaces[0].Subnet().String())

	// Interfaces without a MAC get a generated, locally administered one.
	ifaces, err = config.Nodes[1].interfaces()
	require.NoError(t, err)
	require.Len(t, ifaces, 2)
	assert.NotEqual(t, ifaces[0].MAC.String(), ifaces[1].MAC.String())
	assert.Equal(t, byte(0x02), ifaces[0].MAC[0]&0x03)
}

func TestParseTopologyConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		edit func(string) string
		want string
	}{
		{
			name: "unknown field",
			edit: func(s string) string { return strings.Replace(s, "rip: true", "ripv2: true", 1) },
			want: "ripv2",
		},
		{
			name: "missing name",
			edit: func(s string) string { return strings.Replace(s, "name: Two Routers", "name: ''", 1) },
			want: "topology name is required",
		},
		{
			name: "duplicate node",
			edit: func(s string) string { return strings.Replace(s, "name: R2", "name: R1", 1) },
			want: "duplicate node name",
		},
		{
			name: "bad address",
			edit: func(s string) string { return strings.Replace(s, "ip: 10.0.23.2", "ip: 10.0.23", 1) },
			want: "interface eth1 on node R2",
		},
		{
			name: "bad mask",
			edit: func(s string) string { return strings.Replace(s, "mask: /24", "mask: /40", 1) },
			want: "invalid mask",
		},
		{
			name: "unknown link end",
			edit: func(s string) string { return strings.Replace(s, "to_interface: eth0", "to_interface: eth9", 1) },
			want: "R2:eth9 not found",
		},
		{
			name: "interface linked twice",
			edit: func(s string) string {
				return s + "  - from_node: R2\n    from_interface: eth0\n    to_node: R1\n    to_interface: eth0\n"
			},
			want: "already linked",
		},
		{
			name: "long interface name",
			edit: func(s string) string { return strings.Replace(s, "name: eth1", "name: a-very-long-interface", 1) },
			want: "longer than",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTopologyConfig([]byte(tt.edit(testTopologyYAML)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadTopologyConfigResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "topo.yaml")
	require.NoError(t, os.WriteFile(file, []byte(testTopologyYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r2.rtable"), []byte("172.16.0.0 16 10.0.23.9 eth1\n"), 0o644))

	config, err := LoadTopologyConfig(file)
	require.NoError(t, err)
	routes, seeds, err := config.staticConfig(config.Nodes[1])
	require.NoError(t, err)
	assert.Empty(t, seeds)
	require.Len(t, routes, 1)
	assert.Equal(t, "172.16.0.0", routes[0].Dest.String())

	_, err = LoadTopologyConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
