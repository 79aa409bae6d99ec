package main

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func route(t *testing.T, dest string, bits int, gateway string, oif *Interface, src RouteSource) L3Route {
	t.Helper()
	return L3Route{
		Dest:    netip.MustParseAddr(dest),
		Mask:    maskFromBits(bits),
		Gateway: netip.MustParseAddr(gateway),
		OIF:     oif,
		Source:  src,
	}
}

func TestLookupLPMPrefersLongestPrefix(t *testing.T) {
	ifs := testInterfaces(t)
	rt := NewRoutingTable()
	rt.Insert(route(t, "0.0.0.0", 0, "10.0.1.254", ifs[0], RouteSourceStatic))
	rt.Insert(route(t, "10.1.0.0", 16, "10.0.1.2", ifs[0], RouteSourceStatic))
	rt.Insert(route(t, "10.1.1.0", 24, "10.0.2.2", ifs[1], RouteSourceStatic))
	rt.Insert(route(t, "10.1.1.0", 25, "10.0.3.2", ifs[2], RouteSourceStatic))

	tests := []struct {
		dst     string
		gateway string
	}{
		{"10.1.1.5", "10.0.3.2"},
		{"10.1.1.200", "10.0.2.2"},
		{"10.1.2.1", "10.0.1.2"},
		{"8.8.8.8", "10.0.1.254"},
	}
	for _, tt := range tests {
		got, ok := rt.LookupLPM(netip.MustParseAddr(tt.dst))
		require.True(t, ok, tt.dst)
		assert.Equal(t, tt.gateway, got.Gateway.String(), tt.dst)
	}
}

func TestLookupLPMNoMatch(t *testing.T) {
	ifs := testInterfaces(t)
	rt := NewRoutingTable()
	rt.Insert(route(t, "10.0.1.0", 24, "0.0.0.0", ifs[0], RouteSourceStatic))

	_, ok := rt.LookupLPM(netip.MustParseAddr("10.0.2.1"))
	assert.False(t, ok)
}

func TestLookupLPMEqualLengthLatestWins(t *testing.T) {
	ifs := testInterfaces(t)
	rt := NewRoutingTable()
	// Distinct networks of equal length that both contain 10.9.9.1.
	rt.Insert(L3Route{
		Dest:    netip.MustParseAddr("10.9.0.0"),
		Mask:    net.IPMask{255, 255, 0, 0},
		Gateway: netip.MustParseAddr("10.0.1.2"),
		OIF:     ifs[0],
		Source:  RouteSourceStatic,
	})
	rt.Insert(L3Route{
		Dest:    netip.MustParseAddr("10.0.9.0"),
		Mask:    net.IPMask{255, 0, 255, 0},
		Gateway: netip.MustParseAddr("10.0.2.2"),
		OIF:     ifs[1],
		Source:  RouteSourceStatic,
	})
	require.Equal(t, 2, rt.Len())

	got, ok := rt.LookupLPM(netip.MustParseAddr("10.9.9.1"))
	require.True(t, ok)
	assert.Equal(t, "10.0.2.2", got.Gateway.String())

	// Re-inserting the first route makes it the most recent.
	rt.Insert(L3Route{
		Dest:    netip.MustParseAddr("10.9.0.0"),
		Mask:    net.IPMask{255, 255, 0, 0},
		Gateway: netip.MustParseAddr("10.0.1.2"),
		OIF:     ifs[0],
		Source:  RouteSourceStatic,
	})
	got, ok = rt.LookupLPM(netip.MustParseAddr("10.9.9.1"))
	require.True(t, ok)
	assert.Equal(t, "10.0.1.2", got.Gateway.String())
}

func TestInsertMasksDestination(t *testing.T) {
	ifs := testInterfaces(t)
	rt := NewRoutingTable()
	rt.Insert(route(t, "10.9.7.7", 16, "10.0.2.2", ifs[1], RouteSourceStatic))

	got, ok := rt.Find(netip.MustParseAddr("10.9.0.0"), maskFromBits(16))
	require.True(t, ok)
	assert.Equal(t, "10.9.0.0", got.Dest.String())
}

func TestInsertReplacesSameNetwork(t *testing.T) {
	ifs := testInterfaces(t)
	rt := NewRoutingTable()
	rt.Insert(route(t, "192.168.0.0", 24, "10.0.1.2", ifs[0], RouteSourceStatic))
	rt.Insert(route(t, "192.168.0.0", 25, "10.0.1.3", ifs[0], RouteSourceStatic))
	rt.Insert(route(t, "192.168.0.0", 24, "10.0.2.2", ifs[1], RouteSourceStatic))

	entries := rt.Entries()
	require.Len(t, entries, 2)
	// Replacing moves the route to the end.
	assert.Equal(t, 25, maskLen(entries[0].Mask))
	assert.Equal(t, "10.0.2.2", entries[1].Gateway.String())
	assert.Equal(t, "eth1", entries[1].OIF.Name)
}

func TestNextHop(t *testing.T) {
	ifs := testInterfaces(t)
	dst := netip.MustParseAddr("10.0.1.77")

	direct := route(t, "10.0.1.0", 24, "0.0.0.0", ifs[0], RouteSourceStatic)
	assert.True(t, direct.IsDirect())
	assert.Equal(t, dst, direct.NextHop(dst))

	viaGateway := route(t, "10.0.0.0", 8, "10.0.2.2", ifs[1], RouteSourceStatic)
	assert.False(t, viaGateway.IsDirect())
	assert.Equal(t, "10.0.2.2", viaGateway.NextHop(dst).String())
}

func TestDeleteRoute(t *testing.T) {
	ifs := testInterfaces(t)
	rt := NewRoutingTable()
	rt.Insert(route(t, "172.16.0.0", 12, "10.0.1.2", ifs[0], RouteSourceStatic))

	assert.False(t, rt.DeleteRoute(netip.MustParseAddr("172.16.0.0"), maskFromBits(16)))
	assert.True(t, rt.DeleteRoute(netip.MustParseAddr("172.16.0.0"), maskFromBits(12)))
	assert.Equal(t, 0, rt.Len())
}

func TestExpireRemovesOnlyStaleLearnedRoutes(t *testing.T) {
	ifs := testInterfaces(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	stale := route(t, "192.168.1.0", 24, "10.0.1.2", ifs[0], RouteSourceRIP)
	stale.Expires = now.Add(-time.Second)
	fresh := route(t, "192.168.2.0", 24, "10.0.1.2", ifs[0], RouteSourceRIP)
	fresh.Expires = now.Add(time.Second)
	static := route(t, "192.168.3.0", 24, "10.0.2.2", ifs[1], RouteSourceStatic)
	connected := route(t, "10.0.1.0", 24, "0.0.0.0", ifs[0], RouteSourceConnected)

	rt := NewRoutingTable()
	for _, r := range []L3Route{stale, fresh, static, connected} {
		rt.Insert(r)
	}

	expired := rt.Expire(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "192.168.1.0", expired[0].Dest.String())

	var dests []string
	for _, r := range rt.Entries() {
		dests = append(dests, r.Dest.String())
	}
	assert.Equal(t, []string{"192.168.2.0", "192.168.3.0", "10.0.1.0"}, dests)
}

func TestApply(t *testing.T) {
	ifs := testInterfaces(t)
	rt := NewRoutingTable()
	dest := netip.MustParseAddr("192.168.5.0")
	mask := maskFromBits(24)

	changed := rt.Apply(dest, mask, func(cur L3Route, found bool) (L3Route, bool) {
		assert.False(t, found)
		return L3Route{Gateway: netip.MustParseAddr("10.0.1.2"), OIF: ifs[0], Metric: 3, Source: RouteSourceRIP}, true
	})
	require.True(t, changed)

	changed = rt.Apply(netip.MustParseAddr("192.168.5.99"), mask, func(cur L3Route, found bool) (L3Route, bool) {
		assert.True(t, found)
		assert.Equal(t, uint32(3), cur.Metric)
		return cur, false
	})
	assert.False(t, changed)

	got, ok := rt.Find(dest, mask)
	require.True(t, ok)
	assert.Equal(t, dest, got.Dest)
	assert.Equal(t, 24, maskLen(got.Mask))
	assert.Equal(t, 1, rt.Len())
}

func TestDumpRoutingTable(t *testing.T) {
	ifs := testInterfaces(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rt := NewRoutingTable()
	rt.Insert(route(t, "10.0.1.0", 24, "0.0.0.0", ifs[0], RouteSourceConnected))
	learned := route(t, "192.168.1.0", 24, "10.0.1.2", ifs[0], RouteSourceRIP)
	learned.Metric = 2
	learned.Expires = now.Add(25 * time.Second)
	rt.Insert(learned)

	var buf bytes.Buffer
	rt.DumpRoutingTable(&buf, now)
	out := buf.String()
	assert.Contains(t, out, "DESTINATION")
	assert.Contains(t, out, "192.168.1.0")
	assert.Contains(t, out, "25s")
	assert.Contains(t, out, "never")
}
