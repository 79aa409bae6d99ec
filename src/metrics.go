package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of vrouter_dropped_frames_total.
const (
	dropBadChecksum   = "bad_checksum"
	dropMalformed     = "malformed"
	dropUnknownType   = "unknown_ethertype"
	dropSameInterface = "same_interface"
	dropRIPDisabled   = "rip_disabled"
	dropNotForUs      = "local_unhandled"
	dropNoICMPRoute   = "icmp_unaddressable"
)

// Metrics defines the data-plane metrics of one router.
type Metrics struct {
	FramesReceived      *prometheus.CounterVec
	FramesSent          *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec
	ICMPSent            *prometheus.CounterVec
	EchoRepliesReceived prometheus.Counter
	ARPRequestsSent     prometheus.Counter
	ARPFailures         prometheus.Counter
	ARPPendingFrames    prometheus.Gauge
	RIPUpdates          *prometheus.CounterVec
	RoutesExpired       prometheus.Counter
}

// NewMetrics creates the router metrics and registers them with reg. A nil
// reg creates unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrouter_received_frames_total",
				Help: "Total number of frames received, by ethertype.",
			},
			[]string{"interface", "ethertype"},
		),
		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrouter_sent_frames_total",
				Help: "Total number of frames handed to the link layer.",
			},
			[]string{"interface"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrouter_dropped_frames_total",
				Help: "Total number of frames silently dropped.",
			},
			[]string{"reason"},
		),
		ICMPSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrouter_icmp_sent_total",
				Help: "Total number of ICMP messages generated.",
			},
			[]string{"type", "code"},
		),
		EchoRepliesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_echo_replies_received_total",
				Help: "Total number of echo replies addressed to the router.",
			},
		),
		ARPRequestsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_arp_requests_sent_total",
				Help: "Total number of ARP requests broadcast while resolving next hops.",
			},
		),
		ARPFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_arp_resolution_failures_total",
				Help: "Total number of next hops that stayed unresolved after all retries.",
			},
		),
		ARPPendingFrames: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrouter_arp_pending_frames",
				Help: "Number of frames waiting for ARP resolution.",
			},
		),
		RIPUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrouter_rip_route_updates_total",
				Help: "Total number of route table changes caused by RIP responses.",
			},
			[]string{"action"},
		),
		RoutesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_routes_expired_total",
				Help: "Total number of learned routes removed by the aging sweep.",
			},
		),
	}
}

func (m *Metrics) icmpSent(t, c uint8) {
	m.ICMPSent.WithLabelValues(strconv.Itoa(int(t)), strconv.Itoa(int(c))).Inc()
}

func (m *Metrics) dropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}
