// Package metrics exposes the bond's per-tunnel and per-flow counters as
// Prometheus gauges/counters (spec.md §2 components' "loss", "srtt",
// "bandwidth_max", "weight" figures; ambient observability, not itself a
// spec.md component), grounded on
// _examples/m-lab-tcp-info/metrics/metrics.go's promauto-vec idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tunnelLabels = []string{"tunnel"}

var (
	// TunnelLoss tracks each tunnel's current inbound loss count, 0..64
	// (spec.md §4.2).
	TunnelLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ubond_tunnel_loss",
		Help: "current inbound loss count (0-64) per tunnel",
	}, tunnelLabels)

	// TunnelSRTT tracks each tunnel's smoothed RTT in milliseconds
	// (spec.md §4.1).
	TunnelSRTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ubond_tunnel_srtt_ms",
		Help: "smoothed round-trip time per tunnel, milliseconds",
	}, tunnelLabels)

	// TunnelBandwidthMax tracks each tunnel's current declared capacity
	// ceiling, kbit/s (spec.md §4.5).
	TunnelBandwidthMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ubond_tunnel_bandwidth_max_kbit",
		Help: "AIMD-adjusted bandwidth ceiling per tunnel, kbit/s",
	}, tunnelLabels)

	// TunnelWeight tracks the scheduler weight last computed for each
	// tunnel (spec.md §2, §4.5, §4.7).
	TunnelWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ubond_tunnel_weight",
		Help: "scheduler weight per tunnel",
	}, tunnelLabels)

	// TunnelState tracks each tunnel's lifecycle state as a small integer
	// (tunnel.State's ordinal: 0=DISCONNECTED, 1=AUTHSENT, 2=AUTHOK,
	// 3=LOSSY), so a dashboard can alert on state flapping (spec.md §4.7).
	TunnelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ubond_tunnel_state",
		Help: "lifecycle state ordinal per tunnel (0=DISCONNECTED,1=AUTHSENT,2=AUTHOK,3=LOSSY)",
	}, tunnelLabels)

	// ReorderBufferSize tracks the aggregate reorder buffer's occupied
	// slot count (spec.md §4.4).
	ReorderBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ubond_reorder_buffer_size",
		Help: "occupied slot count in the aggregate reorder buffer",
	})

	// FlowOutstanding tracks each TCP substream's current count of
	// unacknowledged outstanding packets (spec.md §4.6, TCP_MAX_OUTSTANDING).
	FlowOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ubond_flow_outstanding",
		Help: "unacknowledged outstanding packet count per TCP substream flow",
	}, []string{"flow_id"})

	// ResendRequestsTotal counts resend requests issued, by requesting
	// tunnel (spec.md §4.3).
	ResendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ubond_resend_requests_total",
		Help: "resend requests issued, by tunnel",
	}, tunnelLabels)

	// TunnelsLossyTotal counts AUTHOK->LOSSY transitions, by tunnel
	// (spec.md §4.7).
	TunnelsLossyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ubond_tunnel_lossy_transitions_total",
		Help: "count of AUTHOK -> LOSSY transitions, by tunnel",
	}, tunnelLabels)

	// FallbackActive reports whether the bond is currently operating in
	// fallback mode, i.e. no non-fallback tunnel is AUTHOK (spec.md §4.7,
	// SUPPLEMENTED FEATURES item 2).
	FallbackActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ubond_fallback_active",
		Help: "1 if the bond has no AUTHOK primary tunnel and is running on fallback tunnels only",
	})
)

// ObserveTunnel is a convenience updater for the common per-tick set of
// tunnel gauges, called once per tunnel from the engine's bandwidth tick.
func ObserveTunnel(name string, loss int, srttMs, bandwidthMaxKbit, weight float64, state int) {
	TunnelLoss.WithLabelValues(name).Set(float64(loss))
	TunnelSRTT.WithLabelValues(name).Set(srttMs)
	TunnelBandwidthMax.WithLabelValues(name).Set(bandwidthMaxKbit)
	TunnelWeight.WithLabelValues(name).Set(weight)
	TunnelState.WithLabelValues(name).Set(float64(state))
}
