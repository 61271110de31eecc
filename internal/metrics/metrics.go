// Package metrics exposes the operation counters and gauges the monitoring
// surface consumes (spec §1/§2). The exporter/HTTP endpoint is an external
// collaborator out of scope for this module; this package only maintains
// the instruments, grounded on iiivansss84-dcache's MetricSet pattern.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of Prometheus instruments one cache node registers.
type Metrics struct {
	Ops         *prometheus.CounterVec // labels: op={set,get,delete}, result={ok,error}
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	PeerRPCs    *prometheus.CounterVec // labels: rpc={replicate,invalidate,healthcheck}, result={ok,error}
	RingMembers prometheus.Gauge
	Clients     prometheus.Gauge
	MemoryPeak  prometheus.Gauge
}

// New creates a Metrics set registered under reg. Passing a fresh
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// repeated construction in tests from colliding on duplicate registration.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "Cache operations by kind and result.",
		}, []string{"op", "result"}),
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_hits_total",
			Help:      "GETs that found a value on at least one replica.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_misses_total",
			Help:      "GETs that found no value on any replica.",
		}),
		PeerRPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_rpc_total",
			Help:      "Peer RPC attempts by kind and result.",
		}, []string{"rpc", "result"}),
		RingMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_members",
			Help:      "Current number of live nodes in the placement ring.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peer_clients",
			Help:      "Number of cached peer RPC clients.",
		}),
		MemoryPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_peak_bytes",
			Help:      "High-water mark of local store memory usage.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Ops, m.Hits, m.Misses, m.PeerRPCs, m.RingMembers, m.Clients, m.MemoryPeak,
	} {
		if reg != nil {
			reg.MustRegister(c)
		}
	}
	return m
}

// ObserveMemory sets the high-water-mark gauge to current. It does not
// compare against the previous value; callers pass only a new peak.
func (m *Metrics) ObserveMemory(current int64) {
	// prometheus.Gauge has no compare-and-set; Gauge.Set is authoritative
	// and cheap enough to call every time, so the "peak" semantics live in
	// the caller tracking its own max and only calling Set when it grows.
	m.MemoryPeak.Set(float64(current))
}
