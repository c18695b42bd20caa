package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vdht/internal/dht"
	"vdht/internal/netx"
)

const namespace = "vdht"

// DHTMetrics exports dht.Metrics to prometheus.
type DHTMetrics struct {
	rpcs          *prometheus.CounterVec
	lookupLatency *prometheus.HistogramVec
	lookupQueries prometheus.Histogram
	routingSize   prometheus.Gauge
	buckets       *prometheus.GaugeVec
}

var _ dht.Metrics = (*DHTMetrics)(nil)

func NewDHTMetrics(reg prometheus.Registerer) (*DHTMetrics, error) {
	m := &DHTMetrics{
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "rpc_total",
			Help:      "Outbound DHT messages by op and result.",
		}, []string{"op", "result"}),
		lookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "lookup_duration_seconds",
			Help:      "Iterative lookup latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind", "result"}),
		lookupQueries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "lookup_queries",
			Help:      "Queries sent per iterative lookup.",
			Buckets:   prometheus.LinearBuckets(1, 3, 10),
		}),
		routingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "routing_table_size",
			Help:      "Live entries in the routing table.",
		}),
		buckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "bucket_occupancy",
			Help:      "Live entries per non-empty bucket.",
		}, []string{"bucket"}),
	}
	for _, c := range []prometheus.Collector{m.rpcs, m.lookupLatency, m.lookupQueries, m.routingSize, m.buckets} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func (m *DHTMetrics) IncRPC(op string, ok bool) { m.rpcs.WithLabelValues(op, result(ok)).Inc() }

func (m *DHTMetrics) ObserveLookup(kind string, queries int, d time.Duration, ok bool) {
	m.lookupLatency.WithLabelValues(kind, result(ok)).Observe(d.Seconds())
	m.lookupQueries.Observe(float64(queries))
}

func (m *DHTMetrics) SetRoutingTableSize(n int) { m.routingSize.Set(float64(n)) }

func (m *DHTMetrics) SetBucketOccupancy(bucket int, n int) {
	m.buckets.WithLabelValues(strconv.Itoa(bucket)).Set(float64(n))
}

// StatSource is a transport whose counters are exported.
type StatSource interface {
	Addr() netx.Addr
	Stat() netx.Stats
}

// TransportCollector reads transport counters at scrape time.
type TransportCollector struct {
	srcs []StatSource

	errors, sends, receives, bytesSent, bytesReceived *prometheus.Desc
}

func NewTransportCollector(srcs ...StatSource) *TransportCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "transport", name), help, []string{"addr"}, nil)
	}
	return &TransportCollector{
		srcs:          srcs,
		errors:        desc("errors_total", "Send and receive failures."),
		sends:         desc("sends_total", "Datagrams sent."),
		receives:      desc("receives_total", "Datagrams received."),
		bytesSent:     desc("sent_bytes_total", "Payload bytes sent."),
		bytesReceived: desc("received_bytes_total", "Payload bytes received."),
	}
}

func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.errors
	ch <- c.sends
	ch <- c.receives
	ch <- c.bytesSent
	ch <- c.bytesReceived
}

func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.srcs {
		st := s.Stat()
		addr := s.Addr().String()
		for _, v := range []struct {
			d *prometheus.Desc
			n uint64
		}{
			{c.errors, st.Errors},
			{c.sends, st.Sends},
			{c.receives, st.Receives},
			{c.bytesSent, st.BytesSent},
			{c.bytesReceived, st.BytesReceived},
		} {
			ch <- prometheus.MustNewConstMetric(v.d, prometheus.CounterValue, float64(v.n), addr)
		}
	}
}
