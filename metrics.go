package gcoap

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the optional Prometheus instrumentation for an Engine. A
// nil *Metrics (the default returned by a zero-value Engine) disables
// instrumentation entirely; every call site on the hot path checks for nil
// before touching a collector so metrics stay opt-in and allocation-free
// when unused.
type Metrics struct {
	OpenRequests     prometheus.Gauge
	Retransmits      prometheus.Counter
	TimedOutRequests prometheus.Counter
	Observers        prometheus.Gauge
	Notifications    prometheus.Counter
	DroppedDatagrams prometheus.Counter
}

// NewMetrics constructs a Metrics registered under reg, with every metric
// name prefixed by namespace, suitable for passing to WithMetrics. Pass a new prometheus.Registry, or prometheus.DefaultRegisterer
// wrapped as a *prometheus.Registry-compatible Registerer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		OpenRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_requests",
			Help:      "Number of requests awaiting a response or retransmission timeout.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Total confirmable message retransmissions sent.",
		}),
		TimedOutRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Total requests that exhausted retransmission or non-confirmable timeout without a response.",
		}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Number of remote endpoints holding at least one active observation.",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total Observe notifications sent.",
		}),
		DroppedDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_datagrams_total",
			Help:      "Total inbound datagrams dropped because they did not parse as CoAP.",
		}),
	}
	reg.MustRegister(m.OpenRequests, m.Retransmits, m.TimedOutRequests, m.Observers, m.Notifications, m.DroppedDatagrams)
	return m
}
