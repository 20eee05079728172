package worker

import "github.com/prometheus/client_golang/prometheus"

// TransportMetrics bundles the Prometheus collectors for one transport.
type TransportMetrics struct {
	Calls    prometheus.Counter
	Timeouts prometheus.Counter
	Inflight prometheus.Gauge
}

// NewTransportMetrics creates the transport collectors and registers them
// with reg.
func NewTransportMetrics(reg prometheus.Registerer) *TransportMetrics {
	m := &TransportMetrics{
		Calls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_calls_total",
			Help: "Number of operations dispatched to the compute worker.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_call_timeouts_total",
			Help: "Number of calls that settled by timeout.",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_calls_inflight",
			Help: "Number of dispatched calls awaiting settlement.",
		}),
	}
	reg.MustRegister(m.Calls, m.Timeouts, m.Inflight)
	return m
}
