package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for the ingestion path.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	admitted       prometheus.Counter
	rejected       prometheus.Counter
	published      *prometheus.CounterVec
	publishFailed  *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	dispatchDrops  prometheus.Counter
	discardedAtEnd prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_admission_admitted_total",
			Help: "Inbound messages admitted by the rate limiter",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_admission_rejected_total",
			Help: "Inbound messages dropped by the rate limiter",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_envelopes_published_total",
			Help: "Envelopes acknowledged by the broker",
		}, []string{"transport"}),
		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_envelopes_failed_total",
			Help: "Envelopes the broker failed to accept",
		}, []string{"transport"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_dispatch_queue_depth",
			Help: "Messages waiting for a dispatch worker",
		}),
		dispatchDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_dropped_total",
			Help: "Messages dropped because the dispatch queue was full or stopped",
		}),
		discardedAtEnd: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_discarded_at_shutdown_total",
			Help: "Queued messages discarded because the shutdown drain timed out",
		}),
	}
	reg.MustRegister(m.admitted, m.rejected, m.published, m.publishFailed, m.queueDepth, m.dispatchDrops, m.discardedAtEnd)
	return m
}

func (m *Metrics) admission(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.admitted.Inc()
	} else {
		m.rejected.Inc()
	}
}

func (m *Metrics) publish(transport string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishFailed.WithLabelValues(transport).Inc()
	} else {
		m.published.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) depth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.dispatchDrops.Inc()
}

func (m *Metrics) discarded(n int) {
	if m == nil {
		return
	}
	m.discardedAtEnd.Add(float64(n))
}
