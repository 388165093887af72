package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics is nil when prometheus is disabled. Every method is safe on a nil receiver.
type metrics struct {
	activeSessions   prometheus.GaugeFunc
	captions         *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	evictions        prometheus.Counter
	rateLimited      prometheus.Counter
}

func (h *Handler) addPrometheusMetrics() {
	m := &metrics{
		activeSessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "lcyt",
			Subsystem: "relay",
			Name:      "active_sessions",
			Help:      "Number of live relay sessions.",
		}, func() float64 {
			return float64(h.Sessions.Size())
		}),
		captions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lcyt",
			Subsystem: "relay",
			Name:      "captions_total",
			Help:      "Captions forwarded upstream, by outcome.",
		}, []string{"result"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lcyt",
			Subsystem: "relay",
			Name:      "upstream_duration_secs",
			Help:      "Time taken for requests to the caption ingestion endpoint.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lcyt",
			Subsystem: "relay",
			Name:      "idle_evictions_total",
			Help:      "Sessions removed by the idle reaper.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lcyt",
			Subsystem: "relay",
			Name:      "register_rate_limited_total",
			Help:      "Registrations rejected by the per-address limiter.",
		}),
	}
	prometheus.MustRegister(m.activeSessions)
	prometheus.MustRegister(m.captions)
	prometheus.MustRegister(m.upstreamDuration)
	prometheus.MustRegister(m.evictions)
	prometheus.MustRegister(m.rateLimited)
	h.metrics = m
}

func (m *metrics) unregister() {
	if m == nil {
		return
	}
	prometheus.Unregister(m.activeSessions)
	prometheus.Unregister(m.captions)
	prometheus.Unregister(m.upstreamDuration)
	prometheus.Unregister(m.evictions)
	prometheus.Unregister(m.rateLimited)
}

func (m *metrics) countCaptions(result string, n int) {
	if m == nil {
		return
	}
	m.captions.WithLabelValues(result).Add(float64(n))
}

func (m *metrics) observeUpstream(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *metrics) countEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *metrics) countRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
