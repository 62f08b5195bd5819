package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	DrawsTotal       prometheus.Counter
	FetchesTotal     *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	PurgesTotal      *prometheus.CounterVec
	PurgeSize        prometheus.Histogram
	PurgeDuration    prometheus.Histogram
	PersistsTotal    *prometheus.CounterVec
	RemainingAssets  prometheus.Gauge
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "culler_decisions_total",
			Help: "Total photo decisions by kind.",
		}, []string{"decision"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "culler_session_transitions_total",
			Help: "Total session state transitions by target state.",
		}, []string{"state"}),
		DrawsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "culler_draws_total",
			Help: "Total random draws from the remaining pool.",
		}),
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "culler_image_fetches_total",
			Help: "Total image fetches by outcome.",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "culler_image_fetch_duration_seconds",
			Help:    "Duration of image fetches in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms .. ~2.5s
		}),
		PurgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "culler_purges_total",
			Help: "Total batch purges by outcome.",
		}, []string{"outcome"}),
		PurgeSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "culler_purge_size",
			Help:    "Photos submitted per batch purge.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 .. 2048
		}),
		PurgeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "culler_purge_duration_seconds",
			Help:    "Duration of batch purges in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		PersistsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "culler_persists_total",
			Help: "Total persisted set writes by outcome.",
		}, []string{"outcome"}),
		RemainingAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "culler_remaining_assets",
			Help: "Photos left to decide in the current epoch.",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.TransitionsTotal,
		m.DrawsTotal,
		m.FetchesTotal,
		m.FetchDuration,
		m.PurgesTotal,
		m.PurgeSize,
		m.PurgeDuration,
		m.PersistsTotal,
		m.RemainingAssets,
	)

	return m
}

// Hooks returns SessionHooks that update the corresponding metrics.
func (m *Metrics) Hooks() SessionHooks {
	return SessionHooks{
		OnTransition: func(to State, remaining int) {
			m.TransitionsTotal.WithLabelValues(string(to)).Inc()
			m.RemainingAssets.Set(float64(remaining))
		},
		OnDecision: func(d Decision) {
			m.DecisionsTotal.WithLabelValues(string(d)).Inc()
		},
		OnDraw: func(remaining int) {
			m.DrawsTotal.Inc()
			m.RemainingAssets.Set(float64(remaining))
		},
		OnFetch: func(outcome FetchOutcome, duration float64) {
			m.FetchesTotal.WithLabelValues(string(outcome)).Inc()
			m.FetchDuration.Observe(duration)
		},
		OnPurge: func(r *PurgeReport) {
			outcome := "success"
			if r.Failed() {
				outcome = "error"
			}
			m.PurgesTotal.WithLabelValues(outcome).Inc()
			m.PurgeSize.Observe(float64(r.Requested))
			m.PurgeDuration.Observe(r.Duration)
		},
		OnPersist: func(err error) {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			m.PersistsTotal.WithLabelValues(outcome).Inc()
		},
	}
}
