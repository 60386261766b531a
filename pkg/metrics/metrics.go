package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const subsystem = "storybridge"

const (
	DirectionToRemote = "to_remote"
	DirectionToLocal  = "to_local"
)

// Metrics groups the bridge collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// sessionsActive tracks bridged sessions currently registered.
	sessionsActive prometheus.Gauge

	// sessionsTotal counts session attempts by outcome
	// (connected, connect_failed).
	sessionsTotal *prometheus.CounterVec

	// sessionsClosedTotal counts teardowns by who ended the session
	// (local, remote, shutdown).
	sessionsClosedTotal *prometheus.CounterVec

	// framesTotal counts relayed frames by direction and message type.
	framesTotal *prometheus.CounterVec

	// relayErrorsTotal counts error notifications sent to the browser.
	relayErrorsTotal *prometheus.CounterVec

	// connectDurationSeconds observes time from local connect to remote
	// initiation frame written.
	connectDurationSeconds prometheus.Histogram

	// upstreamRequestsTotal counts REST calls to the voice platform.
	upstreamRequestsTotal *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of bridged conversation sessions currently open.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "Total bridged session attempts, labeled by outcome.",
		}, []string{"outcome"}),
		sessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "sessions_closed_total",
			Help:      "Total bridged sessions closed, labeled by the side that ended them.",
		}, []string{"reason"}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Total frames relayed, labeled by direction and message type.",
		}, []string{"direction", "type"}),
		relayErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "relay_errors_total",
			Help:      "Total error notifications delivered to local clients, labeled by stage.",
		}, []string{"stage"}),
		connectDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "connect_duration_seconds",
			Help:      "Histogram of remote conversation connect latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		upstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "upstream_requests_total",
			Help:      "Total REST calls to the voice platform, labeled by operation and result.",
		}, []string{"op", "result"}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionsClosedTotal,
		m.framesTotal,
		m.relayErrorsTotal,
		m.connectDurationSeconds,
		m.upstreamRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionConnected(took time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.WithLabelValues("connected").Inc()
	m.connectDurationSeconds.Observe(took.Seconds())
}

func (m *Metrics) SessionConnectFailed() {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues("connect_failed").Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameRelayed(direction, msgType string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) RelayError(stage string) {
	if m == nil {
		return
	}
	m.relayErrorsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) UpstreamRequest(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstreamRequestsTotal.WithLabelValues(op, result).Inc()
}
