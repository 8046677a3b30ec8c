package monitoring

import (
	"time"

	"routerd/internal/core/domain"
	rerrors "routerd/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records broker and router events. It satisfies
// signal.BrokerObserver and services.RouterObserver.
type PrometheusCollector struct {
	peersConnected *prometheus.GaugeVec
	authResults    *prometheus.CounterVec

	connectResults   *prometheus.CounterVec
	connectDuration  prometheus.Histogram
	sessionsActive   prometheus.Gauge
	sessionsByState  *prometheus.CounterVec
	directoryEntries *prometheus.GaugeVec
}

// NewPrometheusCollector registers its metrics on reg. A nil reg uses the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routerd_peers_connected",
			Help: "Authenticated peer connections by role",
		}, []string{"role"}),

		authResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routerd_auth_results_total",
			Help: "Handshake outcomes by role and result code",
		}, []string{"role", "code"}),

		connectResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routerd_connect_results_total",
			Help: "Connect request outcomes by result code",
		}, []string{"code"}),

		connectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "routerd_connect_duration_seconds",
			Help:    "Time from connect request to result",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "routerd_sessions_active",
			Help: "Sessions that are pending or established",
		}),

		sessionsByState: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routerd_session_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"state"}),

		directoryEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routerd_directory_entries",
			Help: "Directory records by kind",
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) PeerAuthenticated(role domain.Role, code rerrors.Code) {
	label := string(role)
	if label == "" {
		label = "unknown"
	}
	p.authResults.WithLabelValues(label, string(code)).Inc()
	if code == rerrors.CodeSuccess {
		p.peersConnected.WithLabelValues(label).Inc()
	}
}

func (p *PrometheusCollector) PeerDisconnected(role domain.Role) {
	p.peersConnected.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) SessionTransition(s domain.Session, from domain.SessionState) {
	p.sessionsByState.WithLabelValues(string(s.State)).Inc()
	switch {
	case from == "":
		p.sessionsActive.Inc()
	case s.State == domain.SessionClosed:
		p.sessionsActive.Dec()
	}
}

func (p *PrometheusCollector) ConnectCompleted(code rerrors.Code, elapsed time.Duration) {
	p.connectResults.WithLabelValues(string(code)).Inc()
	p.connectDuration.Observe(elapsed.Seconds())
}

// ObserveDirectory tracks record counts from committed deltas. It must be
// seeded with the snapshot taken at subscription.
func (p *PrometheusCollector) ObserveDirectory(snap domain.Snapshot) func(domain.Delta) {
	p.directoryEntries.WithLabelValues(string(domain.KindHost)).Set(float64(len(snap.Hosts)))
	p.directoryEntries.WithLabelValues(string(domain.KindRelay)).Set(float64(len(snap.Relays)))
	p.directoryEntries.WithLabelValues(string(domain.KindUser)).Set(float64(len(snap.Users)))

	return func(d domain.Delta) {
		g := p.directoryEntries.WithLabelValues(string(d.Kind))
		switch d.Action {
		case domain.DeltaAdded:
			g.Inc()
		case domain.DeltaRemoved:
			g.Dec()
		}
	}
}
