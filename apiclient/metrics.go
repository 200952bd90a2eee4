package apiclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/go-authgate/mobileid-cli/wakeup"
)

// Metrics holds Prometheus collectors for the client.
type Metrics struct {
	Attempts       *prometheus.CounterVec
	CallDurationMs prometheus.Histogram
	Refreshes      *prometheus.CounterVec
	CSRFFetches    *prometheus.CounterVec
	Escalations    *prometheus.CounterVec
	WakeupSignals  prometheus.Counter
	WakeupPhase    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which keeps independent clients (and tests) from
// colliding on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileid_client_attempts_total",
			Help: "Outbound request attempts by classified outcome",
		}, []string{"outcome"}),
		CallDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mobileid_client_call_duration_ms",
			Help:    "Duration of logical calls including refresh and retry, in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileid_client_refreshes_total",
			Help: "Credential refresh requests by caller role and result",
		}, []string{"role", "result"}),
		CSRFFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileid_client_csrf_fetches_total",
			Help: "Anti-forgery token network fetches by result",
		}, []string{"result"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mobileid_client_escalations_total",
			Help: "Expired-session escalations by result",
		}, []string{"result"}),
		WakeupSignals: f.NewCounter(prometheus.CounterOpts{
			Name: "mobileid_client_wakeup_signals_total",
			Help: "Times a call signalled the wakeup poller after observing an unavailable server",
		}),
		WakeupPhase: f.NewGauge(prometheus.GaugeOpts{
			Name: "mobileid_client_wakeup_phase",
			Help: "Current wakeup phase (0 idle, 1 checking, 2 waking, 3 ready)",
		}),
	}
}

// ObserveWakeup records a wakeup state transition. Pass it to
// wakeup.Poller.Subscribe.
func (m *Metrics) ObserveWakeup(s wakeup.State) {
	m.WakeupPhase.Set(float64(s.Phase))
}
