package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sandboxd"

// outcomeSuccess labels executions that returned a result
const outcomeSuccess = "success"

// Metrics records execution outcomes. A nil *Metrics records nothing.
type Metrics struct {
	executions       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	teardownFailures prometheus.Counter
	liveIdentities   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_total",
			Help:      "Executions by language and outcome (success or error kind).",
		}, []string{"language", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of executions from acceptance to teardown.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"language"}),
		teardownFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "teardown_failures_total",
			Help:      "Identity teardowns that reported an error.",
		}),
		liveIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "live_identities",
			Help:      "Execution identities currently provisioned.",
		}),
	}

	for _, c := range []prometheus.Collector{m.executions, m.duration, m.teardownFailures, m.liveIdentities} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observeExecution(language string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = string(KindRuntime)
		}
	}
	m.executions.WithLabelValues(language, outcome).Inc()
	m.duration.WithLabelValues(language).Observe(elapsed.Seconds())
}

func (m *Metrics) identityProvisioned() {
	if m == nil {
		return
	}
	m.liveIdentities.Inc()
}

func (m *Metrics) identityReleased(teardownErr error) {
	if m == nil {
		return
	}
	m.liveIdentities.Dec()
	if teardownErr != nil {
		m.teardownFailures.Inc()
	}
}
