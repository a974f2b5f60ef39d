package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "sipstack"
	metricsSubsystem = "transaction"
)

// Termination reasons used as the "reason" label of the terminated transactions counter.
const (
	reasonNormal         = "normal"
	reasonTimeout        = "timeout"
	reasonTransportError = "transport_error"
	reasonTerminated     = "terminated"
	reasonStale          = "stale"
)

// Metrics collects Prometheus metrics of the transaction layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	created         *prometheus.CounterVec
	active          *prometheus.GaugeVec
	terminated      *prometheus.CounterVec
	retransmissions *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	queueRejections prometheus.Counter
}

// NewMetrics creates transaction metrics and registers them with reg.
// If reg is nil, the metrics are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "created_total",
			Help:      "Total number of created SIP transactions",
		}, []string{"kind"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active",
			Help:      "Number of running SIP transactions",
		}, []string{"kind"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "terminated_total",
			Help:      "Total number of terminated SIP transactions by termination reason",
		}, []string{"kind", "reason"}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "retransmissions_total",
			Help:      "Total number of retransmitted SIP messages",
		}, []string{"kind", "timer"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "state_transitions_total",
			Help:      "Total number of SIP transaction state transitions",
		}, []string{"kind", "from", "to"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_dropped_total",
			Help:      "Total number of transaction events dropped because of slow subscribers",
		}),
		queueRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queue_rejections_total",
			Help:      "Total number of commands rejected because the transaction queue was full",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	return m
}

// Collectors returns all metric collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.created,
		m.active,
		m.terminated,
		m.retransmissions,
		m.transitions,
		m.eventsDropped,
		m.queueRejections,
	}
}

func (m *Metrics) txCreated(kind Kind) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(kind.String()).Inc()
	m.active.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) txTerminated(kind Kind, reason string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(kind.String()).Dec()
	m.terminated.WithLabelValues(kind.String(), reason).Inc()
}

func (m *Metrics) retransmitted(kind Kind, cause string) {
	if m == nil {
		return
	}
	m.retransmissions.WithLabelValues(kind.String(), cause).Inc()
}

func (m *Metrics) transitioned(kind Kind, from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind.String(), from.String(), to.String()).Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) queueRejected() {
	if m == nil {
		return
	}
	m.queueRejections.Inc()
}
