package kafkahealth

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Fixed HELP strings.
const (
	statusHelp    = "Verdict of the last health run (1 = current status, 0 = other statuses)"
	zkNodesHelp   = "Zookeeper ensemble nodes by reachability in the last run"
	brokersHelp   = "Registered brokers by reachability in the last run"
	partsHelp     = "Topics by registry validity in the last run"
	messagesHelp  = "Round-trip probe messages of the last run by result"
	anomalyHelp   = "Metric anomaly codes raised by the last run (1 = raised)"
	latencyHelp   = "Average produce/consume round-trip latency in seconds"
	durationHelp  = "Duration of a full health run in seconds"
	namespaceName = "kafkahealth"
)

var (
	defaultLatencyBuckets  = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0}
	defaultDurationBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300}
)

// MetricsExporter publishes run reports as Prometheus metrics.
type MetricsExporter struct {
	cluster string

	status    *prometheus.GaugeVec
	zkNodes   *prometheus.GaugeVec
	brokers   *prometheus.GaugeVec
	topics    *prometheus.GaugeVec
	messages  *prometheus.GaugeVec
	anomalies *prometheus.GaugeVec
	latency   *prometheus.HistogramVec
	duration  *prometheus.HistogramVec
}

// MetricsOption is a functional option for MetricsExporter.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	registerer prometheus.Registerer
}

// WithMetricsRegisterer sets a custom prometheus.Registerer.
// prometheus.DefaultRegisterer is used by default.
func WithMetricsRegisterer(r prometheus.Registerer) MetricsOption {
	return func(c *metricsConfig) {
		c.registerer = r
	}
}

// NewMetricsExporter creates and registers the health metrics of one
// cluster. Returns an error if the cluster name is invalid or registration
// fails.
func NewMetricsExporter(cluster string, opts ...MetricsOption) (*MetricsExporter, error) {
	if err := ValidateName(cluster); err != nil {
		return nil, err
	}
	cfg := metricsConfig{
		registerer: prometheus.DefaultRegisterer,
	}
	for _, o := range opts {
		o(&cfg)
	}

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceName,
			Name:      name,
			Help:      help,
		}, append([]string{"cluster"}, labels...))
	}
	histogram := func(name, help string, buckets []float64) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceName,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, []string{"cluster"})
	}

	m := &MetricsExporter{
		cluster:   cluster,
		status:    gauge("status", statusHelp, "status"),
		zkNodes:   gauge("zookeeper_nodes", zkNodesHelp, "state"),
		brokers:   gauge("brokers", brokersHelp, "state"),
		topics:    gauge("partitions", partsHelp, "state"),
		messages:  gauge("roundtrip_messages", messagesHelp, "result"),
		anomalies: gauge("anomaly", anomalyHelp, "code"),
		latency:   histogram("roundtrip_latency_seconds", latencyHelp, defaultLatencyBuckets),
		duration:  histogram("run_duration_seconds", durationHelp, defaultDurationBuckets),
	}

	for _, c := range []prometheus.Collector{
		m.status, m.zkNodes, m.brokers, m.topics, m.messages, m.anomalies, m.latency, m.duration,
	} {
		if err := cfg.registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records a run report.
func (m *MetricsExporter) Observe(r Report) {
	m.SetStatus(r.Severity)

	ens := r.Topology.Ensemble
	m.zkNodes.WithLabelValues(m.cluster, "ok").Set(float64(ens.OK()))
	m.zkNodes.WithLabelValues(m.cluster, "ko").Set(float64(ens.KO()))

	if r.Topology.Processed {
		s := r.Topology.Summary
		m.brokers.WithLabelValues(m.cluster, "ok").Set(float64(s.Brokers.OK()))
		m.brokers.WithLabelValues(m.cluster, "ko").Set(float64(s.Brokers.KO()))
		m.topics.WithLabelValues(m.cluster, "ok").Set(float64(s.PartitionsOK))
		m.topics.WithLabelValues(m.cluster, "ko").Set(float64(s.PartitionsKO))
	}

	if r.Probe != nil {
		res := r.Probe.Result
		m.messages.WithLabelValues(m.cluster, "sent").Set(float64(res.Sent))
		m.messages.WithLabelValues(m.cluster, "valid").Set(float64(res.ReceivedValid))
		m.messages.WithLabelValues(m.cluster, "invalid").Set(float64(res.ReceivedInvalid))
		m.messages.WithLabelValues(m.cluster, "reordered").Set(float64(res.Reordered))
		if res.LatencyDefined() {
			m.latency.WithLabelValues(m.cluster).Observe(res.AverageRoundTrip().Seconds())
		}
	}

	if r.Findings != nil {
		raised := make(map[AnomalyCode]bool, len(r.Findings.Anomalies))
		for _, code := range r.Findings.Anomalies {
			raised[code] = true
		}
		for _, code := range AllAnomalyCodes {
			v := 0.0
			if raised[code] {
				v = 1
			}
			m.anomalies.WithLabelValues(m.cluster, strconv.Itoa(int(code))).Set(v)
		}
	}

	m.duration.WithLabelValues(m.cluster).Observe(r.Duration.Seconds())
}

// SetStatus sets the enum-pattern status gauge: 1 for the current status,
// 0 for the others.
func (m *MetricsExporter) SetStatus(s Severity) {
	for _, other := range AllSeverities {
		v := 0.0
		if other == s {
			v = 1
		}
		m.status.WithLabelValues(m.cluster, other.Status()).Set(v)
	}
}
