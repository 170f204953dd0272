package kafkahealth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Version is the library version reported in outgoing requests.
const Version = "0.4.0"

// Report is the full outcome of a run. Events are ordered and the last
// event is the verdict.
type Report struct {
	Cluster   string          `json:"cluster"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"-"`
	Verdict   HealthEvent     `json:"verdict"`
	Severity  Severity        `json:"severity"`
	Topology  TopologyResult  `json:"topology"`
	Probe     *ProbeOutcome   `json:"probe,omitempty"`
	Findings  *MetricFindings `json:"findings,omitempty"`
	Events    []HealthEvent   `json:"events"`
}

// Prober is the main entry point: it runs one full health pass per Run
// call. Each run builds fresh state; a Prober may be reused.
type Prober struct {
	cluster       string
	ensemble      []Endpoint
	brokerList    []Endpoint
	reader        *TopologyReader
	collector     *Collector
	roundTrip     RoundTripper
	escalateDrift bool
	runTimeout    time.Duration
	metrics       *MetricsExporter
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Prober from functional options.
// An ensemble connector is required; metric collection and the round-trip
// probe are enabled by WithMetricSource and WithRoundTrip.
func New(opts ...Option) (*Prober, error) {
	ensemble, _, err := ParseEnsemble(DefaultZKConnect)
	if err != nil {
		return nil, err
	}
	cfg := config{
		cluster:       DefaultCluster,
		ensemble:      ensemble,
		scheme:        DefaultScheme,
		anomalyPolicy: AnomalyLastWins,
		logger:        slog.Default(),
		clock:         time.Now,
	}
	for _, o := range opts {
		if err := o(&cfg); err != nil {
			return nil, fmt.Errorf("kafkahealth: %w", err)
		}
	}
	if cfg.connector == nil {
		return nil, fmt.Errorf("kafkahealth: missing ensemble connector: pass WithEnsembleConnector")
	}
	if len(cfg.ensemble) == 0 {
		return nil, fmt.Errorf("kafkahealth: empty ensemble")
	}

	manifest := DefaultManifest()
	if cfg.manifest != nil {
		manifest = *cfg.manifest
	}

	p := &Prober{
		cluster:       cfg.cluster,
		ensemble:      cfg.ensemble,
		brokerList:    cfg.brokerList,
		reader:        NewTopologyReader(cfg.connector, cfg.scheme, cfg.logger, cfg.clock),
		roundTrip:     cfg.roundTrip,
		escalateDrift: cfg.escalateDrift,
		runTimeout:    cfg.runTimeout,
		logger:        cfg.logger,
		now:           cfg.clock,
	}
	if cfg.metricSource != nil {
		p.collector = NewCollector(cfg.metricSource, manifest, cfg.anomalyPolicy, cfg.logger)
	}
	if cfg.registerer != nil {
		m, err := NewMetricsExporter(cfg.cluster, WithMetricsRegisterer(cfg.registerer))
		if err != nil {
			return nil, fmt.Errorf("kafkahealth: metrics: %w", err)
		}
		p.metrics = m
	}
	return p, nil
}

// Run performs one health pass: topology, optional round trip, metric
// collection, and aggregation. Run never fails: every problem becomes a
// cause of the verdict.
func (p *Prober) Run(ctx context.Context) Report {
	start := time.Now()
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	report := Report{Cluster: p.cluster, StartedAt: p.now()}

	p.logger.LogAttrs(ctx, slog.LevelDebug, "kafkahealth: run started",
		slog.String("cluster", p.cluster), slog.Int("ensemble_nodes", len(p.ensemble)))

	topo := p.reader.Read(ctx, p.ensemble)
	report.Topology = topo
	report.Events = append(report.Events, topo.Events...)

	if p.roundTrip != nil {
		outcome := p.runRoundTrip(ctx, topo)
		report.Probe = &outcome
	}

	report.Events = append(report.Events, p.topicsEvent(ctx, topo.Topics))

	var anomalies []AnomalyCode
	if p.collector != nil {
		findings := p.collector.Collect(ctx, p.metricTargets(topo), topo.Topics)
		report.Findings = &findings
		anomalies = findings.Anomalies
		for _, s := range findings.Samples {
			report.Events = append(report.Events, NewEvent(p.now(), s.Metric, s.Value))
		}
	}

	in := AggregateInput{
		Ensemble:  topo.Ensemble,
		Summary:   topo.Summary,
		Unread:    !topo.Processed,
		Drift:     p.escalateDrift && len(topo.Inconsistencies) > 0,
		Probe:     report.Probe,
		Anomalies: anomalies,
	}
	if ctx.Err() != nil {
		in.Interrupted = fmt.Errorf("%w: %v", ErrDeadlineExceeded, ctx.Err())
	}
	report.Verdict = Aggregate(in, p.now())
	report.Severity = SeverityOf(report.Verdict)
	report.Events = append(report.Events, report.Verdict)
	report.Duration = time.Since(start)

	level := slog.LevelInfo
	if report.Severity != SeverityOK {
		level = slog.LevelWarn
	}
	p.logger.LogAttrs(ctx, level, "kafkahealth: run finished",
		slog.String("cluster", p.cluster),
		slog.String("status", report.Severity.String()),
		slog.Any("causes", report.Verdict.Causes),
		slog.Duration("duration", report.Duration))

	if p.metrics != nil {
		p.metrics.Observe(report)
	}
	return report
}

// runRoundTrip probes the first reachable broker of the processed topology.
func (p *Prober) runRoundTrip(ctx context.Context, topo TopologyResult) ProbeOutcome {
	reachable := topo.Summary.Brokers.Reachable()
	if !topo.Processed || len(reachable) == 0 {
		p.logger.LogAttrs(ctx, slog.LevelError, "kafkahealth: no valid broker found for round trip")
		return NewProbeOutcome(nil, NewProbeResult(0), ErrNoBrokers)
	}
	if err := ctx.Err(); err != nil {
		return NewProbeOutcome(nil, NewProbeResult(0), fmt.Errorf("%w: %v", ErrDeadlineExceeded, err))
	}

	broker := reachable[0].Endpoint()
	result, err := p.roundTrip.RoundTrip(ctx, broker)
	if err != nil {
		p.logger.LogAttrs(ctx, slog.LevelError, "kafkahealth: round trip failed",
			slog.String("broker", broker.String()),
			slog.String("detail", classifyError(err)),
			slog.String("error", err.Error()))
	}
	return NewProbeOutcome(&broker, result, err)
}

// metricTargets returns the configured broker list, numbered from 1, or
// the brokers discovered in the registry addressed by their JMX port.
func (p *Prober) metricTargets(topo TopologyResult) []MetricTarget {
	if len(p.brokerList) > 0 {
		targets := make([]MetricTarget, 0, len(p.brokerList))
		for i, ep := range p.brokerList {
			targets = append(targets, MetricTarget{ID: i + 1, Address: ep.String()})
		}
		return targets
	}
	var targets []MetricTarget
	for _, b := range topo.Summary.Brokers.Brokers() {
		address := b.Host
		if b.JMXPort > 0 {
			address = b.Host + ":" + strconv.Itoa(b.JMXPort)
		}
		targets = append(targets, MetricTarget{ID: b.ID, Address: address})
	}
	return targets
}

// topicsEvent reports the de-duplicated topic names as a JSON array.
func (p *Prober) topicsEvent(ctx context.Context, topics []string) HealthEvent {
	if topics == nil {
		topics = []string{}
	}
	value, err := json.Marshal(topics)
	if err != nil {
		p.logger.LogAttrs(ctx, slog.LevelError, "kafkahealth: encode available topics",
			slog.String("error", err.Error()))
		value = []byte("[]")
	}
	return NewEvent(p.now(), MetricAvailableTopics, string(value))
}
