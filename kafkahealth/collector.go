package kafkahealth

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AnomalyCode identifies a threshold violation found in broker metrics.
type AnomalyCode int

const (
	UnderReplicatedPartitions         AnomalyCode = 101
	ActiveControllerCountViolation    AnomalyCode = 102
	UncleanLeaderElectionRateExceeded AnomalyCode = 104
)

// AllAnomalyCodes lists the codes the collector can raise.
var AllAnomalyCodes = []AnomalyCode{
	UnderReplicatedPartitions,
	ActiveControllerCountViolation,
	UncleanLeaderElectionRateExceeded,
}

// UncleanLeaderElectionRateThreshold is the fifteen-minute rate of unclean
// leader elections per second above which code 104 is raised.
const UncleanLeaderElectionRateThreshold = 0.0002

// SentinelValue replaces the value of a defined-absent metric.
const SentinelValue = "0"

// Cause returns the fixed cause string of the code.
func (c AnomalyCode) Cause() string {
	switch c {
	case UnderReplicatedPartitions:
		return "UnderReplicatedPartitions should be 0"
	case ActiveControllerCountViolation:
		return "ActiveControllerCount only one broker in the cluster should have 1"
	case UncleanLeaderElectionRateExceeded:
		return "Unclean leader election rate, should be 0"
	default:
		return fmt.Sprintf("metric threshold violation (code %d)", int(c))
	}
}

// String returns the symbolic name of the code.
func (c AnomalyCode) String() string {
	switch c {
	case UnderReplicatedPartitions:
		return "UNDER_REPLICATED_PARTITIONS"
	case ActiveControllerCountViolation:
		return "ACTIVE_CONTROLLER_COUNT_VIOLATION"
	case UncleanLeaderElectionRateExceeded:
		return "UNCLEAN_LEADER_ELECTION_RATE_EXCEEDED"
	default:
		return strconv.Itoa(int(c))
	}
}

// AnomalyPolicy decides which anomaly codes a run retains.
type AnomalyPolicy string

const (
	// AnomalyLastWins keeps only the most recently observed code.
	AnomalyLastWins AnomalyPolicy = "last"
	// AnomalyCollectAll keeps every distinct code in observation order.
	AnomalyCollectAll AnomalyPolicy = "all"
)

// ManifestEntry is one broker-level metric to read.
// When ExpectValue is set, a differing integer reading raises ErrorCode.
type ManifestEntry struct {
	Path        string      `yaml:"path"`
	Label       string      `yaml:"label"`
	ExpectValue *int64      `yaml:"expect_value,omitempty"`
	ErrorCode   AnomalyCode `yaml:"error_code,omitempty"`
}

// Manifest is the fixed list of broker-level metrics read on every broker.
type Manifest struct {
	MBeans []ManifestEntry `yaml:"mbeans"`
}

//go:embed manifest.yaml
var defaultManifest []byte

// DefaultManifest returns the built-in manifest.
func DefaultManifest() Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("kafkahealth: built-in manifest: %v", err))
	}
	return m
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks that every entry has a path and a label, and that an
// expected value comes with an error code.
func (m Manifest) Validate() error {
	for i, e := range m.MBeans {
		if e.Path == "" {
			return fmt.Errorf("manifest entry %d: missing path", i)
		}
		if e.Label == "" {
			return fmt.Errorf("manifest entry %d: missing label", i)
		}
		if e.ExpectValue != nil && e.ErrorCode == 0 {
			return fmt.Errorf("manifest entry %d (%s): expect_value without error_code", i, e.Label)
		}
	}
	return nil
}

// MetricTarget is a broker as addressed by the metric source.
type MetricTarget struct {
	ID      int    `json:"id"`
	Address string `json:"address"`
}

// MetricSample is one metric reading.
type MetricSample struct {
	BrokerID int    `json:"broker_id"`
	Path     string `json:"path"`
	Metric   string `json:"metric"`
	Value    string `json:"value"`
}

// MetricFindings is the outcome of a collection pass.
type MetricFindings struct {
	Samples []MetricSample `json:"samples"`
	// Anomalies holds the retained codes according to the AnomalyPolicy.
	Anomalies []AnomalyCode `json:"anomalies"`
	// Missing counts readings that failed softly and produced no sample.
	Missing int `json:"missing"`
}

// Per-topic BrokerTopicMetrics names and the attributes read for each
// metered mbean.
var (
	topicMetricNames = []string{"BytesInPerSec", "BytesOutPerSec", "MessagesInPerSec"}
	meterAttributes  = []string{
		"RateUnit", "OneMinuteRate", "EventType", "Count",
		"FifteenMinuteRate", "FiveMinuteRate", "MeanRate",
	}
)

const (
	activeControllerPath = "kafka.controller:type=KafkaController,name=ActiveControllerCount/Value"
	uncleanElectionsPath = "kafka.controller:type=ControllerStats,name=UncleanLeaderElectionsPerSec"
)

// Collector reads broker metrics and classifies them against thresholds.
type Collector struct {
	source   MetricSource
	manifest Manifest
	policy   AnomalyPolicy
	logger   *slog.Logger
}

// NewCollector creates a collector.
func NewCollector(source MetricSource, manifest Manifest, policy AnomalyPolicy, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = AnomalyLastWins
	}
	return &Collector{source: source, manifest: manifest, policy: policy, logger: logger}
}

// collection is the per-run state of one Collect call.
type collection struct {
	findings          MetricFindings
	activeControllers int
}

func (c *collection) raise(policy AnomalyPolicy, code AnomalyCode) {
	if policy == AnomalyLastWins {
		c.findings.Anomalies = []AnomalyCode{code}
		return
	}
	for _, existing := range c.findings.Anomalies {
		if existing == code {
			return
		}
	}
	c.findings.Anomalies = append(c.findings.Anomalies, code)
}

// Collect reads, for every broker, the per-topic metrics, the manifest and
// the controller metrics. Metric failures never abort the pass.
func (c *Collector) Collect(ctx context.Context, targets []MetricTarget, topics []string) MetricFindings {
	run := &collection{}
	for _, target := range targets {
		if ctx.Err() != nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: metric collection stopped",
				slog.String("broker", target.Address), slog.String("error", ctx.Err().Error()))
			break
		}
		for _, topic := range topics {
			c.collectTopic(ctx, run, target, topic)
		}
		c.collectManifest(ctx, run, target)
		c.collectActiveController(ctx, run, target)
		c.collectUncleanElections(ctx, run, target)
	}
	return run.findings
}

func (c *Collector) collectTopic(ctx context.Context, run *collection, target MetricTarget, topic string) {
	for _, name := range topicMetricNames {
		for _, attr := range meterAttributes {
			path := fmt.Sprintf("kafka.server:type=BrokerTopicMetrics,name=%s,topic=%s/%s", name, topic, attr)
			label := fmt.Sprintf("kafka.brokers.%d.topics.%s.%s.%s", target.ID, topic, name, attr)
			c.read(ctx, run, target, path, label)
		}
	}
}

func (c *Collector) collectManifest(ctx context.Context, run *collection, target MetricTarget) {
	for _, entry := range c.manifest.MBeans {
		label := fmt.Sprintf("kafka.brokers.%d.%s", target.ID, entry.Label)
		value, ok := c.read(ctx, run, target, entry.Path, label)
		if !ok || entry.ExpectValue == nil {
			continue
		}
		got, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: metric is not an integer",
				slog.String("metric", label), slog.String("value", value))
			continue
		}
		if got != *entry.ExpectValue {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: metric differs from expected value",
				slog.String("metric", label),
				slog.Int64("expected", *entry.ExpectValue),
				slog.Int64("value", got),
				slog.String("code", entry.ErrorCode.String()))
			run.raise(c.policy, entry.ErrorCode)
		}
	}
}

func (c *Collector) collectActiveController(ctx context.Context, run *collection, target MetricTarget) {
	label := fmt.Sprintf("kafka.brokers.%d.ActiveControllerCount", target.ID)
	value, ok := c.read(ctx, run, target, activeControllerPath, label)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n == 1 {
		run.activeControllers++
		if run.activeControllers > 1 {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: more than one active controller",
				slog.Int("broker", target.ID), slog.Int("active_controllers", run.activeControllers))
			run.raise(c.policy, ActiveControllerCountViolation)
		}
	}
}

func (c *Collector) collectUncleanElections(ctx context.Context, run *collection, target MetricTarget) {
	var (
		count *int64
		rate  *float64
	)
	for _, attr := range meterAttributes {
		path := uncleanElectionsPath + "/" + attr
		label := fmt.Sprintf("kafka.brokers.%d.controllerstats.UncleanLeaderElections.%s", target.ID, attr)
		value, ok := c.read(ctx, run, target, path, label)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch attr {
		case "Count":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				count = &n
			}
		case "FifteenMinuteRate":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				rate = &f
			}
		}
	}
	if count == nil || rate == nil {
		return
	}
	if *rate > UncleanLeaderElectionRateThreshold {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: unclean leader election rate above threshold",
			slog.Int("broker", target.ID),
			slog.Float64("threshold", UncleanLeaderElectionRateThreshold),
			slog.Float64("rate", *rate))
		run.raise(c.policy, UncleanLeaderElectionRateExceeded)
	}
}

// read fetches one metric and records the sample. A defined-absent metric
// yields SentinelValue; any other failure is logged and yields no sample.
func (c *Collector) read(ctx context.Context, run *collection, target MetricTarget, path, label string) (string, bool) {
	start := time.Now()
	value, err := c.source.Metric(ctx, target.Address, path)
	switch {
	case err == nil:
		c.logger.LogAttrs(ctx, slog.LevelDebug, "kafkahealth: metric read",
			slog.String("metric", label), slog.String("value", value),
			slog.Duration("latency", time.Since(start)))
	case errors.Is(err, ErrMetricNotFound):
		value = SentinelValue
	default:
		run.findings.Missing++
		c.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: metric read failed",
			slog.String("broker", target.Address),
			slog.String("path", path),
			slog.String("detail", classifyError(err)),
			slog.String("error", err.Error()))
		return "", false
	}
	run.findings.Samples = append(run.findings.Samples, MetricSample{
		BrokerID: target.ID,
		Path:     path,
		Metric:   label,
		Value:    value,
	})
	return value, true
}
