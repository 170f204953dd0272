package kafkahealth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Defaults mirror the command line of the original probe.
const (
	DefaultZKConnect  = "localhost:2181"
	DefaultBrokerList = "localhost:9092"
	DefaultScheme     = "PLAINTEXT"
	DefaultCluster    = "kafka"

	MinRunTimeout = time.Second
	MaxRunTimeout = 30 * time.Minute
)

// Option is a functional option for New().
type Option func(*config) error

// config is the internal configuration of a Prober.
type config struct {
	cluster       string
	ensemble      []Endpoint
	brokerList    []Endpoint
	scheme        string
	connector     Ensemble
	metricSource  MetricSource
	manifest      *Manifest
	roundTrip     RoundTripper
	anomalyPolicy AnomalyPolicy
	escalateDrift bool
	runTimeout    time.Duration
	registerer    prometheus.Registerer
	logger        *slog.Logger
	clock         func() time.Time
}

// WithCluster sets the cluster name used as the "cluster" metric label.
func WithCluster(name string) Option {
	return func(c *config) error {
		if err := ValidateName(name); err != nil {
			return err
		}
		c.cluster = name
		return nil
	}
}

// WithEnsemble sets the Zookeeper connect string (host:port,host:port).
// A chroot suffix is ignored here; pass it to the connector.
func WithEnsemble(connect string) Option {
	return func(c *config) error {
		nodes, _, err := ParseEnsemble(connect)
		if err != nil {
			return fmt.Errorf("ensemble: %w", err)
		}
		c.ensemble = nodes
		return nil
	}
}

// WithBrokerList sets the brokers whose metrics are read through the
// metric source. When empty, brokers discovered in the registry are used.
func WithBrokerList(list string) Option {
	return func(c *config) error {
		if list == "" {
			c.brokerList = nil
			return nil
		}
		brokers, err := ParseBrokerList(list)
		if err != nil {
			return fmt.Errorf("broker list: %w", err)
		}
		c.brokerList = brokers
		return nil
	}
}

// WithScheme sets the broker listener scheme (default PLAINTEXT).
func WithScheme(scheme string) Option {
	return func(c *config) error {
		if scheme == "" {
			return fmt.Errorf("empty listener scheme")
		}
		c.scheme = scheme
		return nil
	}
}

// WithEnsembleConnector sets the connector used to reach ensemble nodes.
func WithEnsembleConnector(e Ensemble) Option {
	return func(c *config) error {
		c.connector = e
		return nil
	}
}

// WithMetricSource enables broker metric collection.
func WithMetricSource(m MetricSource) Option {
	return func(c *config) error {
		c.metricSource = m
		return nil
	}
}

// WithManifest replaces the built-in metric manifest.
func WithManifest(m Manifest) Option {
	return func(c *config) error {
		if err := m.Validate(); err != nil {
			return err
		}
		c.manifest = &m
		return nil
	}
}

// WithRoundTrip enables the produce/consume probe.
func WithRoundTrip(r RoundTripper) Option {
	return func(c *config) error {
		c.roundTrip = r
		return nil
	}
}

// WithAnomalyPolicy sets which anomaly codes a run retains.
func WithAnomalyPolicy(p AnomalyPolicy) Option {
	return func(c *config) error {
		switch p {
		case AnomalyLastWins, AnomalyCollectAll:
			c.anomalyPolicy = p
			return nil
		default:
			return fmt.Errorf("unknown anomaly policy %q", p)
		}
	}
}

// WithDriftEscalation makes a topology mismatch between ensemble nodes
// raise the verdict to WARN. Off by default: mismatches are only logged.
func WithDriftEscalation(enabled bool) Option {
	return func(c *config) error {
		c.escalateDrift = enabled
		return nil
	}
}

// WithRunTimeout bounds a whole run. Zero disables the deadline.
func WithRunTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d != 0 && (d < MinRunTimeout || d > MaxRunTimeout) {
			return fmt.Errorf("run timeout %s out of range [%s, %s]", d, MinRunTimeout, MaxRunTimeout)
		}
		c.runTimeout = d
		return nil
	}
}

// WithRegisterer enables the Prometheus exporter on the given registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) error {
		c.registerer = r
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// WithClock overrides the time source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		c.clock = now
		return nil
	}
}
