package kafkahealth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoBrokers indicates that no reachable broker was available for the round-trip probe.
	ErrNoBrokers = errors.New("no valid broker found")
	// ErrMetricNotFound indicates that the metric source does not expose the requested attribute.
	ErrMetricNotFound = errors.New("metric not found")
	// ErrDeadlineExceeded indicates that a run stopped early because its deadline passed.
	ErrDeadlineExceeded = errors.New("health run exceeded deadline")
)

// Ensemble connects to the Zookeeper nodes backing the Kafka registry.
// Implementations live in sub-packages (see zkensemble).
type Ensemble interface {
	// Ping reports whether the node answers. Transport failures are
	// reported as false and never returned as errors.
	Ping(ctx context.Context, node Endpoint) bool

	// Connect opens a registry session against a single node.
	// A failure is returned as *ConnectivityError.
	Connect(ctx context.Context, node Endpoint) (EnsembleClient, error)
}

// EnsembleClient reads Kafka topology from one registry node.
// Failures on an open session are returned as *ProcessorError or
// *ConnectivityError and abort processing of that node only.
type EnsembleClient interface {
	// Brokers lists the registered brokers, resolving each broker's
	// listener for the given security scheme (e.g. PLAINTEXT).
	Brokers(ctx context.Context, scheme string) (BrokerSet, error)

	// Topics lists every topic with its partition leaders and the
	// registry's structural validity flag.
	Topics(ctx context.Context) ([]TopicSnapshot, error)

	Close() error
}

// MetricSource reads a single metric attribute exposed by a broker.
// The address is the broker's JMX address as known to the proxy and path is
// the mbean path including the attribute (e.g. "kafka.controller:type=KafkaController,name=ActiveControllerCount/Value").
type MetricSource interface {
	// Metric returns the raw text value. ErrMetricNotFound means the
	// attribute is defined-absent; any other error is a soft failure.
	Metric(ctx context.Context, address, path string) (string, error)
}

// RoundTripper runs one produce/consume probe against a broker.
// Every call must use a fresh run tag.
type RoundTripper interface {
	RoundTrip(ctx context.Context, broker Endpoint) (ProbeResult, error)
}

// ConnectivityError reports that an endpoint could not be reached.
type ConnectivityError struct {
	Endpoint string
	Cause    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Endpoint, e.Cause)
}

// Unwrap returns the underlying cause for use with errors.Is/As.
func (e *ConnectivityError) Unwrap() error {
	return e.Cause
}

// ProcessorError reports malformed or inconsistent registry content read
// from a reachable node.
type ProcessorError struct {
	Endpoint string
	Cause    error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processing %s: %v", e.Endpoint, e.Cause)
}

// Unwrap returns the underlying cause for use with errors.Is/As.
func (e *ProcessorError) Unwrap() error {
	return e.Cause
}

// ProbePhase names the round-trip step that failed.
type ProbePhase string

const (
	PhaseConstruct ProbePhase = "construct"
	PhaseProduce   ProbePhase = "produce"
	PhaseConsume   ProbePhase = "consume"
	PhaseDecode    ProbePhase = "decode"
)

// ProbeError is a failure fatal to the round-trip probe only.
type ProbeError struct {
	Phase ProbePhase
	Cause error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("round-trip %s failed: %v", e.Phase, e.Cause)
}

// Unwrap returns the underlying cause for use with errors.Is/As.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}
