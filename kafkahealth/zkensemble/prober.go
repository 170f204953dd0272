package zkensemble

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pndaproject/clusterprobe/kafkahealth"
)

// DefaultProbeTimeout bounds a single broker liveness check.
const DefaultProbeTimeout = 5 * time.Second

// BrokerProber checks whether a registered broker answers on its listener.
type BrokerProber interface {
	Probe(ctx context.Context, broker kafkahealth.Endpoint) error
}

// KafkaProber connects to the broker, requests broker metadata, and closes
// the connection.
type KafkaProber struct {
	timeout time.Duration
	dialer  *kafka.Dialer
}

// NewKafkaProber creates a prober with DefaultProbeTimeout.
func NewKafkaProber() *KafkaProber {
	return &KafkaProber{timeout: DefaultProbeTimeout, dialer: &kafka.Dialer{}}
}

// WithTimeout returns a copy of the prober using timeout.
func (p *KafkaProber) WithTimeout(timeout time.Duration) *KafkaProber {
	cp := *p
	cp.timeout = timeout
	return &cp
}

// Probe returns nil if the broker responds with metadata.
func (p *KafkaProber) Probe(ctx context.Context, broker kafkahealth.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	addr := broker.String()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &kafkahealth.ConnectivityError{Endpoint: addr, Cause: fmt.Errorf("kafka dial: %w", err)}
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	brokers, err := conn.Brokers()
	if err != nil {
		return &kafkahealth.ConnectivityError{Endpoint: addr, Cause: fmt.Errorf("kafka brokers: %w", err)}
	}
	if len(brokers) == 0 {
		return fmt.Errorf("kafka %s: no brokers in metadata response", addr)
	}
	return nil
}
