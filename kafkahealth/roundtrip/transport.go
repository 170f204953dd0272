package roundtrip

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pndaproject/clusterprobe/kafkahealth"
)

// Message is a record fetched by a Consumer.
type Message struct {
	Value     []byte
	Partition int
	Offset    int64

	raw kafka.Message
}

// Producer publishes raw record bytes to the probe topic.
type Producer interface {
	Produce(ctx context.Context, value []byte) error
	Close() error
}

// Consumer reads the probe topic as a member of the probe group.
type Consumer interface {
	// Fetch blocks until a record is available or ctx is done.
	Fetch(ctx context.Context) (Message, error)
	// Commit advances the group offset past m.
	Commit(ctx context.Context, m Message) error
	Close() error
}

// Transport opens the producer and consumer of one probe.
type Transport interface {
	Open(ctx context.Context, broker kafkahealth.Endpoint, topic, group string) (Producer, Consumer, error)
}

// StartOffset selects where a group with no committed offset starts reading.
type StartOffset int64

const (
	StartFirst StartOffset = StartOffset(kafka.FirstOffset)
	StartLast  StartOffset = StartOffset(kafka.LastOffset)
)

// KafkaTransport is a Transport over segmentio/kafka-go.
type KafkaTransport struct {
	dialer       *kafka.Dialer
	startOffset  StartOffset
	batchTimeout time.Duration
}

// TransportOption configures the KafkaTransport.
type TransportOption func(*KafkaTransport)

// WithStartOffset sets where a new consumer group starts (default StartFirst).
func WithStartOffset(o StartOffset) TransportOption {
	return func(t *KafkaTransport) {
		t.startOffset = o
	}
}

// WithBatchTimeout sets how long the writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) TransportOption {
	return func(t *KafkaTransport) {
		t.batchTimeout = d
	}
}

// NewKafkaTransport creates a kafka-go transport.
func NewKafkaTransport(opts ...TransportOption) *KafkaTransport {
	t := &KafkaTransport{
		dialer:       &kafka.Dialer{},
		startOffset:  StartFirst,
		batchTimeout: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open dials the broker once so that an unreachable broker fails here, then
// builds a writer requiring acks from all replicas and a group reader.
func (t *KafkaTransport) Open(ctx context.Context, broker kafkahealth.Endpoint, topic, group string) (Producer, Consumer, error) {
	addr := broker.String()
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, &kafkahealth.ConnectivityError{Endpoint: addr, Cause: fmt.Errorf("kafka dial: %w", err)}
	}
	_ = conn.Close()

	w := &kafka.Writer{
		Addr:                   kafka.TCP(addr),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           t.batchTimeout,
		AllowAutoTopicCreation: true,
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{addr},
		Topic:       topic,
		GroupID:     group,
		StartOffset: int64(t.startOffset),
		MaxWait:     500 * time.Millisecond,
		Dialer:      t.dialer,
	})
	return &kafkaProducer{w: w}, &kafkaConsumer{r: r}, nil
}

type kafkaProducer struct {
	w *kafka.Writer
}

func (p *kafkaProducer) Produce(ctx context.Context, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{Value: value})
}

func (p *kafkaProducer) Close() error { return p.w.Close() }

type kafkaConsumer struct {
	r *kafka.Reader
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: m.Value, Partition: m.Partition, Offset: m.Offset, raw: m}, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m.raw)
}

func (c *kafkaConsumer) Close() error { return c.r.Close() }
