// Package roundtrip provides the produce/consume probe for kafkahealth.
//
// A probe publishes N Avro records tagged with a run-unique tag to a
// dedicated topic, reads them back through a dedicated consumer group and
// reports how many came back, how many foreign records were seen and the
// average round-trip latency.
//
//	rt, _ := roundtrip.New()
//	kafkahealth.New(kafkahealth.WithRoundTrip(rt), ...)
package roundtrip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/pndaproject/clusterprobe/kafkahealth"
)

// Defaults.
const (
	DefaultTopic       = "avro.internal.testbot"
	DefaultGroup       = "testbot-group"
	DefaultMessages    = 10
	DefaultIdleTimeout = 30 * time.Second

	recordSrc    = "testbot"
	recordHostIP = "localhost"

	minTag = 10
	maxTag = 100000
)

// Runner creates a fresh Probe per round trip. It implements
// kafkahealth.RoundTripper.
type Runner struct {
	transport   Transport
	topic       string
	group       string
	messages    int
	idleTimeout time.Duration
	codec       *Codec
	logger      *slog.Logger
	now         func() time.Time
	newTag      func() string
}

// Option configures the Runner.
type Option func(*Runner) error

// WithTransport replaces the kafka-go transport.
func WithTransport(t Transport) Option {
	return func(r *Runner) error {
		r.transport = t
		return nil
	}
}

// WithTopic sets the probe topic.
func WithTopic(topic string) Option {
	return func(r *Runner) error {
		if topic == "" {
			return fmt.Errorf("empty topic")
		}
		r.topic = topic
		return nil
	}
}

// WithGroup sets the consumer group.
func WithGroup(group string) Option {
	return func(r *Runner) error {
		if group == "" {
			return fmt.Errorf("empty consumer group")
		}
		r.group = group
		return nil
	}
}

// WithMessages sets the number of records per probe.
func WithMessages(n int) Option {
	return func(r *Runner) error {
		if n < 1 {
			return fmt.Errorf("messages must be positive, got %d", n)
		}
		r.messages = n
		return nil
	}
}

// WithIdleTimeout sets how long the consume phase waits for the next record.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Runner) error {
		if d <= 0 {
			return fmt.Errorf("idle timeout must be positive, got %s", d)
		}
		r.idleTimeout = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) error {
		r.logger = l
		return nil
	}
}

// New creates a Runner.
func New(opts ...Option) (*Runner, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	r := &Runner{
		transport:   NewKafkaTransport(),
		topic:       DefaultTopic,
		group:       DefaultGroup,
		messages:    DefaultMessages,
		idleTimeout: DefaultIdleTimeout,
		codec:       codec,
		logger:      slog.Default(),
		now:         time.Now,
		newTag:      randomTag,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("roundtrip: %w", err)
		}
	}
	return r, nil
}

// RoundTrip runs a new probe against broker.
func (r *Runner) RoundTrip(ctx context.Context, broker kafkahealth.Endpoint) (kafkahealth.ProbeResult, error) {
	return r.NewProbe(broker).Run(ctx)
}

// NewProbe creates a probe with its own run tag.
func (r *Runner) NewProbe(broker kafkahealth.Endpoint) *Probe {
	return &Probe{
		runner: r,
		broker: broker,
		tag:    r.newTag(),
		sentAt: make([]time.Time, r.messages),
		recvAt: make([]time.Time, r.messages),
	}
}

func randomTag() string {
	return strconv.Itoa(minTag + rand.Intn(maxTag-minTag+1))
}

// Probe is a single round trip. It is not reusable.
type Probe struct {
	runner *Runner
	broker kafkahealth.Endpoint
	tag    string
	sentAt []time.Time
	recvAt []time.Time
}

// Tag returns the run tag carried by every record of this probe.
func (p *Probe) Tag() string { return p.tag }

// Run produces then consumes. The result is returned alongside any error so
// partial counts are preserved.
func (p *Probe) Run(ctx context.Context) (kafkahealth.ProbeResult, error) {
	r := p.runner
	result := kafkahealth.NewProbeResult(r.messages)

	producer, consumer, err := r.transport.Open(ctx, p.broker, r.topic, r.group)
	if err != nil {
		return result, &kafkahealth.ProbeError{Phase: kafkahealth.PhaseConstruct, Cause: err}
	}
	defer func() {
		_ = producer.Close()
		_ = consumer.Close()
	}()

	if err := p.produce(ctx, producer, &result); err != nil {
		return result, err
	}
	if err := p.consume(ctx, consumer, &result); err != nil {
		return result, err
	}

	if result.ReceivedValid == r.messages && result.ReceivedInvalid == 0 {
		result.AverageMs = p.averageMs()
	}
	r.logger.LogAttrs(ctx, slog.LevelDebug, "kafkahealth: round trip finished",
		slog.String("broker", p.broker.String()),
		slog.String("tag", p.tag),
		slog.Int("sent", result.Sent),
		slog.Int("received_valid", result.ReceivedValid),
		slog.Int("received_invalid", result.ReceivedInvalid),
		slog.Int("reordered", result.Reordered),
		slog.Int64("average_ms", result.AverageMs))
	return result, nil
}

func (p *Probe) produce(ctx context.Context, producer Producer, result *kafkahealth.ProbeResult) error {
	r := p.runner
	for i := 0; i < r.messages; i++ {
		if err := ctx.Err(); err != nil {
			return &kafkahealth.ProbeError{Phase: kafkahealth.PhaseProduce, Cause: err}
		}
		now := r.now()
		value, err := r.codec.Encode(Record{
			Timestamp: now.UnixMilli(),
			Src:       recordSrc,
			HostIP:    recordHostIP,
			RawData:   payload(p.tag, i),
		})
		if err != nil {
			return &kafkahealth.ProbeError{Phase: kafkahealth.PhaseProduce, Cause: err}
		}
		p.sentAt[i] = now
		if err := producer.Produce(ctx, value); err != nil {
			return &kafkahealth.ProbeError{Phase: kafkahealth.PhaseProduce, Cause: err}
		}
		result.Sent++
	}
	return nil
}

func (p *Probe) consume(ctx context.Context, consumer Consumer, result *kafkahealth.ProbeResult) error {
	r := p.runner
	received := 0
	highest := -1
	for received < r.messages {
		fetchCtx, cancel := context.WithTimeout(ctx, r.idleTimeout)
		msg, err := consumer.Fetch(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				r.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: round trip consume idle timeout",
					slog.String("broker", p.broker.String()),
					slog.Duration("idle_timeout", r.idleTimeout),
					slog.Int("received", received))
				return nil
			}
			return &kafkahealth.ProbeError{Phase: kafkahealth.PhaseConsume, Cause: err}
		}
		received++

		rec, err := r.codec.Decode(msg.Value)
		if err != nil {
			return &kafkahealth.ProbeError{Phase: kafkahealth.PhaseDecode, Cause: err}
		}
		if err := consumer.Commit(ctx, msg); err != nil {
			r.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: round trip commit failed",
				slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
		}

		tag, seq, ok := parsePayload(rec.RawData)
		if !ok || tag != p.tag || seq >= r.messages || !p.recvAt[seq].IsZero() {
			result.ReceivedInvalid++
			r.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: foreign record on probe topic",
				slog.String("payload", string(rec.RawData)),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset))
			continue
		}
		p.recvAt[seq] = r.now()
		result.ReceivedValid++
		if seq < highest {
			result.Reordered++
		}
		highest = max(highest, seq)
	}
	return nil
}

func (p *Probe) averageMs() int64 {
	var total time.Duration
	for i := range p.sentAt {
		total += p.recvAt[i].Sub(p.sentAt[i])
	}
	return (total / time.Duration(len(p.sentAt))).Milliseconds()
}
