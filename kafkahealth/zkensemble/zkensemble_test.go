package zkensemble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/pndaproject/clusterprobe/kafkahealth"
)

// fakeSession serves registry content from a map of paths.
type fakeSession struct {
	nodes    map[string]string
	children map[string][]string
	failGet  error
	closed   bool
}

func (f *fakeSession) Children(p string) ([]string, *zk.Stat, error) {
	c, ok := f.children[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return c, &zk.Stat{}, nil
}

func (f *fakeSession) Get(p string) ([]byte, *zk.Stat, error) {
	if f.failGet != nil {
		return nil, nil, f.failGet
	}
	d, ok := f.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return []byte(d), &zk.Stat{}, nil
}

func (f *fakeSession) Close() { f.closed = true }

// fakeProber marks the listed addresses as dead.
type fakeProber struct {
	dead map[string]bool
}

func (f fakeProber) Probe(_ context.Context, ep kafkahealth.Endpoint) error {
	if f.dead[ep.String()] {
		return errors.New("connection refused")
	}
	return nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(s *fakeSession, chroot string, dead ...string) *client {
	d := make(map[string]bool)
	for _, a := range dead {
		d[a] = true
	}
	return &client{
		node:   kafkahealth.Endpoint{Host: "zk1", Port: 2181},
		reg:    s,
		chroot: chroot,
		prober: fakeProber{dead: d},
		logger: discard,
	}
}

func registry(prefix string) *fakeSession {
	return &fakeSession{
		children: map[string][]string{
			prefix + "/brokers/ids":    {"2", "1"},
			prefix + "/brokers/topics": {"orders", "avro.internal.testbot"},
		},
		nodes: map[string]string{
			prefix + "/brokers/ids/1": `{"host":"k1","port":9092,"jmx_port":9999,
				"endpoints":["PLAINTEXT://k1:9092","SSL://k1:9093"],
				"listener_security_protocol_map":{"PLAINTEXT":"PLAINTEXT","SSL":"SSL"}}`,
			prefix + "/brokers/ids/2": `{"host":"k2","port":9092,"jmx_port":-1,
				"endpoints":["PLAINTEXT://k2:9092","SSL://k2:9093"],
				"listener_security_protocol_map":{"PLAINTEXT":"PLAINTEXT","SSL":"SSL"}}`,
			prefix + "/brokers/topics/orders":                                   `{"version":1,"partitions":{"1":[2,1],"0":[1,2]}}`,
			prefix + "/brokers/topics/orders/partitions/0/state":                `{"leader":1,"isr":[1,2]}`,
			prefix + "/brokers/topics/orders/partitions/1/state":                `{"leader":2,"isr":[2,1]}`,
			prefix + "/brokers/topics/avro.internal.testbot":                    `{"version":1,"partitions":{"0":[1]}}`,
			prefix + "/brokers/topics/avro.internal.testbot/partitions/0/state": `{"leader":-1,"isr":[]}`,
		},
	}
}

func TestClient_Brokers(t *testing.T) {
	c := newTestClient(registry(""), "", "k2:9092")

	set, err := c.Brokers(context.Background(), "PLAINTEXT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	brokers := set.Brokers()
	if len(brokers) != 2 {
		t.Fatalf("expected 2 brokers, got %d", len(brokers))
	}
	if brokers[0].ID != 1 || brokers[0].Host != "k1" || brokers[0].Port != 9092 || brokers[0].JMXPort != 9999 {
		t.Errorf("unexpected broker 1: %+v", brokers[0])
	}
	if !brokers[0].Alive {
		t.Error("broker 1 should be alive")
	}
	if brokers[1].Alive {
		t.Error("broker 2 should be unreachable")
	}
	if brokers[1].JMXPort != -1 {
		t.Errorf("expected jmx port -1 for broker 2, got %d", brokers[1].JMXPort)
	}
	if set.Unreachable() != "k2:9092" {
		t.Errorf("expected k2:9092 unreachable, got %q", set.Unreachable())
	}
}

func TestClient_Brokers_Scheme(t *testing.T) {
	c := newTestClient(registry(""), "")

	set, err := c.Brokers(context.Background(), "SSL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, b := range set.Brokers() {
		if b.Port != 9093 {
			t.Errorf("broker %d: expected SSL port 9093, got %d", b.ID, b.Port)
		}
	}

	_, err = c.Brokers(context.Background(), "SASL_SSL")
	var pe *kafkahealth.ProcessorError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessorError for missing listener, got %v", err)
	}
}

func TestClient_Brokers_MalformedRegistration(t *testing.T) {
	s := registry("")
	s.nodes["/brokers/ids/1"] = `{"host":`
	c := newTestClient(s, "")

	_, err := c.Brokers(context.Background(), "PLAINTEXT")
	var pe *kafkahealth.ProcessorError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessorError, got %v", err)
	}
	if pe.Endpoint != "zk1:2181" {
		t.Errorf("expected endpoint zk1:2181, got %q", pe.Endpoint)
	}
}

func TestClient_Brokers_LegacyRegistration(t *testing.T) {
	s := &fakeSession{
		children: map[string][]string{"/brokers/ids": {"0"}},
		nodes:    map[string]string{"/brokers/ids/0": `{"host":"old","port":6667,"jmx_port":9999}`},
	}
	c := newTestClient(s, "")

	set, err := c.Brokers(context.Background(), "PLAINTEXT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.Connect() != "old:6667" {
		t.Errorf("expected old:6667, got %q", set.Connect())
	}
}

func TestClient_Topics(t *testing.T) {
	c := newTestClient(registry(""), "")

	topics, err := c.Topics(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
	// Sorted by name.
	if topics[0].ID != "avro.internal.testbot" || topics[1].ID != "orders" {
		t.Fatalf("unexpected topic order: %q, %q", topics[0].ID, topics[1].ID)
	}
	if topics[0].Valid {
		t.Error("topic without leader should be invalid")
	}
	if !topics[1].Valid {
		t.Error("orders should be valid")
	}
	want := []kafkahealth.PartitionLeader{{Partition: 0, Leader: 1}, {Partition: 1, Leader: 2}}
	for i, p := range topics[1].Partitions {
		if p != want[i] {
			t.Errorf("partition %d: expected %+v, got %+v", i, want[i], p)
		}
	}
}

func TestClient_Topics_MissingState(t *testing.T) {
	s := registry("")
	delete(s.nodes, "/brokers/topics/orders/partitions/1/state")
	c := newTestClient(s, "")

	topics, err := c.Topics(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topics[1].Valid {
		t.Error("topic with missing partition state should be invalid")
	}
}

func TestClient_Chroot(t *testing.T) {
	c := newTestClient(registry("/kafka"), "/kafka")

	if _, err := c.Brokers(context.Background(), "PLAINTEXT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	topics, err := c.Topics(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topics) != 2 {
		t.Errorf("expected 2 topics under chroot, got %d", len(topics))
	}
}

func TestClient_MissingBrokersPath(t *testing.T) {
	c := newTestClient(&fakeSession{}, "")

	_, err := c.Brokers(context.Background(), "PLAINTEXT")
	var pe *kafkahealth.ProcessorError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessorError, got %v", err)
	}
	if !errors.Is(err, zk.ErrNoNode) {
		t.Error("expected error to wrap zk.ErrNoNode")
	}
}

func TestClient_SessionFailure(t *testing.T) {
	s := registry("")
	s.failGet = zk.ErrConnectionClosed
	c := newTestClient(s, "")

	_, err := c.Brokers(context.Background(), "PLAINTEXT")
	var ce *kafkahealth.ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
}

func TestClient_Close(t *testing.T) {
	s := registry("")
	c := newTestClient(s, "")
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.closed {
		t.Error("expected session to be closed")
	}
}

func TestConnector_Ping(t *testing.T) {
	var got []string
	c := New(WithLogger(discard))
	c.ruok = func(servers []string, _ time.Duration) []bool {
		got = servers
		return []bool{servers[0] == "zk1:2181"}
	}

	if !c.Ping(context.Background(), kafkahealth.Endpoint{Host: "zk1", Port: 2181}) {
		t.Error("expected zk1 to answer")
	}
	if len(got) != 1 || got[0] != "zk1:2181" {
		t.Errorf("expected single server zk1:2181, got %v", got)
	}
	if c.Ping(context.Background(), kafkahealth.Endpoint{Host: "zk2", Port: 2181}) {
		t.Error("expected zk2 to fail")
	}
}

func TestConnector_Ping_ExpiredContext(t *testing.T) {
	c := New(WithLogger(discard))
	called := false
	c.ruok = func([]string, time.Duration) []bool {
		called = true
		return []bool{true}
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if c.Ping(ctx, kafkahealth.Endpoint{Host: "zk1", Port: 2181}) {
		t.Error("expected ping to fail on expired context")
	}
	if called {
		t.Error("ruok should not be sent after the deadline")
	}
}

func fakeDial(s *fakeSession, states ...zk.State) func(string, time.Duration, zk.Logger) (session, <-chan zk.Event, error) {
	return func(string, time.Duration, zk.Logger) (session, <-chan zk.Event, error) {
		ch := make(chan zk.Event, len(states))
		for _, st := range states {
			ch <- zk.Event{Type: zk.EventSession, State: st}
		}
		return s, ch, nil
	}
}

func TestConnector_Connect(t *testing.T) {
	s := registry("")
	c := New(WithLogger(discard), WithBrokerProber(fakeProber{}))
	c.dial = fakeDial(s, zk.StateConnecting, zk.StateConnected, zk.StateHasSession)

	cl, err := c.Connect(context.Background(), kafkahealth.Endpoint{Host: "zk1", Port: 2181})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = cl.Close() }()

	set, err := cl.Brokers(context.Background(), "PLAINTEXT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.OK() != 2 {
		t.Errorf("expected 2 alive brokers, got %d", set.OK())
	}
}

func TestConnector_Connect_Timeout(t *testing.T) {
	s := registry("")
	c := New(WithLogger(discard), WithConnectTimeout(20*time.Millisecond))
	c.dial = fakeDial(s, zk.StateConnecting)

	_, err := c.Connect(context.Background(), kafkahealth.Endpoint{Host: "zk1", Port: 2181})
	var ce *kafkahealth.ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !s.closed {
		t.Error("expected session to be closed after timeout")
	}
}

func TestConnector_Connect_AuthFailed(t *testing.T) {
	s := registry("")
	c := New(WithLogger(discard))
	c.dial = fakeDial(s, zk.StateAuthFailed)

	_, err := c.Connect(context.Background(), kafkahealth.Endpoint{Host: "zk1", Port: 2181})
	var ce *kafkahealth.ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
}

func TestConnector_Connect_ContextCanceled(t *testing.T) {
	s := registry("")
	c := New(WithLogger(discard))
	c.dial = fakeDial(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Connect(ctx, kafkahealth.Endpoint{Host: "zk1", Port: 2181})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConnector_Connect_DialError(t *testing.T) {
	c := New(WithLogger(discard))
	c.dial = func(string, time.Duration, zk.Logger) (session, <-chan zk.Event, error) {
		return nil, nil, zk.ErrNoServer
	}

	_, err := c.Connect(context.Background(), kafkahealth.Endpoint{Host: "zk1", Port: 2181})
	if !errors.Is(err, zk.ErrNoServer) {
		t.Fatalf("expected zk.ErrNoServer, got %v", err)
	}
}

func TestWithChroot_Root(t *testing.T) {
	c := New(WithChroot("/"))
	if c.chroot != "" {
		t.Errorf("expected empty chroot, got %q", c.chroot)
	}
}

func TestKafkaProber_ConnectionRefused(t *testing.T) {
	p := NewKafkaProber().WithTimeout(time.Second)
	err := p.Probe(context.Background(), kafkahealth.Endpoint{Host: "127.0.0.1", Port: 1})
	var ce *kafkahealth.ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectivityError for closed port, got %v", err)
	}
}
