package kafkahealth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

const urpPath = "kafka.server:type=ReplicaManager,name=UnderReplicatedPartitions/Value"

func newTestCollector(src MetricSource, policy AnomalyPolicy) *Collector {
	return NewCollector(src, DefaultManifest(), policy, testLogger)
}

func sampleValue(f MetricFindings, metric string) (string, bool) {
	for _, s := range f.Samples {
		if s.Metric == metric {
			return s.Value, true
		}
	}
	return "", false
}

func TestDefaultManifest(t *testing.T) {
	m := DefaultManifest()
	if len(m.MBeans) == 0 {
		t.Fatal("built-in manifest is empty")
	}
	first := m.MBeans[0]
	if first.Path != urpPath || first.ExpectValue == nil || *first.ExpectValue != 0 || first.ErrorCode != UnderReplicatedPartitions {
		t.Errorf("unexpected first entry %+v", first)
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"valid", "mbeans:\n  - path: a/Value\n    label: a\n", ""},
		{"missing path", "mbeans:\n  - label: a\n", "missing path"},
		{"missing label", "mbeans:\n  - path: a/Value\n", "missing label"},
		{"expect without code", "mbeans:\n  - path: a/Value\n    label: a\n    expect_value: 0\n", "expect_value without error_code"},
		{"bad yaml", "mbeans: [", "parse manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAnomalyCode_Cause(t *testing.T) {
	tests := map[AnomalyCode]string{
		UnderReplicatedPartitions:         "UnderReplicatedPartitions should be 0",
		ActiveControllerCountViolation:    "ActiveControllerCount only one broker in the cluster should have 1",
		UncleanLeaderElectionRateExceeded: "Unclean leader election rate, should be 0",
	}
	for code, want := range tests {
		if got := code.Cause(); got != want {
			t.Errorf("%d: expected %q, got %q", code, want, got)
		}
	}
	if AnomalyCode(999).String() != "999" {
		t.Errorf("unexpected String() for unknown code")
	}
}

func TestCollector_Samples(t *testing.T) {
	src := newFakeSource()
	src.set("k1:9999", "kafka.server:type=BrokerTopicMetrics,name=BytesInPerSec,topic=orders/Count", "42")

	f := newTestCollector(src, AnomalyLastWins).Collect(context.Background(),
		[]MetricTarget{{ID: 1, Address: "k1:9999"}}, []string{"orders", "payments"})

	// 2 topics x 3 metrics x 7 attributes, the manifest, the active
	// controller count and 7 unclean election attributes.
	want := 2*3*7 + len(DefaultManifest().MBeans) + 1 + 7
	if len(f.Samples) != want {
		t.Errorf("expected %d samples, got %d", want, len(f.Samples))
	}
	if src.calls != want {
		t.Errorf("expected every metric to be read once, got %d calls", src.calls)
	}
	if v, ok := sampleValue(f, "kafka.brokers.1.topics.orders.BytesInPerSec.Count"); !ok || v != "42" {
		t.Errorf("unexpected topic sample %q (%v)", v, ok)
	}
	if _, ok := sampleValue(f, "kafka.brokers.1.UnderReplicatedPartitions"); !ok {
		t.Error("missing manifest sample")
	}
	if _, ok := sampleValue(f, "kafka.brokers.1.controllerstats.UncleanLeaderElections.FifteenMinuteRate"); !ok {
		t.Error("missing controller stats sample")
	}
	if len(f.Anomalies) != 0 || f.Missing != 0 {
		t.Errorf("expected no anomalies and no missing readings, got %+v / %d", f.Anomalies, f.Missing)
	}
}

func TestCollector_NotFoundYieldsSentinel(t *testing.T) {
	src := newFakeSource()
	src.fail("k1:9999", urpPath, fmt.Errorf("jmxproxy: %w", ErrMetricNotFound))

	f := newTestCollector(src, AnomalyLastWins).Collect(context.Background(),
		[]MetricTarget{{ID: 1, Address: "k1:9999"}}, nil)

	if v, ok := sampleValue(f, "kafka.brokers.1.UnderReplicatedPartitions"); !ok || v != SentinelValue {
		t.Errorf("expected sentinel sample, got %q (%v)", v, ok)
	}
	if f.Missing != 0 {
		t.Errorf("defined-absent metric is not missing, got %d", f.Missing)
	}
}

func TestCollector_SoftFailure(t *testing.T) {
	src := newFakeSource()
	src.fail("k1:9999", urpPath, errors.New("proxy returned 500"))
	src.fail("k1:9999", activeControllerPath, errors.New("proxy returned 500"))

	f := newTestCollector(src, AnomalyLastWins).Collect(context.Background(),
		[]MetricTarget{{ID: 1, Address: "k1:9999"}, {ID: 2, Address: "k2:9999"}}, nil)

	if f.Missing != 2 {
		t.Errorf("expected 2 missing readings, got %d", f.Missing)
	}
	if _, ok := sampleValue(f, "kafka.brokers.1.UnderReplicatedPartitions"); ok {
		t.Error("failed reading must not produce a sample")
	}
	if _, ok := sampleValue(f, "kafka.brokers.2.UnderReplicatedPartitions"); !ok {
		t.Error("collection must continue with the next broker")
	}
}

func TestCollector_UnderReplicated(t *testing.T) {
	src := newFakeSource()
	src.set("k2:9999", urpPath, "2")

	f := newTestCollector(src, AnomalyLastWins).Collect(context.Background(),
		[]MetricTarget{{ID: 1, Address: "k1:9999"}, {ID: 2, Address: "k2:9999"}}, nil)

	if !reflect.DeepEqual(f.Anomalies, []AnomalyCode{UnderReplicatedPartitions}) {
		t.Errorf("expected [101], got %v", f.Anomalies)
	}
}

func TestCollector_NonIntegerValueIgnored(t *testing.T) {
	src := newFakeSource()
	src.set("k1:9999", urpPath, "n/a")

	f := newTestCollector(src, AnomalyLastWins).Collect(context.Background(),
		[]MetricTarget{{ID: 1, Address: "k1:9999"}}, nil)
	if len(f.Anomalies) != 0 {
		t.Errorf("expected no anomaly, got %v", f.Anomalies)
	}
}

func TestCollector_ActiveController(t *testing.T) {
	targets := []MetricTarget{{ID: 1, Address: "k1:9999"}, {ID: 2, Address: "k2:9999"}, {ID: 3, Address: "k3:9999"}}

	tests := []struct {
		name   string
		values map[string]string
		want   []AnomalyCode
	}{
		{"single controller", map[string]string{"k2:9999": "1"}, nil},
		{"no controller", map[string]string{}, nil},
		{"two controllers", map[string]string{"k1:9999": "1", "k3:9999": "1"}, []AnomalyCode{ActiveControllerCountViolation}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			for addr, v := range tt.values {
				src.set(addr, activeControllerPath, v)
			}
			f := newTestCollector(src, AnomalyLastWins).Collect(context.Background(), targets, nil)
			if !reflect.DeepEqual(f.Anomalies, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, f.Anomalies)
			}
		})
	}
}

func TestCollector_UncleanElections(t *testing.T) {
	tests := []struct {
		name  string
		count string
		rate  string
		noCnt bool
		want  []AnomalyCode
	}{
		{name: "zero rate", count: "0", rate: "0.0"},
		{name: "at threshold", count: "3", rate: "0.0002"},
		{name: "above threshold", count: "3", rate: "0.01", want: []AnomalyCode{UncleanLeaderElectionRateExceeded}},
		{name: "rate without count", rate: "0.01", noCnt: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			if tt.noCnt {
				src.fail("k1:9999", uncleanElectionsPath+"/Count", errors.New("unavailable"))
			} else {
				src.set("k1:9999", uncleanElectionsPath+"/Count", tt.count)
			}
			src.set("k1:9999", uncleanElectionsPath+"/FifteenMinuteRate", tt.rate)

			f := newTestCollector(src, AnomalyLastWins).Collect(context.Background(),
				[]MetricTarget{{ID: 1, Address: "k1:9999"}}, nil)
			if !reflect.DeepEqual(f.Anomalies, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, f.Anomalies)
			}
		})
	}
}

func TestCollector_AnomalyPolicy(t *testing.T) {
	newSource := func() *fakeSource {
		src := newFakeSource()
		src.set("k1:9999", activeControllerPath, "1")
		src.set("k2:9999", activeControllerPath, "1")
		src.set("k2:9999", urpPath, "1")
		src.set("k2:9999", uncleanElectionsPath+"/FifteenMinuteRate", "1.5")
		return src
	}
	targets := []MetricTarget{{ID: 1, Address: "k1:9999"}, {ID: 2, Address: "k2:9999"}}

	last := newTestCollector(newSource(), AnomalyLastWins).Collect(context.Background(), targets, nil)
	if !reflect.DeepEqual(last.Anomalies, []AnomalyCode{UncleanLeaderElectionRateExceeded}) {
		t.Errorf("last wins: expected [104], got %v", last.Anomalies)
	}

	all := newTestCollector(newSource(), AnomalyCollectAll).Collect(context.Background(), targets, nil)
	want := []AnomalyCode{UnderReplicatedPartitions, ActiveControllerCountViolation, UncleanLeaderElectionRateExceeded}
	if !reflect.DeepEqual(all.Anomalies, want) {
		t.Errorf("collect all: expected %v, got %v", want, all.Anomalies)
	}
}

func TestCollector_CanceledContext(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestCollector(src, AnomalyLastWins).Collect(ctx, []MetricTarget{{ID: 1, Address: "k1:9999"}}, []string{"orders"})
	if src.calls != 0 || len(f.Samples) != 0 {
		t.Errorf("expected no reads after cancellation, got %d", src.calls)
	}
}
