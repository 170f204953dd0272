package kafkahealth

import (
	"fmt"
	"time"
)

// Cause strings of the aggregated verdict.
const (
	CauseTopologyInconsistency = "topology inconsistency"
	CauseTopologyDrift         = "topology drift across zookeeper nodes"
	CauseTopologyUnread        = "topology could not be read from any zookeeper node"
)

// AggregateInput gathers the partial findings of one run.
type AggregateInput struct {
	Ensemble EnsembleHealth
	Summary  TopologySummary
	// Unread is set when no ensemble node was processed.
	Unread bool
	// Drift is set when cross-node drift escalation is enabled and a
	// mismatch was found.
	Drift bool
	// Probe is nil when no round trip ran.
	Probe     *ProbeOutcome
	Anomalies []AnomalyCode
	// Interrupted is set when the run stopped early on its deadline.
	Interrupted error
}

// verdict accumulates severity and causes. Severity only escalates.
type verdict struct {
	severity Severity
	causes   []string
}

func (v *verdict) raise(s Severity, cause string) {
	v.severity = v.severity.Escalate(s)
	v.causes = append(v.causes, cause)
}

// Aggregate merges the findings of a run into the verdict event.
// Rules are evaluated in order; each fired rule appends its cause and can
// only raise the severity.
func Aggregate(in AggregateInput, now time.Time) HealthEvent {
	v := &verdict{causes: []string{}}

	// 1. Ensemble reachability against the majority.
	if in.Ensemble.KO() > 0 {
		s := SeverityError
		if in.Ensemble.QuorumHeld() {
			s = SeverityWarn
		}
		v.raise(s, fmt.Sprintf("zookeeper node(s) unreachable (%s)", in.Ensemble.Unreachable()))
	}

	if in.Unread {
		v.raise(SeverityError, CauseTopologyUnread)
	}

	// 2. Broker reachability.
	if in.Summary.Brokers.KO() > 0 {
		v.raise(SeverityError, fmt.Sprintf("broker(s) unreachable (%s)", in.Summary.Brokers.Unreachable()))
	}

	// 3. Registry reports invalid topics.
	if in.Summary.PartitionsKO > 0 {
		v.raise(SeverityWarn, CauseTopologyInconsistency)
	}
	if in.Drift {
		v.raise(SeverityWarn, CauseTopologyDrift)
	}

	// 4. Round-trip probe.
	if in.Probe != nil && !in.Probe.Succeeded() {
		r := in.Probe.Result
		cause := fmt.Sprintf("producer / consumer failed (sent %d, rcv_ok %d, rcv_ko %d)",
			r.Sent, r.ReceivedValid, r.ReceivedInvalid)
		if in.Probe.Err != nil {
			cause += ": " + in.Probe.Err.Error()
		}
		v.raise(SeverityError, cause)
	}

	// 5. Metric anomalies.
	for _, code := range in.Anomalies {
		v.raise(SeverityWarn, code.Cause())
	}

	if in.Interrupted != nil {
		v.raise(SeverityError, in.Interrupted.Error())
	}

	ev := NewEvent(now, MetricHealth, v.severity.Status())
	ev.Causes = v.causes
	return ev
}

// SeverityOf returns the severity carried by a verdict event.
func SeverityOf(ev HealthEvent) Severity {
	var s Severity
	if err := s.UnmarshalText([]byte(ev.Value)); err != nil {
		return SeverityError
	}
	return s
}
