package kafkahealth

import "time"

// LatencyUndefined is the AverageMs value of a probe that did not receive
// every message it sent.
const LatencyUndefined int64 = -1

// ProbeResult is the outcome of one produce/consume round trip.
type ProbeResult struct {
	Expected        int `json:"expected"`
	Sent            int `json:"sent"`
	ReceivedValid   int `json:"received_valid"`
	ReceivedInvalid int `json:"received_invalid"`
	// Reordered counts valid records whose sequence number was lower than
	// an earlier valid record of the same run.
	Reordered int   `json:"reordered"`
	AverageMs int64 `json:"average_ms"`
}

// NewProbeResult returns a result with undefined latency.
func NewProbeResult(expected int) ProbeResult {
	return ProbeResult{Expected: expected, AverageMs: LatencyUndefined}
}

// LatencyDefined reports whether the average round trip was computed.
func (r ProbeResult) LatencyDefined() bool {
	return r.AverageMs != LatencyUndefined
}

// AverageRoundTrip returns the average latency, or 0 when undefined.
func (r ProbeResult) AverageRoundTrip() time.Duration {
	if !r.LatencyDefined() {
		return 0
	}
	return time.Duration(r.AverageMs) * time.Millisecond
}

// Succeeded reports whether every sent record came back valid and no
// foreign record was observed.
func (r ProbeResult) Succeeded() bool {
	return r.Sent == r.ReceivedValid && r.ReceivedInvalid == 0 && r.LatencyDefined()
}

// ProbeOutcome is the round-trip finding handed to the aggregator.
type ProbeOutcome struct {
	Broker *Endpoint   `json:"broker,omitempty"`
	Result ProbeResult `json:"result"`
	Err    error       `json:"-"`
	Error  string      `json:"error,omitempty"`
}

// NewProbeOutcome creates an outcome, keeping the error text for reports.
func NewProbeOutcome(broker *Endpoint, result ProbeResult, err error) ProbeOutcome {
	o := ProbeOutcome{Broker: broker, Result: result, Err: err}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Succeeded reports whether the probe ran without error and succeeded.
func (o ProbeOutcome) Succeeded() bool {
	return o.Err == nil && o.Result.Succeeded()
}
