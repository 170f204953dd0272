package kafkahealth

import (
	"encoding/json"
	"strconv"
	"time"
)

// Source is the source name carried by every event of this package.
const Source = "kafka"

// Metric names of the events emitted by a run.
const (
	MetricHealth          = "kafka.health"
	MetricNodes           = "kafka.nodes"
	MetricNodesOK         = "kafka.nodes.ok"
	MetricNodesKO         = "kafka.nodes.ko"
	MetricPartitionsOK    = "kafka.partitions.ok"
	MetricPartitionsKO    = "kafka.partitions.ko"
	MetricAvailableTopics = "kafka.available.topics"
)

// HealthEvent is the unit of output of a run. The last event of a run is
// the aggregated verdict, whose Value is green, amber or red.
type HealthEvent struct {
	Timestamp time.Time `json:"-"`
	Source    string    `json:"source"`
	Metric    string    `json:"metric"`
	Causes    []string  `json:"causes"`
	Value     string    `json:"value"`
}

// NewEvent creates an event with no causes.
func NewEvent(now time.Time, metric, value string) HealthEvent {
	return HealthEvent{
		Timestamp: now,
		Source:    Source,
		Metric:    metric,
		Causes:    []string{},
		Value:     value,
	}
}

func countEvent(now time.Time, metric string, n int) HealthEvent {
	return NewEvent(now, metric, strconv.Itoa(n))
}

// healthEventJSON is the JSON representation of HealthEvent.
type healthEventJSON struct {
	Timestamp int64    `json:"timestamp"`
	Source    string   `json:"source"`
	Metric    string   `json:"metric"`
	Causes    []string `json:"causes"`
	Value     string   `json:"value"`
}

// MarshalJSON implements custom JSON marshaling.
// Timestamp is serialized as Unix milliseconds and Causes is never null.
func (e HealthEvent) MarshalJSON() ([]byte, error) {
	causes := e.Causes
	if causes == nil {
		causes = []string{}
	}
	return json.Marshal(healthEventJSON{
		Timestamp: e.Timestamp.UnixMilli(),
		Source:    e.Source,
		Metric:    e.Metric,
		Causes:    causes,
		Value:     e.Value,
	})
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (e *HealthEvent) UnmarshalJSON(data []byte) error {
	var j healthEventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.Timestamp = time.UnixMilli(j.Timestamp)
	e.Source = j.Source
	e.Metric = j.Metric
	e.Causes = j.Causes
	if e.Causes == nil {
		e.Causes = []string{}
	}
	e.Value = j.Value
	return nil
}
