// Package kafkahealth probes the health of a Kafka cluster registered in a
// Zookeeper ensemble. A run reads the topology from every ensemble node,
// cross-checks it, classifies broker metrics against fixed thresholds,
// optionally runs a produce/consume round trip and merges all findings into
// a single green/amber/red verdict.
package kafkahealth

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Endpoint is a host:port pair.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Validate checks that the endpoint has a host and a port in range.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("missing host")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", e.Port)
	}
	return nil
}

// EnsembleNode is one configured registry endpoint and its reachability
// for the current run.
type EnsembleNode struct {
	Endpoint
	Reachable bool `json:"reachable"`
}

// EnsembleHealth is the ping pass over every configured ensemble node,
// in configured order.
type EnsembleHealth struct {
	Nodes []EnsembleNode `json:"nodes"`
}

// Total returns the number of configured nodes.
func (h EnsembleHealth) Total() int { return len(h.Nodes) }

// OK returns the number of reachable nodes.
func (h EnsembleHealth) OK() int {
	n := 0
	for _, node := range h.Nodes {
		if node.Reachable {
			n++
		}
	}
	return n
}

// KO returns the number of unreachable nodes.
func (h EnsembleHealth) KO() int { return h.Total() - h.OK() }

// Connect returns all configured nodes as a comma separated list.
func (h EnsembleHealth) Connect() string {
	return joinNodes(h.Nodes, func(EnsembleNode) bool { return true })
}

// Unreachable returns the unreachable nodes as a comma separated list.
func (h EnsembleHealth) Unreachable() string {
	return joinNodes(h.Nodes, func(n EnsembleNode) bool { return !n.Reachable })
}

// QuorumHeld reports whether the reachable nodes meet the majority.
func (h EnsembleHealth) QuorumHeld() bool {
	return h.OK() >= Majority(h.Total())
}

func joinNodes(nodes []EnsembleNode, keep func(EnsembleNode) bool) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if keep(n) {
			parts = append(parts, n.String())
		}
	}
	return strings.Join(parts, ",")
}

// Majority returns ceil(total/2), the minimum number of reachable ensemble
// nodes for the registry's view to be trusted.
func Majority(total int) int {
	return (total + 1) / 2
}

// Broker is one broker registered in the ensemble.
type Broker struct {
	ID      int    `json:"id"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	JMXPort int    `json:"jmx_port"`
	Alive   bool   `json:"alive"`
}

// NewBroker creates a Broker, validating the required fields.
// A jmxPort of -1 means JMX is not enabled on the broker.
func NewBroker(id int, host string, port, jmxPort int, alive bool) (Broker, error) {
	if id < 0 {
		return Broker{}, fmt.Errorf("invalid broker id %d", id)
	}
	ep := Endpoint{Host: host, Port: port}
	if err := ep.Validate(); err != nil {
		return Broker{}, fmt.Errorf("broker %d: %w", id, err)
	}
	if jmxPort < -1 || jmxPort > 65535 {
		return Broker{}, fmt.Errorf("broker %d: jmx port %d out of range", id, jmxPort)
	}
	return Broker{ID: id, Host: host, Port: port, JMXPort: jmxPort, Alive: alive}, nil
}

// Endpoint returns the broker's listener address.
func (b Broker) Endpoint() Endpoint {
	return Endpoint{Host: b.Host, Port: b.Port}
}

// BrokerSet is the broker list read from one ensemble node.
type BrokerSet struct {
	brokers []Broker
}

// NewBrokerSet creates a BrokerSet ordered by broker id.
// Duplicate ids are rejected.
func NewBrokerSet(brokers []Broker) (BrokerSet, error) {
	sorted := make([]Broker, len(brokers))
	copy(sorted, brokers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return BrokerSet{}, fmt.Errorf("duplicate broker id %d", sorted[i].ID)
		}
	}
	return BrokerSet{brokers: sorted}, nil
}

// Brokers returns a copy of the brokers ordered by id.
func (s BrokerSet) Brokers() []Broker {
	out := make([]Broker, len(s.brokers))
	copy(out, s.brokers)
	return out
}

// MarshalJSON encodes the set as its broker list.
func (s BrokerSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Brokers())
}

// UnmarshalJSON decodes a broker list.
func (s *BrokerSet) UnmarshalJSON(data []byte) error {
	var brokers []Broker
	if err := json.Unmarshal(data, &brokers); err != nil {
		return err
	}
	set, err := NewBrokerSet(brokers)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// Lookup resolves a broker by id.
func (s BrokerSet) Lookup(id int) (Broker, bool) {
	for _, b := range s.brokers {
		if b.ID == id {
			return b, true
		}
	}
	return Broker{}, false
}

// Reachable returns the alive brokers.
func (s BrokerSet) Reachable() []Broker { return s.filter(true) }

// UnreachableBrokers returns the brokers that could not be reached.
func (s BrokerSet) UnreachableBrokers() []Broker { return s.filter(false) }

// OK returns the number of alive brokers.
func (s BrokerSet) OK() int { return len(s.filter(true)) }

// KO returns the number of unreachable brokers.
func (s BrokerSet) KO() int { return len(s.filter(false)) }

// Connect returns every registered broker as a comma separated list.
func (s BrokerSet) Connect() string { return joinBrokers(s.brokers) }

// Unreachable returns the unreachable brokers as a comma separated list.
func (s BrokerSet) Unreachable() string { return joinBrokers(s.filter(false)) }

func (s BrokerSet) filter(alive bool) []Broker {
	var out []Broker
	for _, b := range s.brokers {
		if b.Alive == alive {
			out = append(out, b)
		}
	}
	return out
}

func joinBrokers(brokers []Broker) string {
	parts := make([]string, 0, len(brokers))
	for _, b := range brokers {
		parts = append(parts, b.Endpoint().String())
	}
	return strings.Join(parts, ",")
}

// PartitionLeader maps one partition to its leader broker id.
// Leader is -1 when the registry has no leader for the partition.
type PartitionLeader struct {
	Partition int `json:"partition"`
	Leader    int `json:"leader"`
}

// TopicSnapshot is a topic as reported by the registry.
type TopicSnapshot struct {
	ID         string            `json:"id"`
	Partitions []PartitionLeader `json:"partitions"`
	// Valid is the registry's structural health of the topic.
	Valid bool `json:"valid"`
}

// NewTopicSnapshot creates a TopicSnapshot with partitions ordered by id.
func NewTopicSnapshot(id string, partitions []PartitionLeader, valid bool) (TopicSnapshot, error) {
	if id == "" {
		return TopicSnapshot{}, fmt.Errorf("missing topic id")
	}
	sorted := make([]PartitionLeader, len(partitions))
	copy(sorted, partitions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Partition < sorted[j].Partition })
	for i, p := range sorted {
		if p.Partition < 0 {
			return TopicSnapshot{}, fmt.Errorf("topic %q: invalid partition id %d", id, p.Partition)
		}
		if i > 0 && p.Partition == sorted[i-1].Partition {
			return TopicSnapshot{}, fmt.Errorf("topic %q: duplicate partition %d", id, p.Partition)
		}
	}
	return TopicSnapshot{ID: id, Partitions: sorted, Valid: valid}, nil
}

// PartitionState is one row of the resolved partition table. Broker and
// Partition are nil for a topic the registry reports as invalid.
type PartitionState struct {
	Broker    *Endpoint `json:"broker"`
	Topic     string    `json:"topic"`
	Partition *int      `json:"partition"`
	Valid     bool      `json:"valid"`
}

// TopologySummary is the outcome of processing one ensemble node.
// Count fields are -1 when no node could be processed.
type TopologySummary struct {
	PartitionCount int              `json:"partition_count"`
	PartitionsOK   int              `json:"partitions_ok"`
	PartitionsKO   int              `json:"partitions_ko"`
	Brokers        BrokerSet        `json:"brokers"`
	Ensemble       EnsembleHealth   `json:"ensemble"`
	Partitions     []PartitionState `json:"partitions"`
}

// EmptySummary is the summary used when no ensemble node was processed.
func EmptySummary(ensemble EnsembleHealth) TopologySummary {
	return TopologySummary{
		PartitionCount: -1,
		PartitionsOK:   -1,
		PartitionsKO:   -1,
		Ensemble:       ensemble,
	}
}

// namePattern validates cluster names used as metric label values.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

const (
	minNameLen = 1
	maxNameLen = 63
)

// ValidateName checks that a cluster name follows the naming rules.
func ValidateName(name string) error {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return fmt.Errorf("invalid cluster name %q: length must be %d-%d", name, minNameLen, maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid cluster name %q: must match [a-z][a-z0-9-]*", name)
	}
	return nil
}
