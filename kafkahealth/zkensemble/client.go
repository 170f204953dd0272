package zkensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/go-zookeeper/zk"

	"github.com/pndaproject/clusterprobe/kafkahealth"
)

// Registry paths, relative to the chroot.
const (
	brokerIDsPath = "/brokers/ids"
	topicsPath    = "/brokers/topics"
)

// brokerRegistration is the content of /brokers/ids/<id>.
type brokerRegistration struct {
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	JMXPort             int               `json:"jmx_port"`
	Endpoints           []string          `json:"endpoints"`
	SecurityProtocolMap map[string]string `json:"listener_security_protocol_map"`
}

// topicAssignment is the content of /brokers/topics/<topic>.
type topicAssignment struct {
	Partitions map[string][]int `json:"partitions"`
}

// partitionState is the content of
// /brokers/topics/<topic>/partitions/<p>/state.
type partitionState struct {
	Leader int   `json:"leader"`
	ISR    []int `json:"isr"`
}

// client reads topology through one established session.
type client struct {
	node   kafkahealth.Endpoint
	reg    session
	chroot string
	prober BrokerProber
	logger *slog.Logger
}

func (c *client) Close() error {
	c.reg.Close()
	return nil
}

// Brokers lists the registered brokers and probes each one's listener for
// the given scheme.
func (c *client) Brokers(ctx context.Context, scheme string) (kafkahealth.BrokerSet, error) {
	ids, err := c.children(brokerIDsPath)
	if err != nil {
		return kafkahealth.BrokerSet{}, err
	}

	brokers := make([]kafkahealth.Broker, 0, len(ids))
	for _, rawID := range ids {
		if err := ctx.Err(); err != nil {
			return kafkahealth.BrokerSet{}, &kafkahealth.ConnectivityError{Endpoint: c.node.String(), Cause: err}
		}
		id, err := strconv.Atoi(rawID)
		if err != nil {
			return kafkahealth.BrokerSet{}, c.processorError("broker id %q: %w", rawID, err)
		}
		data, err := c.get(path.Join(brokerIDsPath, rawID))
		if err != nil {
			return kafkahealth.BrokerSet{}, err
		}
		var reg brokerRegistration
		if err := json.Unmarshal(data, &reg); err != nil {
			return kafkahealth.BrokerSet{}, c.processorError("broker %d registration: %w", id, err)
		}
		host, port, err := reg.listener(scheme)
		if err != nil {
			return kafkahealth.BrokerSet{}, c.processorError("broker %d: %w", id, err)
		}

		jmxPort := reg.JMXPort
		if jmxPort == 0 {
			jmxPort = -1
		}
		alive := c.probe(ctx, id, kafkahealth.Endpoint{Host: host, Port: port})
		b, err := kafkahealth.NewBroker(id, host, port, jmxPort, alive)
		if err != nil {
			return kafkahealth.BrokerSet{}, c.processorError("%w", err)
		}
		brokers = append(brokers, b)
	}

	set, err := kafkahealth.NewBrokerSet(brokers)
	if err != nil {
		return kafkahealth.BrokerSet{}, c.processorError("%w", err)
	}
	return set, nil
}

// Topics lists every topic with its partition leaders. A topic is invalid
// when it has no partitions, a partition without replicas, a missing state
// node, or a partition without leader.
func (c *client) Topics(ctx context.Context) ([]kafkahealth.TopicSnapshot, error) {
	names, err := c.children(topicsPath)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	topics := make([]kafkahealth.TopicSnapshot, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, &kafkahealth.ConnectivityError{Endpoint: c.node.String(), Cause: err}
		}
		t, err := c.topic(name)
		if err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, nil
}

func (c *client) topic(name string) (kafkahealth.TopicSnapshot, error) {
	data, err := c.get(path.Join(topicsPath, name))
	if err != nil {
		return kafkahealth.TopicSnapshot{}, err
	}
	var assignment topicAssignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		return kafkahealth.TopicSnapshot{}, c.processorError("topic %q assignment: %w", name, err)
	}

	valid := len(assignment.Partitions) > 0
	leaders := make([]kafkahealth.PartitionLeader, 0, len(assignment.Partitions))
	for rawID, replicas := range assignment.Partitions {
		id, err := strconv.Atoi(rawID)
		if err != nil {
			return kafkahealth.TopicSnapshot{}, c.processorError("topic %q partition %q: %w", name, rawID, err)
		}
		if len(replicas) == 0 {
			valid = false
		}

		leader := -1
		statePath := path.Join(topicsPath, name, "partitions", rawID, "state")
		stateData, err := c.get(statePath)
		switch {
		case errors.Is(err, zk.ErrNoNode):
			valid = false
		case err != nil:
			return kafkahealth.TopicSnapshot{}, err
		default:
			var st partitionState
			if err := json.Unmarshal(stateData, &st); err != nil {
				return kafkahealth.TopicSnapshot{}, c.processorError("topic %q partition %d state: %w", name, id, err)
			}
			leader = st.Leader
		}
		if leader < 0 {
			valid = false
		}
		leaders = append(leaders, kafkahealth.PartitionLeader{Partition: id, Leader: leader})
	}

	t, err := kafkahealth.NewTopicSnapshot(name, leaders, valid)
	if err != nil {
		return kafkahealth.TopicSnapshot{}, c.processorError("%w", err)
	}
	return t, nil
}

// probe reports broker liveness; a failed probe is logged, never returned.
func (c *client) probe(ctx context.Context, id int, ep kafkahealth.Endpoint) bool {
	if err := c.prober.Probe(ctx, ep); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: broker unreachable",
			slog.Int("broker", id),
			slog.String("address", ep.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *client) children(p string) ([]string, error) {
	names, _, err := c.reg.Children(c.chroot + p)
	if err != nil {
		return nil, c.wrap(p, err)
	}
	return names, nil
}

func (c *client) get(p string) ([]byte, error) {
	data, _, err := c.reg.Get(c.chroot + p)
	if err != nil {
		return nil, c.wrap(p, err)
	}
	return data, nil
}

// wrap classifies a session error: a missing node is a processing error of
// the registry content, anything else means the session is unusable.
func (c *client) wrap(p string, err error) error {
	if errors.Is(err, zk.ErrNoNode) {
		return &kafkahealth.ProcessorError{
			Endpoint: c.node.String(),
			Cause:    fmt.Errorf("%s%s: %w", c.chroot, p, err),
		}
	}
	return &kafkahealth.ConnectivityError{
		Endpoint: c.node.String(),
		Cause:    fmt.Errorf("%s%s: %w", c.chroot, p, err),
	}
}

func (c *client) processorError(format string, args ...any) error {
	return &kafkahealth.ProcessorError{Endpoint: c.node.String(), Cause: fmt.Errorf(format, args...)}
}

// listener resolves the host and port of the listener whose name or
// security protocol matches scheme. Registrations without endpoints fall
// back to host/port for PLAINTEXT.
func (r brokerRegistration) listener(scheme string) (string, int, error) {
	for _, ep := range r.Endpoints {
		name, addr, ok := strings.Cut(ep, "://")
		if !ok {
			return "", 0, fmt.Errorf("malformed endpoint %q", ep)
		}
		protocol := r.SecurityProtocolMap[name]
		if !strings.EqualFold(name, scheme) && !strings.EqualFold(protocol, scheme) {
			continue
		}
		host, port, err := splitHostPort(addr)
		if err != nil {
			return "", 0, fmt.Errorf("endpoint %q: %w", ep, err)
		}
		return host, port, nil
	}
	if len(r.Endpoints) == 0 && strings.EqualFold(scheme, kafkahealth.DefaultScheme) && r.Host != "" {
		return r.Host, r.Port, nil
	}
	return "", 0, fmt.Errorf("no %s listener registered", scheme)
}
