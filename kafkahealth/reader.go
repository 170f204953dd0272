package kafkahealth

import (
	"context"
	"log/slog"
	"time"
)

// Inconsistency records a disagreement between the topology read from an
// ensemble node and the one read from the previously processed node.
type Inconsistency struct {
	Node   Endpoint `json:"node"`
	Fields []string `json:"fields"`
}

// NodeFailure records an ensemble node that answered the ping but whose
// topology could not be read. Such a node counts as unreachable.
type NodeFailure struct {
	Node   Endpoint `json:"node"`
	Detail string   `json:"detail"`
	Error  string   `json:"error"`
}

// TopologyResult is the outcome of reading every ensemble node.
type TopologyResult struct {
	Ensemble EnsembleHealth `json:"ensemble"`
	// Summary is the last successfully processed node's summary, or
	// EmptySummary when no node was processed. In the latter case every
	// ensemble node is reported unreachable.
	Summary         TopologySummary `json:"summary"`
	Processed       bool            `json:"processed"`
	Topics          []string        `json:"topics"`
	Inconsistencies []Inconsistency `json:"inconsistencies,omitempty"`
	Failures        []NodeFailure   `json:"failures,omitempty"`
	Events          []HealthEvent   `json:"-"`
}

// TopologyReader reads the Kafka topology from every ensemble node in
// configured order. Nodes are processed sequentially: the cross-node
// comparison depends on processing order.
type TopologyReader struct {
	ensemble Ensemble
	scheme   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewTopologyReader creates a reader over the given connector.
func NewTopologyReader(ensemble Ensemble, scheme string, logger *slog.Logger, now func() time.Time) *TopologyReader {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &TopologyReader{ensemble: ensemble, scheme: scheme, logger: logger, now: now}
}

// Ping checks every node and returns the reachability pass.
func (r *TopologyReader) Ping(ctx context.Context, nodes []Endpoint) EnsembleHealth {
	health := EnsembleHealth{Nodes: make([]EnsembleNode, 0, len(nodes))}
	for _, ep := range nodes {
		reachable := false
		if ctx.Err() == nil {
			reachable = r.ensemble.Ping(ctx, ep)
		}
		if !reachable {
			r.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: zookeeper node unreachable",
				slog.String("node", ep.String()))
		}
		health.Nodes = append(health.Nodes, EnsembleNode{Endpoint: ep, Reachable: reachable})
	}
	return health
}

// Read pings every node, then reads brokers and topics from each reachable
// node. A node that fails is recorded, marked unreachable and skipped; the
// run continues.
func (r *TopologyReader) Read(ctx context.Context, nodes []Endpoint) TopologyResult {
	ensemble := r.Ping(ctx, nodes)
	result := TopologyResult{
		Ensemble: ensemble,
		Summary:  EmptySummary(ensemble),
	}

	seen := make(map[string]bool)
	var prev *TopologySummary
	for i, node := range ensemble.Nodes {
		if !node.Reachable {
			continue
		}
		if ctx.Err() != nil {
			r.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: topology read stopped",
				slog.String("node", node.String()), slog.String("error", ctx.Err().Error()))
			break
		}

		brokers, topics, err := r.readNode(ctx, node.Endpoint)
		if err != nil {
			detail := classifyError(err)
			r.logger.LogAttrs(ctx, slog.LevelError, "kafkahealth: failed to read topology",
				slog.String("node", node.String()),
				slog.String("detail", detail),
				slog.String("error", err.Error()))
			result.Failures = append(result.Failures, NodeFailure{
				Node:   node.Endpoint,
				Detail: detail,
				Error:  err.Error(),
			})
			ensemble.Nodes[i].Reachable = false
			continue
		}

		for _, t := range topics {
			if !seen[t.ID] {
				seen[t.ID] = true
				result.Topics = append(result.Topics, t.ID)
			}
		}

		summary := ProcessPartitions(ensemble, brokers, topics)
		for _, st := range summary.Partitions {
			if !st.Valid {
				r.logger.LogAttrs(ctx, slog.LevelError, "kafkahealth: topic not in a good state",
					slog.String("node", node.String()), slog.String("topic", st.Topic))
			}
		}
		result.Events = append(result.Events, r.summaryEvents(summary)...)

		if prev != nil {
			if fields := CompareSummaries(*prev, summary); len(fields) > 0 {
				r.logger.LogAttrs(ctx, slog.LevelError, "kafkahealth: inconsistency found in zookeeper tree comparison",
					slog.String("node", node.String()),
					slog.Any("fields", fields))
				result.Inconsistencies = append(result.Inconsistencies, Inconsistency{
					Node:   node.Endpoint,
					Fields: fields,
				})
			} else {
				r.logger.LogAttrs(ctx, slog.LevelDebug, "kafkahealth: zookeeper tree comparison consistent",
					slog.String("node", node.String()))
			}
		}
		prev = &summary
		result.Summary = summary
		result.Processed = true
	}

	if !result.Processed {
		if len(ensemble.Nodes) > 0 {
			r.logger.LogAttrs(ctx, slog.LevelError, "kafkahealth: topology could not be read from any zookeeper node",
				slog.String("ensemble", ensemble.Connect()))
		}
		for i := range ensemble.Nodes {
			ensemble.Nodes[i].Reachable = false
		}
		result.Summary = EmptySummary(ensemble)
	}
	result.Ensemble = ensemble
	return result
}

// readNode opens a session against one node and lists brokers and topics.
func (r *TopologyReader) readNode(ctx context.Context, node Endpoint) (BrokerSet, []TopicSnapshot, error) {
	client, err := r.ensemble.Connect(ctx, node)
	if err != nil {
		return BrokerSet{}, nil, err
	}
	defer func() { _ = client.Close() }()

	brokers, err := client.Brokers(ctx, r.scheme)
	if err != nil {
		return BrokerSet{}, nil, err
	}
	topics, err := client.Topics(ctx)
	if err != nil {
		return BrokerSet{}, nil, err
	}
	return brokers, topics, nil
}

func (r *TopologyReader) summaryEvents(s TopologySummary) []HealthEvent {
	now := r.now()
	return []HealthEvent{
		NewEvent(now, MetricNodes, s.Brokers.Connect()),
		countEvent(now, MetricNodesOK, s.Brokers.OK()),
		countEvent(now, MetricNodesKO, s.Brokers.KO()),
		countEvent(now, MetricPartitionsOK, s.PartitionsOK),
		countEvent(now, MetricPartitionsKO, s.PartitionsKO),
	}
}
