package kafkahealth

// ProcessPartitions resolves every partition leader against the broker set
// and tallies topics.
//
// An invalid topic contributes one row with nil broker fields and counts as
// ko. A valid topic contributes one row per partition whose leader resolves
// and counts as ok once when at least one leader resolved. Unresolvable
// leaders are dropped from the rows but do not make the topic invalid.
func ProcessPartitions(ensemble EnsembleHealth, brokers BrokerSet, topics []TopicSnapshot) TopologySummary {
	var (
		ok, ko int
		states []PartitionState
	)
	for _, topic := range topics {
		if !topic.Valid {
			ko++
			states = append(states, PartitionState{Topic: topic.ID, Valid: false})
			continue
		}
		resolved := false
		for _, p := range topic.Partitions {
			broker, found := brokers.Lookup(p.Leader)
			if !found {
				continue
			}
			resolved = true
			ep := broker.Endpoint()
			partition := p.Partition
			states = append(states, PartitionState{
				Broker:    &ep,
				Topic:     topic.ID,
				Partition: &partition,
				Valid:     true,
			})
		}
		if resolved {
			ok++
		}
	}
	return TopologySummary{
		PartitionCount: len(states),
		PartitionsOK:   ok,
		PartitionsKO:   ko,
		Brokers:        brokers,
		Ensemble:       ensemble,
		Partitions:     states,
	}
}

// CompareSummaries returns the names of the count fields that differ
// between two summaries read from different ensemble nodes.
func CompareSummaries(prev, cur TopologySummary) []string {
	var diff []string
	if prev.PartitionCount != cur.PartitionCount {
		diff = append(diff, "partition_count")
	}
	if prev.PartitionsOK != cur.PartitionsOK {
		diff = append(diff, "partitions_ok")
	}
	if prev.PartitionsKO != cur.PartitionsKO {
		diff = append(diff, "partitions_ko")
	}
	return diff
}
