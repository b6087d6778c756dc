// Package offset holds the small immutable value types that identify a
// position in one log partition.
package offset

import "time"

// Offset is an immutable position in one log partition: the next record to
// consume, and the timestamp of the record that produced that position.
// The zero value is NullOffset — an assigned partition with no buffered
// records.
type Offset struct {
	Offset *uint64
	Ts     *time.Time
}

// NullOffset returns the sentinel for "no records buffered on this
// partition this round".
func NullOffset() Offset {
	return Offset{}
}

// IsNull reports whether o is the NullOffset sentinel.
func (o Offset) IsNull() bool {
	return o.Offset == nil
}

// New builds an Offset from a record's next-consume position.
func New(next uint64, ts time.Time) Offset {
	return Offset{Offset: &next, Ts: &ts}
}

// TopicPartition is a total-order key identifying one partition of one
// topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Less gives TopicPartition a deterministic total order, used by the
// worker to sort the assignments it reports in CommitReady.
func (tp TopicPartition) Less(other TopicPartition) bool {
	if tp.Topic != other.Topic {
		return tp.Topic < other.Topic
	}
	return tp.Partition < other.Partition
}

// TopicPartitionOffset embeds a TopicPartition with the Offset assigned to
// it. It is the element type of CommitReadyPayload.Assignments.
type TopicPartitionOffset struct {
	TopicPartition
	Offset
}
