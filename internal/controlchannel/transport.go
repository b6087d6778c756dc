// Package controlchannel implements the bidirectional, at-least-once
// event bus layered on the control topic: the common base both
// Coordinator and Worker compose to send events, poll for new ones, and
// recover durable source offsets after a restart.
package controlchannel

import (
	"context"
	"time"

	"github.com/route-beacon/tablesink/internal/event"
	"github.com/route-beacon/tablesink/internal/offset"
)

// Envelope pairs a decoded Event with the physical position it was read
// from.
type Envelope struct {
	Event     event.Event
	Topic     string
	Partition int32
	Offset    int64
}

// Handler decides whether an envelope is relevant to the caller (Worker
// or Coordinator) and, if so, acts on it. Returning handled=false does
// not by itself commit anything; Base.ConsumeAvailable commits the
// drained position only when at least one envelope of the drain was
// handled, so a caller that returns false for every envelope keeps its
// cursor where it was.
type Handler interface {
	Receive(ctx context.Context, env Envelope) (handled bool, err error)
}

// Transport owns the control-topic producer, the control-topic consumer,
// and the admin client used for offset queries. Worker and Coordinator
// consume it via composition.
type Transport interface {
	// Send produces events to the control topic AND commits sourceOffsets
	// to the Coordinator's control group. MemoryTransport does both under
	// one lock; KafkaTransport commits the offsets after the event
	// transaction commits, so there the two steps are not atomic.
	// sourceOffsets maps a source partition to the NEXT offset to consume
	// from it.
	Send(ctx context.Context, events []event.Event, sourceOffsets map[offset.TopicPartition]offset.Offset) error

	// Poll drains currently-available records from the control topic
	// and decodes them into envelopes, without committing anything.
	Poll(ctx context.Context, timeout time.Duration) ([]Envelope, error)

	// CommitControlOffset commits this transport's own control-topic
	// consumer offset. A no-op for Worker transports, which never commit.
	CommitControlOffset(ctx context.Context) error

	// SyncCommitOffsets queries the Coordinator's control group for its
	// stored source-partition offsets, restricted to assigned. A
	// restarted task uses this to resume exactly where the last
	// committed round left off.
	SyncCommitOffsets(ctx context.Context, assigned []offset.TopicPartition) (map[offset.TopicPartition]offset.Offset, error)

	// Close releases the producer, consumer, and admin client, in that
	// order, on all exit paths.
	Close() error
}
