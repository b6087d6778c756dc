package controlchannel

import (
	"context"
	"sync"
	"time"

	"github.com/route-beacon/tablesink/internal/event"
	"github.com/route-beacon/tablesink/internal/offset"
)

// MemoryBus is an in-process stand-in for the control topic plus the
// Coordinator's control-group offset store, shared by every
// MemoryTransport built against it. It exists so Worker and Coordinator
// behavior can be exercised deterministically without a Kafka cluster.
type MemoryBus struct {
	mu  sync.Mutex
	log []event.Event

	// controlTopicCommitted is the durable read cursor into log, keyed by
	// control group id. Only Coordinator transports persist to it.
	controlTopicCommitted map[string]int

	// sourceOffsets holds the source-partition offsets Workers advance
	// through Send, keyed by control group id.
	sourceOffsets map[string]map[offset.TopicPartition]offset.Offset
}

// Snapshot returns a copy of every event produced to the bus so far,
// regardless of any transport's read cursor. Test-only inspection hook.
func (b *MemoryBus) Snapshot() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Event, len(b.log))
	copy(out, b.log)
	return out
}

// NewMemoryBus constructs an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		controlTopicCommitted: make(map[string]int),
		sourceOffsets:         make(map[string]map[offset.TopicPartition]offset.Offset),
	}
}

// MemoryTransport is a Transport backed by a MemoryBus.
type MemoryTransport struct {
	bus            *MemoryBus
	controlGroupID string
	isCoordinator  bool

	mu sync.Mutex
	// pos is the in-memory consume position: Poll returns log[pos:) and
	// advances it, like a live consumer. committed is the durable cursor;
	// only CommitControlOffset moves it, and only a restart (a fresh
	// transport over the same bus) rewinds pos back to it.
	pos       int
	committed int
}

// NewMemoryTransport builds a transport over bus. Coordinator transports
// resume from the bus's last committed control-topic position (so a
// fresh instance against the same bus simulates a restart and replays
// anything not yet committed); Worker transports always start at the
// current end, matching a transient group with start-at-end semantics.
func NewMemoryTransport(bus *MemoryBus, controlGroupID string, isCoordinator bool) *MemoryTransport {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	start := len(bus.log)
	if isCoordinator {
		start = bus.controlTopicCommitted[controlGroupID]
	}
	return &MemoryTransport{
		bus:            bus,
		controlGroupID: controlGroupID,
		isCoordinator:  isCoordinator,
		pos:            start,
		committed:      start,
	}
}

func (t *MemoryTransport) Send(_ context.Context, events []event.Event, sourceOffsets map[offset.TopicPartition]offset.Offset) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()

	t.bus.log = append(t.bus.log, events...)

	if len(sourceOffsets) > 0 {
		dst := t.bus.sourceOffsets[t.controlGroupID]
		if dst == nil {
			dst = make(map[offset.TopicPartition]offset.Offset)
			t.bus.sourceOffsets[t.controlGroupID] = dst
		}
		for tp, off := range sourceOffsets {
			dst[tp] = off
		}
	}
	return nil
}

func (t *MemoryTransport) Poll(_ context.Context, _ time.Duration) ([]Envelope, error) {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pos >= len(t.bus.log) {
		return nil, nil
	}

	var envs []Envelope
	for i := t.pos; i < len(t.bus.log); i++ {
		envs = append(envs, Envelope{Event: t.bus.log[i], Topic: "control-topic", Partition: 0, Offset: int64(i)})
	}
	t.pos = len(t.bus.log)
	return envs, nil
}

func (t *MemoryTransport) CommitControlOffset(_ context.Context) error {
	if !t.isCoordinator {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = t.pos

	t.bus.mu.Lock()
	t.bus.controlTopicCommitted[t.controlGroupID] = t.committed
	t.bus.mu.Unlock()
	return nil
}

func (t *MemoryTransport) SyncCommitOffsets(_ context.Context, assigned []offset.TopicPartition) (map[offset.TopicPartition]offset.Offset, error) {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()

	assignedSet := make(map[offset.TopicPartition]bool, len(assigned))
	for _, tp := range assigned {
		assignedSet[tp] = true
	}

	result := make(map[offset.TopicPartition]offset.Offset, len(assigned))
	for tp, off := range t.bus.sourceOffsets[t.controlGroupID] {
		if assignedSet[tp] {
			result[tp] = off
		}
	}
	return result, nil
}

func (t *MemoryTransport) Close() error { return nil }

var _ Transport = (*MemoryTransport)(nil)
