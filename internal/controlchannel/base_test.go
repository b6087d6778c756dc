package controlchannel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/tablesink/internal/event"
	"github.com/route-beacon/tablesink/internal/offset"
)

type recordingHandler struct {
	seen    []Envelope
	handles func(event.Type) bool
}

func (h *recordingHandler) Receive(_ context.Context, env Envelope) (bool, error) {
	h.seen = append(h.seen, env)
	if h.handles != nil {
		return h.handles(env.Event.Type), nil
	}
	return true, nil
}

func TestConsumeAvailableDelivery(t *testing.T) {
	bus := NewMemoryBus()

	coordTransport := NewMemoryTransport(bus, "control-group", true)
	workerTransport := NewMemoryTransport(bus, "control-group", false)

	coord := New("coordinator", coordTransport, nil)
	worker := New("worker", workerTransport, nil)

	ev := event.Event{ID: uuid.New(), Type: event.CommitRequest, Ts: time.Now(), Payload: event.CommitRequestPayload{CommitID: uuid.New()}}
	if err := coord.Send(context.Background(), []event.Event{ev}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	h := &recordingHandler{}
	if err := worker.ConsumeAvailable(context.Background(), time.Second, h); err != nil {
		t.Fatalf("ConsumeAvailable: %v", err)
	}
	if len(h.seen) != 1 {
		t.Fatalf("worker should see 1 event, got %d", len(h.seen))
	}

	// A second poll with the same worker transport sees nothing new:
	// the live consume position advanced even though worker transports
	// never persist a commit.
	h2 := &recordingHandler{}
	if err := worker.ConsumeAvailable(context.Background(), time.Second, h2); err != nil {
		t.Fatalf("ConsumeAvailable: %v", err)
	}
	if len(h2.seen) != 0 {
		t.Fatalf("expected no new events, got %d", len(h2.seen))
	}
}

func TestCoordinatorCursorSurvivesUntilExplicitCommit(t *testing.T) {
	bus := NewMemoryBus()

	coordTransport := NewMemoryTransport(bus, "control-group", true)
	coord := New("coordinator", coordTransport, nil)

	ev := event.Event{ID: uuid.New(), Type: event.CommitRequest, Ts: time.Now(), Payload: event.CommitRequestPayload{CommitID: uuid.New()}}
	if err := coord.Send(context.Background(), []event.Event{ev}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Consume without handling: the durable cursor must not move.
	h := &recordingHandler{handles: func(event.Type) bool { return false }}
	if err := coord.ConsumeAvailable(context.Background(), time.Second, h); err != nil {
		t.Fatalf("ConsumeAvailable: %v", err)
	}
	if len(h.seen) != 1 {
		t.Fatalf("coordinator should see its own event, got %d", len(h.seen))
	}

	// A restart before the explicit commit replays the event.
	replayed := New("coordinator-restarted", NewMemoryTransport(bus, "control-group", true), nil)
	replayH := &recordingHandler{handles: func(event.Type) bool { return false }}
	if err := replayed.ConsumeAvailable(context.Background(), time.Second, replayH); err != nil {
		t.Fatalf("ConsumeAvailable: %v", err)
	}
	if len(replayH.seen) != 1 {
		t.Fatalf("restarted coordinator should replay the uncommitted event, got %d", len(replayH.seen))
	}

	// After the explicit commit, a further restart starts past it.
	if err := replayed.CommitControl(context.Background()); err != nil {
		t.Fatalf("CommitControl: %v", err)
	}
	fresh := New("coordinator-fresh", NewMemoryTransport(bus, "control-group", true), nil)
	freshH := &recordingHandler{}
	if err := fresh.ConsumeAvailable(context.Background(), time.Second, freshH); err != nil {
		t.Fatalf("ConsumeAvailable: %v", err)
	}
	if len(freshH.seen) != 0 {
		t.Fatalf("committed event must not replay, got %d", len(freshH.seen))
	}
}

func TestSendAdvancesSourceOffsetsTransactionally(t *testing.T) {
	bus := NewMemoryBus()
	workerTransport := NewMemoryTransport(bus, "control-group", false)
	worker := New("worker", workerTransport, nil)

	tp := offset.TopicPartition{Topic: "source", Partition: 0}
	offsets := map[offset.TopicPartition]offset.Offset{tp: offset.New(103, time.Now())}

	if err := worker.Send(context.Background(), nil, offsets); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := worker.SyncCommitOffsets(context.Background(), []offset.TopicPartition{tp})
	if err != nil {
		t.Fatalf("SyncCommitOffsets: %v", err)
	}
	if got[tp].IsNull() || *got[tp].Offset != 103 {
		t.Fatalf("got %+v", got[tp])
	}
}
