package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/tablesink/internal/controlchannel"
	"github.com/route-beacon/tablesink/internal/event"
	"github.com/route-beacon/tablesink/internal/offset"
	"github.com/route-beacon/tablesink/internal/routing"
	"github.com/route-beacon/tablesink/internal/tablewriter"
)

type fakeWriter struct {
	rows   []tablewriter.Row
	closed bool
}

func (w *fakeWriter) Write(_ context.Context, rec tablewriter.Record) error {
	w.rows = append(w.rows, rec.Value)
	return nil
}

func (w *fakeWriter) Complete(_ context.Context) (tablewriter.WriterResult, error) {
	if len(w.rows) == 0 {
		return tablewriter.WriterResult{TableIdentifier: "db.t"}, nil
	}
	return tablewriter.WriterResult{TableIdentifier: "db.t", DataFiles: []string{"file-1"}}, nil
}

func (w *fakeWriter) Close(_ context.Context) error {
	w.closed = true
	return nil
}

type fakeFactory struct {
	writers map[string]*fakeWriter
}

func (f *fakeFactory) NewWriter(_ context.Context, table string) (tablewriter.PerTableWriter, error) {
	if f.writers == nil {
		f.writers = make(map[string]*fakeWriter)
	}
	w := &fakeWriter{}
	f.writers[table] = w
	return w, nil
}

func rec(topic string, partition int32, off int64, ts time.Time, value any) tablewriter.Record {
	return tablewriter.Record{Topic: topic, Partition: partition, Offset: off, Timestamp: ts, Value: value}
}

// Happy path: single table, single worker, single partition.
func TestWorker_HappyPath(t *testing.T) {
	bus := controlchannel.NewMemoryBus()
	transport := controlchannel.NewMemoryTransport(bus, "control-group", false)
	channel := controlchannel.New("worker", transport, nil)

	factory := &fakeFactory{}
	router := routing.AllTablesRouter{Tables: []string{"db.t"}}
	w := New(channel, router, factory, "worker-1", nil)
	w.Assign(context.Background(), []offset.TopicPartition{{Topic: "src", Partition: 0}})

	ts := time.Unix(1700000000, 0)
	for i, off := range []int64{100, 101, 102} {
		if err := w.Save(context.Background(), rec("src", 0, off, ts.Add(time.Duration(i)*time.Second), map[string]any{"n": i})); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	commitID := uuid.New()
	handled, err := w.Receive(context.Background(), controlchannel.Envelope{
		Event: event.Event{Type: event.CommitRequest, Payload: event.CommitRequestPayload{CommitID: commitID}},
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !handled {
		t.Fatalf("expected COMMIT_REQUEST to be handled")
	}

	published := bus.Snapshot()
	var sawResponse, sawReady bool
	for _, ev := range published {
		switch ev.Type {
		case event.CommitResponse:
			p := ev.Payload.(event.CommitResponsePayload)
			if p.TableName != "db.t" || len(p.DataFiles) != 1 {
				t.Fatalf("unexpected commit response: %+v", p)
			}
			sawResponse = true
		case event.CommitReady:
			p := ev.Payload.(event.CommitReadyPayload)
			if len(p.Assignments) != 1 {
				t.Fatalf("expected 1 assignment, got %d", len(p.Assignments))
			}
			a := p.Assignments[0]
			if a.Offset.IsNull() || *a.Offset.Offset != 103 {
				t.Fatalf("expected next offset 103, got %+v", a.Offset)
			}
			sawReady = true
		}
	}
	if !sawResponse || !sawReady {
		t.Fatalf("expected both a commit response and a commit ready, got %d events", len(published))
	}
}

// Idle partition in assignment: a worker owning two partitions where
// only one received records must still report the other with NullOffset.
func TestWorker_IdlePartitionReportsNullOffset(t *testing.T) {
	bus := controlchannel.NewMemoryBus()
	transport := controlchannel.NewMemoryTransport(bus, "control-group", false)
	channel := controlchannel.New("worker", transport, nil)

	factory := &fakeFactory{}
	router := routing.AllTablesRouter{Tables: []string{"db.t"}}
	w := New(channel, router, factory, "worker-1", nil)
	w.Assign(context.Background(), []offset.TopicPartition{
		{Topic: "src", Partition: 0},
		{Topic: "src", Partition: 1},
	})

	if err := w.Save(context.Background(), rec("src", 0, 50, time.Unix(1700000050, 0), map[string]any{"n": 1})); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := w.Receive(context.Background(), controlchannel.Envelope{
		Event: event.Event{Type: event.CommitRequest, Payload: event.CommitRequestPayload{CommitID: uuid.New()}},
	}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	var ready *event.CommitReadyPayload
	for _, ev := range bus.Snapshot() {
		if ev.Type == event.CommitReady {
			p := ev.Payload.(event.CommitReadyPayload)
			ready = &p
		}
	}
	if ready == nil {
		t.Fatalf("expected a commit ready event")
	}
	if len(ready.Assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(ready.Assignments))
	}
	var sawIdle, sawActive bool
	for _, a := range ready.Assignments {
		if a.Partition == 1 {
			if !a.Offset.IsNull() {
				t.Fatalf("expected partition 1 to carry NullOffset, got %+v", a.Offset)
			}
			sawIdle = true
		}
		if a.Partition == 0 {
			if a.Offset.IsNull() || *a.Offset.Offset != 51 {
				t.Fatalf("expected partition 0 next offset 51, got %+v", a.Offset)
			}
			sawActive = true
		}
	}
	if !sawIdle || !sawActive {
		t.Fatalf("missing expected assignment entries: %+v", ready.Assignments)
	}
}

// Dynamic routing: a record whose route value names an unknown table is
// dropped while its offset still advances.
func TestWorker_DynamicRoutingMissDropsRecordButAdvancesOffset(t *testing.T) {
	bus := controlchannel.NewMemoryBus()
	transport := controlchannel.NewMemoryTransport(bus, "control-group", false)
	channel := controlchannel.New("worker", transport, nil)

	factory := &fakeFactory{}
	exists := func(_ context.Context, table string) (bool, error) {
		return table == "db.orders", nil
	}
	w := New(channel, routing.AllTablesRouter{}, factory, "worker-1", nil)
	w.router = routing.DynamicRouter{RouteField: "meta.table", Exists: w.CachedTableExists(exists)}
	w.Assign(context.Background(), []offset.TopicPartition{{Topic: "src", Partition: 0}})

	known := map[string]any{"meta": map[string]any{"table": "DB.Orders"}}
	unknown := map[string]any{"meta": map[string]any{"table": "DB.Unknown"}}

	if err := w.Save(context.Background(), rec("src", 0, 10, time.Unix(1700000010, 0), known)); err != nil {
		t.Fatalf("Save known: %v", err)
	}
	if err := w.Save(context.Background(), rec("src", 0, 11, time.Unix(1700000011, 0), unknown)); err != nil {
		t.Fatalf("Save unknown: %v", err)
	}

	w.mu.Lock()
	off, ok := w.sourceOffsets[offset.TopicPartition{Topic: "src", Partition: 0}]
	w.mu.Unlock()
	if !ok || off.IsNull() || *off.Offset != 12 {
		t.Fatalf("expected offset to advance past both records, got %+v", off)
	}
	if _, ok := factory.writers["db.unknown"]; ok {
		t.Fatalf("writer should not have been created for the unknown table")
	}
	if _, ok := factory.writers["db.orders"]; !ok {
		t.Fatalf("writer should have been created for the known table")
	}
}

// Recovering the checkpoint must not leak into round state: a partition
// that received no records after a restart still reports NullOffset.
func TestWorker_RecoveredOffsetsStayOutOfRoundState(t *testing.T) {
	bus := controlchannel.NewMemoryBus()

	seed := controlchannel.NewMemoryTransport(bus, "control-group", false)
	tp := offset.TopicPartition{Topic: "src", Partition: 0}
	if err := seed.Send(context.Background(), nil, map[offset.TopicPartition]offset.Offset{
		tp: offset.New(42, time.Unix(1700000000, 0)),
	}); err != nil {
		t.Fatalf("seed send: %v", err)
	}

	transport := controlchannel.NewMemoryTransport(bus, "control-group", false)
	channel := controlchannel.New("worker", transport, nil)
	factory := &fakeFactory{}
	w := New(channel, routing.AllTablesRouter{Tables: []string{"db.t"}}, factory, "worker-1", nil)
	w.Assign(context.Background(), []offset.TopicPartition{tp})

	recovered, err := w.SyncCommitOffsets(context.Background())
	if err != nil {
		t.Fatalf("SyncCommitOffsets: %v", err)
	}
	if recovered[tp].IsNull() || *recovered[tp].Offset != 42 {
		t.Fatalf("expected recovered offset 42, got %+v", recovered[tp])
	}

	if _, err := w.Receive(context.Background(), controlchannel.Envelope{
		Event: event.Event{Type: event.CommitRequest, Payload: event.CommitRequestPayload{CommitID: uuid.New()}},
	}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	for _, ev := range bus.Snapshot() {
		if ev.Type != event.CommitReady {
			continue
		}
		p := ev.Payload.(event.CommitReadyPayload)
		if len(p.Assignments) != 1 || !p.Assignments[0].Offset.IsNull() {
			t.Fatalf("idle partition must report NullOffset, got %+v", p.Assignments)
		}
	}
}

func TestWorker_StopDiscardsOpenWriters(t *testing.T) {
	bus := controlchannel.NewMemoryBus()
	transport := controlchannel.NewMemoryTransport(bus, "control-group", false)
	channel := controlchannel.New("worker", transport, nil)

	factory := &fakeFactory{}
	router := routing.AllTablesRouter{Tables: []string{"db.t"}}
	w := New(channel, router, factory, "worker-1", nil)
	w.Assign(context.Background(), []offset.TopicPartition{{Topic: "src", Partition: 0}})

	if err := w.Save(context.Background(), rec("src", 0, 1, time.Unix(1700000000, 0), map[string]any{})); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !factory.writers["db.t"].closed {
		t.Fatalf("expected open writer to be closed on Stop")
	}
}
