package event

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/tablesink/internal/offset"
)

func mustOffset(n uint64, ts time.Time) offset.Offset {
	return offset.Offset{Offset: &n, Ts: &ts}
}

func TestRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000123).UTC()

	cases := []struct {
		name string
		ev   Event
	}{
		{
			name: "commit request",
			ev: Event{
				ID:      uuid.New(),
				GroupID: "coordinator",
				Type:    CommitRequest,
				Ts:      ts,
				Payload: CommitRequestPayload{CommitID: uuid.New()},
			},
		},
		{
			name: "commit response with files",
			ev: Event{
				ID:      uuid.New(),
				GroupID: "worker-1",
				Type:    CommitResponse,
				Ts:      ts,
				Payload: CommitResponsePayload{
					CommitID:        uuid.New(),
					TableName:       "db.t",
					PartitionStruct: "{}",
					DataFiles:       []string{"f1.parquet", "f2.parquet"},
					DeleteFiles:     nil,
				},
			},
		},
		{
			name: "commit response no files",
			ev: Event{
				ID:      uuid.New(),
				GroupID: "worker-1",
				Type:    CommitResponse,
				Ts:      ts,
				Payload: CommitResponsePayload{
					CommitID:  uuid.New(),
					TableName: "db.t",
				},
			},
		},
		{
			name: "commit ready with idle partition",
			ev: Event{
				ID:      uuid.New(),
				GroupID: "worker-1",
				Type:    CommitReady,
				Ts:      ts,
				Payload: CommitReadyPayload{
					CommitID: uuid.New(),
					Assignments: []offset.TopicPartitionOffset{
						{TopicPartition: offset.TopicPartition{Topic: "t", Partition: 0}, Offset: mustOffset(103, ts)},
						{TopicPartition: offset.TopicPartition{Topic: "t", Partition: 1}, Offset: offset.NullOffset()},
					},
				},
			},
		},
		{
			name: "commit table",
			ev: Event{
				ID:      uuid.New(),
				GroupID: "coordinator",
				Type:    CommitTable,
				Ts:      ts,
				Payload: CommitTablePayload{
					CommitID:   uuid.New(),
					TableName:  "db.t",
					SnapshotID: 42,
					Vtts:       ts,
				},
			},
		},
		{
			name: "commit complete",
			ev: Event{
				ID:      uuid.New(),
				GroupID: "coordinator",
				Type:    CommitComplete,
				Ts:      ts,
				Payload: CommitCompletePayload{CommitID: uuid.New(), Vtts: ts},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.ev)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.ev) {
				t.Fatalf("round-trip mismatch:\n got=%+v\nwant=%+v", got, tc.ev)
			}
		})
	}
}

func TestDecodeIgnoresUnknownTags(t *testing.T) {
	ev := Event{
		ID:      uuid.New(),
		GroupID: "coordinator",
		Type:    CommitRequest,
		Ts:      time.UnixMilli(1700000000000).UTC(),
		Payload: CommitRequestPayload{CommitID: uuid.New()},
	}
	b, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Append an unrecognized top-level tag (99) with some bytes; a
	// forward-compatible reader must ignore it rather than error.
	w := &tlvWriter{buf: b}
	w.str(99, "future-field")

	got, err := Decode(w.buf)
	if err != nil {
		t.Fatalf("Decode with unknown tag: %v", err)
	}
	if got.ID != ev.ID || got.Type != ev.Type {
		t.Fatalf("unexpected decode result: %+v", got)
	}
}
