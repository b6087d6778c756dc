// Package event defines the envelope and payload types exchanged on the
// control topic, and their binary wire encoding.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/tablesink/internal/offset"
)

// Type enumerates the kinds of events exchanged between Coordinator and
// Workers on the control topic.
type Type uint8

const (
	TypeUnknown Type = iota
	CommitRequest
	CommitResponse
	CommitReady
	CommitTable
	CommitComplete
)

func (t Type) String() string {
	switch t {
	case CommitRequest:
		return "COMMIT_REQUEST"
	case CommitResponse:
		return "COMMIT_RESPONSE"
	case CommitReady:
		return "COMMIT_READY"
	case CommitTable:
		return "COMMIT_TABLE"
	case CommitComplete:
		return "COMMIT_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Event is the envelope exchanged on the control topic: {id, groupId,
// type, ts, payload}. Payload is one of the Commit*Payload structs below,
// selected by Type.
type Event struct {
	ID      uuid.UUID
	GroupID string
	Type    Type
	Ts      time.Time
	Payload any
}

// CommitRequestPayload starts a commit round. One per round.
type CommitRequestPayload struct {
	CommitID uuid.UUID
}

// CommitResponsePayload reports the result of closing one per-table writer.
// One per (worker x table).
type CommitResponsePayload struct {
	CommitID        uuid.UUID
	TableName       string
	PartitionStruct string
	DataFiles       []string
	DeleteFiles     []string
}

// CommitReadyPayload lists every partition a worker is assigned, including
// idle ones (NullOffset). One per worker per round.
type CommitReadyPayload struct {
	CommitID    uuid.UUID
	Assignments []offset.TopicPartitionOffset
}

// CommitTablePayload is emitted by the Coordinator after each table
// snapshot commits (or is skipped as a duplicate).
type CommitTablePayload struct {
	CommitID   uuid.UUID
	TableName  string
	SnapshotID int64
	Vtts       time.Time
}

// CommitCompletePayload is emitted once, last, in a round.
type CommitCompletePayload struct {
	CommitID uuid.UUID
	Vtts     time.Time
}
