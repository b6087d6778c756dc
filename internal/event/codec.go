package event

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/tablesink/internal/offset"
)

// Wire format: a flat sequence of tagged fields, each
// [tag:1][length:uvarint][value:length bytes]. Readers MUST skip tags they
// do not recognize so that a field added by a newer writer does not break
// an older reader. Payload is itself a nested run of tagged fields, the
// tag set depending on Type.

const (
	tagEventID      = 1
	tagEventGroupID = 2
	tagEventType    = 3
	tagEventTs      = 4
	tagEventPayload = 5

	tagCommitID        = 1
	tagTableName       = 2
	tagPartitionStruct = 3
	tagDataFile        = 4 // repeated
	tagDeleteFile      = 5 // repeated
	tagAssignment      = 6 // repeated, CommitReadyPayload only
	tagSnapshotID      = 7
	tagVtts            = 8

	// Nested inside a tagAssignment value.
	tagAsgTopic     = 1
	tagAsgPartition = 2
	tagAsgOffset    = 3
	tagAsgTs        = 4
)

type tlvWriter struct{ buf []byte }

func (w *tlvWriter) field(tag byte, value []byte) {
	w.buf = append(w.buf, tag)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(value)))
	w.buf = append(w.buf, tmp[:n]...)
	w.buf = append(w.buf, value...)
}

func (w *tlvWriter) varint(tag byte, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.field(tag, tmp[:n])
}

func (w *tlvWriter) str(tag byte, s string) {
	w.field(tag, []byte(s))
}

func (w *tlvWriter) millis(tag byte, t time.Time) {
	if t.IsZero() {
		return
	}
	w.varint(tag, uint64(t.UnixMilli()))
}

type tlvField struct {
	tag   byte
	value []byte
}

func parseTLV(b []byte) ([]tlvField, error) {
	var fields []tlvField
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		length, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, fmt.Errorf("event: malformed length for tag %d", tag)
		}
		b = b[n:]
		if uint64(len(b)) < length {
			return nil, fmt.Errorf("event: truncated value for tag %d", tag)
		}
		fields = append(fields, tlvField{tag: tag, value: b[:length]})
		b = b[length:]
	}
	return fields, nil
}

func uvarintOf(v []byte) (uint64, error) {
	n, cnt := binary.Uvarint(v)
	if cnt <= 0 {
		return 0, fmt.Errorf("event: malformed varint")
	}
	return n, nil
}

// Encode serializes an Event to the control-topic wire format.
func Encode(e Event) ([]byte, error) {
	payload, err := encodePayload(e.Type, e.Payload)
	if err != nil {
		return nil, err
	}

	w := &tlvWriter{}
	w.field(tagEventID, e.ID[:])
	w.str(tagEventGroupID, e.GroupID)
	w.varint(tagEventType, uint64(e.Type))
	w.millis(tagEventTs, e.Ts)
	w.field(tagEventPayload, payload)
	return w.buf, nil
}

// Decode parses the control-topic wire format back into an Event. Unknown
// top-level and nested tags are ignored, preserving forward compatibility.
func Decode(b []byte) (Event, error) {
	fields, err := parseTLV(b)
	if err != nil {
		return Event{}, err
	}

	var e Event
	var payloadBytes []byte
	for _, f := range fields {
		switch f.tag {
		case tagEventID:
			if len(f.value) != 16 {
				return Event{}, fmt.Errorf("event: bad id length %d", len(f.value))
			}
			copy(e.ID[:], f.value)
		case tagEventGroupID:
			e.GroupID = string(f.value)
		case tagEventType:
			v, err := uvarintOf(f.value)
			if err != nil {
				return Event{}, err
			}
			e.Type = Type(v)
		case tagEventTs:
			v, err := uvarintOf(f.value)
			if err != nil {
				return Event{}, err
			}
			e.Ts = time.UnixMilli(int64(v)).UTC()
		case tagEventPayload:
			payloadBytes = f.value
		default:
			// unknown field, ignore
		}
	}

	payload, err := decodePayload(e.Type, payloadBytes)
	if err != nil {
		return Event{}, err
	}
	e.Payload = payload
	return e, nil
}

func encodePayload(t Type, payload any) ([]byte, error) {
	w := &tlvWriter{}
	switch t {
	case CommitRequest:
		p, ok := payload.(CommitRequestPayload)
		if !ok {
			return nil, fmt.Errorf("event: payload type mismatch for %s", t)
		}
		w.field(tagCommitID, p.CommitID[:])

	case CommitResponse:
		p, ok := payload.(CommitResponsePayload)
		if !ok {
			return nil, fmt.Errorf("event: payload type mismatch for %s", t)
		}
		w.field(tagCommitID, p.CommitID[:])
		w.str(tagTableName, p.TableName)
		w.str(tagPartitionStruct, p.PartitionStruct)
		for _, f := range p.DataFiles {
			w.str(tagDataFile, f)
		}
		for _, f := range p.DeleteFiles {
			w.str(tagDeleteFile, f)
		}

	case CommitReady:
		p, ok := payload.(CommitReadyPayload)
		if !ok {
			return nil, fmt.Errorf("event: payload type mismatch for %s", t)
		}
		w.field(tagCommitID, p.CommitID[:])
		for _, a := range p.Assignments {
			w.field(tagAssignment, encodeAssignment(a))
		}

	case CommitTable:
		p, ok := payload.(CommitTablePayload)
		if !ok {
			return nil, fmt.Errorf("event: payload type mismatch for %s", t)
		}
		w.field(tagCommitID, p.CommitID[:])
		w.str(tagTableName, p.TableName)
		w.varint(tagSnapshotID, uint64(p.SnapshotID))
		w.millis(tagVtts, p.Vtts)

	case CommitComplete:
		p, ok := payload.(CommitCompletePayload)
		if !ok {
			return nil, fmt.Errorf("event: payload type mismatch for %s", t)
		}
		w.field(tagCommitID, p.CommitID[:])
		w.millis(tagVtts, p.Vtts)

	default:
		return nil, fmt.Errorf("event: unknown event type %d", t)
	}
	return w.buf, nil
}

func decodePayload(t Type, b []byte) (any, error) {
	fields, err := parseTLV(b)
	if err != nil {
		return nil, err
	}

	switch t {
	case CommitRequest:
		var p CommitRequestPayload
		for _, f := range fields {
			if f.tag == tagCommitID {
				copy(p.CommitID[:], f.value)
			}
		}
		return p, nil

	case CommitResponse:
		var p CommitResponsePayload
		for _, f := range fields {
			switch f.tag {
			case tagCommitID:
				copy(p.CommitID[:], f.value)
			case tagTableName:
				p.TableName = string(f.value)
			case tagPartitionStruct:
				p.PartitionStruct = string(f.value)
			case tagDataFile:
				p.DataFiles = append(p.DataFiles, string(f.value))
			case tagDeleteFile:
				p.DeleteFiles = append(p.DeleteFiles, string(f.value))
			}
		}
		return p, nil

	case CommitReady:
		var p CommitReadyPayload
		for _, f := range fields {
			switch f.tag {
			case tagCommitID:
				copy(p.CommitID[:], f.value)
			case tagAssignment:
				a, err := decodeAssignment(f.value)
				if err != nil {
					return nil, err
				}
				p.Assignments = append(p.Assignments, a)
			}
		}
		return p, nil

	case CommitTable:
		var p CommitTablePayload
		for _, f := range fields {
			switch f.tag {
			case tagCommitID:
				copy(p.CommitID[:], f.value)
			case tagTableName:
				p.TableName = string(f.value)
			case tagSnapshotID:
				v, err := uvarintOf(f.value)
				if err != nil {
					return nil, err
				}
				p.SnapshotID = int64(v)
			case tagVtts:
				v, err := uvarintOf(f.value)
				if err != nil {
					return nil, err
				}
				p.Vtts = time.UnixMilli(int64(v)).UTC()
			}
		}
		return p, nil

	case CommitComplete:
		var p CommitCompletePayload
		for _, f := range fields {
			switch f.tag {
			case tagCommitID:
				copy(p.CommitID[:], f.value)
			case tagVtts:
				v, err := uvarintOf(f.value)
				if err != nil {
					return nil, err
				}
				p.Vtts = time.UnixMilli(int64(v)).UTC()
			}
		}
		return p, nil

	default:
		return nil, fmt.Errorf("event: unknown event type %d", t)
	}
}

func encodeAssignment(a offset.TopicPartitionOffset) []byte {
	w := &tlvWriter{}
	w.str(tagAsgTopic, a.Topic)
	w.varint(tagAsgPartition, uint64(uint32(a.Partition)))
	if !a.IsNull() {
		w.varint(tagAsgOffset, *a.Offset.Offset)
		if a.Offset.Ts != nil {
			w.millis(tagAsgTs, *a.Offset.Ts)
		}
	}
	return w.buf
}

func decodeAssignment(b []byte) (offset.TopicPartitionOffset, error) {
	fields, err := parseTLV(b)
	if err != nil {
		return offset.TopicPartitionOffset{}, err
	}

	var a offset.TopicPartitionOffset
	var hasOffset bool
	var off uint64
	var ts *time.Time
	for _, f := range fields {
		switch f.tag {
		case tagAsgTopic:
			a.Topic = string(f.value)
		case tagAsgPartition:
			v, err := uvarintOf(f.value)
			if err != nil {
				return offset.TopicPartitionOffset{}, err
			}
			a.Partition = int32(uint32(v))
		case tagAsgOffset:
			v, err := uvarintOf(f.value)
			if err != nil {
				return offset.TopicPartitionOffset{}, err
			}
			off = v
			hasOffset = true
		case tagAsgTs:
			v, err := uvarintOf(f.value)
			if err != nil {
				return offset.TopicPartitionOffset{}, err
			}
			t := time.UnixMilli(int64(v)).UTC()
			ts = &t
		}
	}
	if hasOffset {
		o := off
		a.Offset = offset.Offset{Offset: &o, Ts: ts}
	} else {
		a.Offset = offset.NullOffset()
	}
	return a, nil
}

// NewID generates a fresh event/commit identifier.
func NewID() uuid.UUID {
	return uuid.New()
}
