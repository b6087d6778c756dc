// Package tablewriter defines the per-table writer lifecycle: buffering
// converted records, staging data/delete files, and producing the
// WriterResult that feeds a CommitResponse.
package tablewriter

import (
	"context"
	"time"
)

// Record is one record routed to a destination table. Value carries
// either a structured row (already typed) or a map-shaped value (e.g.
// decoded JSON); RecordConverter implementations must tolerate both.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Value     any
}

// Row is a record converted into the destination table's schema. The
// concrete shape is owned by whatever RecordConverter produced it; the
// writer lifecycle treats it as opaque.
type Row any

// RecordConverter turns a raw record value into a table-schema row.
// Name-mapping, decimal and UUID handling live behind this boundary.
type RecordConverter interface {
	Convert(ctx context.Context, rec Record) (Row, error)
}

// FileWriter is the underlying file-format writer a PerTableWriter
// drives.
type FileWriter interface {
	WriteRow(row Row) error
	// Flush closes the writer and returns the staged file paths.
	Flush() (dataFiles []string, deleteFiles []string, err error)
	// Abort discards any staged files without returning them.
	Abort() error
}

// WriterResult is the output of closing one per-table writer: destination
// table identity, partition-spec struct, and the staged files.
type WriterResult struct {
	TableIdentifier string
	PartitionStruct string
	DataFiles       []string
	DeleteFiles     []string
}

// IsEmpty reports whether the result carries no files. An empty result
// is legal and yields a no-op CommitResponse.
func (r WriterResult) IsEmpty() bool {
	return len(r.DataFiles) == 0 && len(r.DeleteFiles) == 0
}

// PerTableWriter accumulates records for one destination table between
// commit rounds.
type PerTableWriter interface {
	// Write converts and appends one record. May fail with a conversion
	// or IO error; both are surfaced to the caller, and the connector
	// treats either as fatal to the task.
	Write(ctx context.Context, rec Record) error
	// Complete flushes and closes the writer, returning its result.
	Complete(ctx context.Context) (WriterResult, error)
	// Close aborts and discards any staged files on a best-effort basis.
	Close(ctx context.Context) error
}

// WriterFactory lazily constructs a PerTableWriter the first time a
// round routes a record to a destination table.
type WriterFactory interface {
	NewWriter(ctx context.Context, tableIdentifier string) (PerTableWriter, error)
}
