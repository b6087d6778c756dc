// Package catalog defines the table-service contract the Coordinator
// commits through, plus two reference implementations: an in-process one
// for tests and single-process deployments, and a Postgres-backed one
// for deployments that need the commit ledger to survive a Coordinator
// restart.
package catalog

import "context"

// FileSet is the set of staged data and delete files to append in one
// commit.
type FileSet struct {
	DataFiles   []string
	DeleteFiles []string
}

// TableMeta is the subset of table metadata the connector needs: the
// table's partition-spec struct, used to label the files staged for it.
type TableMeta struct {
	Identifier      string
	PartitionStruct string
}

// CommitResult reports the outcome of CommitFiles. Skipped is true when
// an existing snapshot already carried the same commit id — SnapshotID
// is that existing snapshot's id in that case, not a newly created one.
type CommitResult struct {
	SnapshotID int64
	Skipped    bool
}

// Catalog is the table service boundary: existence checks, metadata
// loads, and atomic multi-file appends with user-settable snapshot
// summary keys.
type Catalog interface {
	// TableExists reports whether identifier names a table the catalog
	// knows about.
	TableExists(ctx context.Context, identifier string) (bool, error)

	// LoadTable returns the table's metadata, including its current
	// partition-spec struct.
	LoadTable(ctx context.Context, identifier string) (TableMeta, error)

	// CommitFiles appends files to identifier's table as a new snapshot
	// whose summary carries summary's keys (at minimum "commit-id" and
	// "vtts"). Implementations MUST check whether a snapshot with the
	// same "commit-id" already exists and, if so, return it with
	// Skipped=true instead of appending again — this is what makes a
	// replayed commit after a Coordinator restart safe. Snapshots are
	// committed in the caller's chosen order; no cross-table atomicity
	// is implied across separate CommitFiles calls.
	CommitFiles(ctx context.Context, identifier string, files FileSet, summary map[string]string) (CommitResult, error)
}

// SummaryCommitIDKey is the snapshot-summary key the duplicate-commit
// check keys on.
const SummaryCommitIDKey = "commit-id"

// SummaryVttsKey carries the round's valid-through timestamp (RFC3339)
// on every committed snapshot.
const SummaryVttsKey = "vtts"
