package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGCatalog is a Postgres-backed reference Catalog. It gives the
// commit ledger somewhere durable to live, so a Coordinator restart
// really can detect and skip a replayed commit rather than just
// simulating it in memory.
type PGCatalog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGCatalog wraps an already-migrated connection pool.
func NewPGCatalog(pool *pgxpool.Pool, logger *zap.Logger) *PGCatalog {
	return &PGCatalog{pool: pool, logger: logger}
}

func (c *PGCatalog) TableExists(ctx context.Context, identifier string) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tables WHERE identifier = $1)`, identifier,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: checking table existence: %w", err)
	}
	return exists, nil
}

func (c *PGCatalog) LoadTable(ctx context.Context, identifier string) (TableMeta, error) {
	var partitionStruct string
	err := c.pool.QueryRow(ctx,
		`SELECT partition_struct FROM tables WHERE identifier = $1`, identifier,
	).Scan(&partitionStruct)
	if err == pgx.ErrNoRows {
		return TableMeta{}, fmt.Errorf("catalog: table %q does not exist", identifier)
	}
	if err != nil {
		return TableMeta{}, fmt.Errorf("catalog: loading table %q: %w", identifier, err)
	}
	return TableMeta{Identifier: identifier, PartitionStruct: partitionStruct}, nil
}

// CommitFiles appends files as a new snapshot row, recording summary as
// key/value rows so SummaryCommitIDKey can be searched on restart. The
// idempotence check and the insert run in the same transaction so a
// concurrent commit of the same commit id cannot race past it.
func (c *PGCatalog) CommitFiles(ctx context.Context, identifier string, files FileSet, summary map[string]string) (CommitResult, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var tableID int64
	if err := tx.QueryRow(ctx, `SELECT id FROM tables WHERE identifier = $1 FOR UPDATE`, identifier).Scan(&tableID); err != nil {
		if err == pgx.ErrNoRows {
			return CommitResult{}, fmt.Errorf("catalog: table %q does not exist", identifier)
		}
		return CommitResult{}, fmt.Errorf("catalog: locking table %q: %w", identifier, err)
	}

	commitID := summary[SummaryCommitIDKey]
	if commitID != "" {
		var existing int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM snapshots WHERE table_id = $1 AND commit_id = $2`,
			tableID, commitID,
		).Scan(&existing)
		if err == nil {
			return CommitResult{SnapshotID: existing, Skipped: true}, nil
		}
		if err != pgx.ErrNoRows {
			return CommitResult{}, fmt.Errorf("catalog: checking idempotence: %w", err)
		}
	}

	var snapshotID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO snapshots (table_id, commit_id, vtts) VALUES ($1, $2, $3) RETURNING id`,
		tableID, nilIfEmpty(commitID), nilIfEmpty(summary[SummaryVttsKey]),
	).Scan(&snapshotID); err != nil {
		return CommitResult{}, fmt.Errorf("catalog: inserting snapshot: %w", err)
	}

	batch := &pgx.Batch{}
	for _, f := range files.DataFiles {
		batch.Queue(`INSERT INTO snapshot_files (snapshot_id, file_path, file_kind) VALUES ($1, $2, 'data')`, snapshotID, f)
	}
	for _, f := range files.DeleteFiles {
		batch.Queue(`INSERT INTO snapshot_files (snapshot_id, file_path, file_kind) VALUES ($1, $2, 'delete')`, snapshotID, f)
	}
	if batch.Len() > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return CommitResult{}, fmt.Errorf("catalog: inserting snapshot file[%d]: %w", i, err)
			}
		}
		if err := results.Close(); err != nil {
			return CommitResult{}, fmt.Errorf("catalog: closing snapshot file batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, fmt.Errorf("catalog: commit tx: %w", err)
	}

	return CommitResult{SnapshotID: snapshotID}, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Catalog = (*PGCatalog)(nil)
