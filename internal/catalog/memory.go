package catalog

import (
	"context"
	"fmt"
	"sync"
)

type snapshot struct {
	id      int64
	summary map[string]string
}

type tableState struct {
	meta      TableMeta
	snapshots []snapshot
}

// MemoryCatalog is an in-process reference Catalog. It is what the test
// suite and the single-process "quick start" deployment commit through;
// a real deployment wires a catalog backed by the actual table service
// (here, PGCatalog, or an operator-supplied implementation).
type MemoryCatalog struct {
	mu       sync.Mutex
	tables   map[string]*tableState
	nextSnap int64
}

// NewMemoryCatalog constructs an empty catalog. Tables must be registered
// with Register before routing or committing against them.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{tables: make(map[string]*tableState)}
}

// Register declares a table as existing, with the given partition-spec
// struct. Dynamic routing uses TableExists to decide whether a route
// value names a real table; tables not registered are reported as not
// existing rather than erroring.
func (c *MemoryCatalog) Register(identifier, partitionStruct string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[identifier] = &tableState{meta: TableMeta{Identifier: identifier, PartitionStruct: partitionStruct}}
}

func (c *MemoryCatalog) TableExists(_ context.Context, identifier string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tables[identifier]
	return ok, nil
}

func (c *MemoryCatalog) LoadTable(_ context.Context, identifier string) (TableMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[identifier]
	if !ok {
		return TableMeta{}, fmt.Errorf("catalog: table %q does not exist", identifier)
	}
	return t.meta, nil
}

func (c *MemoryCatalog) CommitFiles(_ context.Context, identifier string, files FileSet, summary map[string]string) (CommitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[identifier]
	if !ok {
		return CommitResult{}, fmt.Errorf("catalog: table %q does not exist", identifier)
	}

	commitID := summary[SummaryCommitIDKey]
	if commitID != "" {
		for _, s := range t.snapshots {
			if s.summary[SummaryCommitIDKey] == commitID {
				return CommitResult{SnapshotID: s.id, Skipped: true}, nil
			}
		}
	}

	c.nextSnap++
	id := c.nextSnap
	cp := make(map[string]string, len(summary))
	for k, v := range summary {
		cp[k] = v
	}
	t.snapshots = append(t.snapshots, snapshot{id: id, summary: cp})
	return CommitResult{SnapshotID: id}, nil
}

var _ Catalog = (*MemoryCatalog)(nil)
