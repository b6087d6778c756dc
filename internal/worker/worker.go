// Package worker implements the per-task side of the commit protocol:
// buffering routed records into per-table writers, tracking per-partition
// source offsets, and responding to the Coordinator's CommitRequest with
// a CommitResponse/CommitReady burst.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/tablesink/internal/controlchannel"
	"github.com/route-beacon/tablesink/internal/event"
	"github.com/route-beacon/tablesink/internal/metrics"
	"github.com/route-beacon/tablesink/internal/offset"
	"github.com/route-beacon/tablesink/internal/routing"
	"github.com/route-beacon/tablesink/internal/tablewriter"
	"go.uber.org/zap"
)

// Worker is one sink task's commit-protocol state.
type Worker struct {
	channel *controlchannel.Base
	router  routing.Router
	writers tablewriter.WriterFactory
	groupID string
	logger  *zap.Logger

	mu sync.Mutex
	// generation is incremented every time Assign replaces the worker's
	// partition set, fencing stale in-flight commit rounds: a response
	// built against a superseded assignment is dropped rather than sent.
	generation int64
	assigned   map[offset.TopicPartition]bool
	// sourceOffsets maps an assigned partition to the NEXT offset to
	// consume from it. A partition present in assigned but absent here is
	// idle and reports NullOffset in CommitReady.
	sourceOffsets map[offset.TopicPartition]offset.Offset
	// perTable holds the open writer for each destination table touched
	// since the last commit round, keyed by table identifier.
	perTable map[string]tablewriter.PerTableWriter
	// tableExists memoizes dynamic-routing existence checks for the
	// duration of one round.
	tableExists map[string]bool
}

// New constructs a Worker. channel must wrap a Worker transport (see
// controlchannel.NewWorkerTransport) — a transient group that starts at
// the end of the control topic and never commits.
func New(channel *controlchannel.Base, router routing.Router, writers tablewriter.WriterFactory, groupID string, logger *zap.Logger) *Worker {
	return &Worker{
		channel:       channel,
		router:        router,
		writers:       writers,
		groupID:       groupID,
		logger:        logger,
		assigned:      make(map[offset.TopicPartition]bool),
		sourceOffsets: make(map[offset.TopicPartition]offset.Offset),
		perTable:      make(map[string]tablewriter.PerTableWriter),
		tableExists:   make(map[string]bool),
	}
}

// Assign replaces the worker's partition set on a rebalance. Any writers
// open for the previous assignment are discarded, not flushed: the
// in-progress commit round they belonged to is abandoned, and the
// partitions will be re-consumed from the durable checkpoint by whoever
// owns them next.
func (w *Worker) Assign(ctx context.Context, partitions []offset.TopicPartition) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.generation++
	for _, writer := range w.perTable {
		if err := writer.Close(ctx); err != nil && w.logger != nil {
			w.logger.Warn("worker: closing writer on reassignment", zap.Error(err))
		}
	}
	w.perTable = make(map[string]tablewriter.PerTableWriter)
	w.sourceOffsets = make(map[offset.TopicPartition]offset.Offset)
	w.tableExists = make(map[string]bool)

	w.assigned = make(map[offset.TopicPartition]bool, len(partitions))
	for _, tp := range partitions {
		w.assigned[tp] = true
	}
}

// SetRouter replaces the worker's routing table. Used at startup to
// finish wiring a DynamicRouter that needs the worker's own
// CachedTableExists, which in turn needs the worker to already exist.
func (w *Worker) SetRouter(router routing.Router) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.router = router
}

// CachedTableExists wraps exists so repeated lookups of the same table
// within one commit round hit the worker's own memo instead of the
// catalog. Callers building a DynamicRouter for this Worker should pass
// the returned func as its Exists field.
func (w *Worker) CachedTableExists(exists routing.TableExistsFunc) routing.TableExistsFunc {
	return func(ctx context.Context, table string) (bool, error) {
		w.mu.Lock()
		cached, ok := w.tableExists[table]
		w.mu.Unlock()
		if ok {
			return cached, nil
		}

		result, err := exists(ctx, table)
		if err != nil {
			return false, err
		}

		w.mu.Lock()
		w.tableExists[table] = result
		w.mu.Unlock()
		return result, nil
	}
}

// Save routes rec to its destination tables, appends it to each, and
// advances the source offset for its partition to rec.Offset+1 (the next
// record to consume). A dynamic-routing miss is counted and otherwise
// ignored: the record is dropped and the offset still advances.
func (w *Worker) Save(ctx context.Context, rec tablewriter.Record) error {
	tp := offset.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}

	tables, routeErr := w.router.Route(ctx, rec.Value)
	var miss *routing.MissError
	if routeErr != nil {
		if errors.As(routeErr, &miss) {
			metrics.DynamicRouteMisses.WithLabelValues(miss.Attempted).Inc()
			tables = nil
		} else {
			return fmt.Errorf("worker: routing record at %s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, routeErr)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, table := range tables {
		writer, err := w.writerForTableLocked(ctx, table)
		if err != nil {
			return fmt.Errorf("worker: obtaining writer for table %q: %w", table, err)
		}
		if err := writer.Write(ctx, rec); err != nil {
			return fmt.Errorf("worker: writing record to table %q: %w", table, err)
		}
	}

	w.sourceOffsets[tp] = offset.New(uint64(rec.Offset)+1, rec.Timestamp)
	return nil
}

func (w *Worker) writerForTableLocked(ctx context.Context, table string) (tablewriter.PerTableWriter, error) {
	if writer, ok := w.perTable[table]; ok {
		return writer, nil
	}
	writer, err := w.writers.NewWriter(ctx, table)
	if err != nil {
		return nil, err
	}
	w.perTable[table] = writer
	return writer, nil
}

// Process drains the control topic, dispatching any CommitRequest to
// Receive.
func (w *Worker) Process(ctx context.Context, timeout time.Duration) error {
	return w.channel.ConsumeAvailable(ctx, timeout, w)
}

// Receive implements controlchannel.Handler. It only acts on
// CommitRequest; every other event type is the Coordinator's own
// business and is ignored (handled=false — harmless, since Worker
// transports never commit anyway).
func (w *Worker) Receive(ctx context.Context, env controlchannel.Envelope) (bool, error) {
	if env.Event.Type != event.CommitRequest {
		return false, nil
	}
	payload, ok := env.Event.Payload.(event.CommitRequestPayload)
	if !ok {
		return false, fmt.Errorf("worker: commit request with unexpected payload type %T", env.Event.Payload)
	}
	return true, w.handleCommitRequest(ctx, payload.CommitID)
}

func (w *Worker) handleCommitRequest(ctx context.Context, commitID uuid.UUID) error {
	w.mu.Lock()
	generation := w.generation

	results := make(map[string]tablewriter.WriterResult, len(w.perTable))
	for table, writer := range w.perTable {
		result, err := writer.Complete(ctx)
		if err != nil {
			w.mu.Unlock()
			return fmt.Errorf("worker: completing writer for table %q: %w", table, err)
		}
		results[table] = result
	}

	assignments := make([]offset.TopicPartitionOffset, 0, len(w.assigned))
	for tp := range w.assigned {
		assignments = append(assignments, offset.TopicPartitionOffset{
			TopicPartition: tp,
			Offset:         w.sourceOffsets[tp],
		})
	}
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].TopicPartition.Less(assignments[j].TopicPartition)
	})

	sourceOffsetsOut := make(map[offset.TopicPartition]offset.Offset, len(w.sourceOffsets))
	for tp, off := range w.sourceOffsets {
		sourceOffsetsOut[tp] = off
	}

	w.perTable = make(map[string]tablewriter.PerTableWriter)
	w.sourceOffsets = make(map[offset.TopicPartition]offset.Offset)
	w.tableExists = make(map[string]bool)
	w.mu.Unlock()

	// Rebalance callbacks run concurrently with this handler; a
	// generation bump here means the assignment snapshot above is
	// superseded, and reporting readiness for partitions this task no
	// longer owns would corrupt the round's coverage.
	w.mu.Lock()
	stale := generation != w.generation
	w.mu.Unlock()
	if stale {
		if w.logger != nil {
			w.logger.Info("worker: dropping commit response built against a superseded assignment",
				zap.String("commit_id", commitID.String()))
		}
		return nil
	}

	events := make([]event.Event, 0, len(results)+1)
	tableNames := make([]string, 0, len(results))
	for table := range results {
		tableNames = append(tableNames, table)
	}
	sort.Strings(tableNames)

	// A result with no files still gets a response; the Coordinator
	// treats it as a no-op for that table.
	for _, table := range tableNames {
		result := results[table]
		events = append(events, event.Event{
			ID:      event.NewID(),
			GroupID: w.groupID,
			Type:    event.CommitResponse,
			Ts:      time.Now(),
			Payload: event.CommitResponsePayload{
				CommitID:        commitID,
				TableName:       result.TableIdentifier,
				PartitionStruct: result.PartitionStruct,
				DataFiles:       result.DataFiles,
				DeleteFiles:     result.DeleteFiles,
			},
		})
	}

	events = append(events, event.Event{
		ID:      event.NewID(),
		GroupID: w.groupID,
		Type:    event.CommitReady,
		Ts:      time.Now(),
		Payload: event.CommitReadyPayload{
			CommitID:    commitID,
			Assignments: assignments,
		},
	})

	if err := w.channel.Send(ctx, events, sourceOffsetsOut); err != nil {
		return fmt.Errorf("worker: sending commit response burst: %w", err)
	}
	return nil
}

// SyncCommitOffsets recovers this worker's source-offset checkpoint for
// its current assignment from the control group's durable store. The
// result is returned for the caller to seek the source consumer with; it
// is NOT folded into sourceOffsets, so partitions that receive no
// records after a restart still report NullOffset in the next round.
func (w *Worker) SyncCommitOffsets(ctx context.Context) (map[offset.TopicPartition]offset.Offset, error) {
	w.mu.Lock()
	assigned := make([]offset.TopicPartition, 0, len(w.assigned))
	for tp := range w.assigned {
		assigned = append(assigned, tp)
	}
	w.mu.Unlock()

	return w.channel.SyncCommitOffsets(ctx, assigned)
}

// Stop discards all open writers without flushing, then releases the
// control channel transport.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	writers := w.perTable
	w.perTable = make(map[string]tablewriter.PerTableWriter)
	w.mu.Unlock()

	for table, writer := range writers {
		if err := writer.Close(ctx); err != nil && w.logger != nil {
			w.logger.Warn("worker: closing writer on stop", zap.String("table", table), zap.Error(err))
		}
	}
	return w.channel.Stop()
}

var _ controlchannel.Handler = (*Worker)(nil)
