// Package coordinator implements the singleton commit-round driver:
// initiating rounds on a timer, aggregating Worker responses, and
// writing snapshots to the catalog.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/tablesink/internal/catalog"
	"github.com/route-beacon/tablesink/internal/controlchannel"
	"github.com/route-beacon/tablesink/internal/event"
	"github.com/route-beacon/tablesink/internal/metrics"
	"github.com/route-beacon/tablesink/internal/offset"
	"go.uber.org/zap"
)

// SourcePartitions reports the full set of partitions the connector is
// responsible for across every configured source topic, independent of
// how those partitions are currently divided among Workers. The
// Coordinator uses partition coverage — not a cohort headcount — to
// decide when a round is complete, which tolerates workers joining and
// leaving without a membership protocol.
type SourcePartitions interface {
	All(ctx context.Context) ([]offset.TopicPartition, error)
}

// commitState is the Coordinator-local bookkeeping that exists only
// between a CommitRequest and its completion.
type commitState struct {
	commitID  uuid.UUID
	startedAt time.Time
	responses []event.CommitResponsePayload
	readies   []event.CommitReadyPayload
}

// Coordinator drives commit rounds. Its control-topic cursor advances
// only when a round completes: Receive buffers matching events without
// marking them handled, and completeRound commits the cursor after the
// CommitComplete send. A crash mid-round therefore replays the round's
// CommitRequest and responses on restart, and the commit-id check on
// snapshot summaries keeps the replayed catalog commit from being
// applied twice.
type Coordinator struct {
	channel    *controlchannel.Base
	catalog    catalog.Catalog
	partitions SourcePartitions
	groupID    string
	logger     *zap.Logger

	commitInterval time.Duration
	commitTimeout  time.Duration

	lastCommitTime time.Time
	state          *commitState
}

// New constructs a Coordinator. channel must wrap a Coordinator transport
// (see controlchannel.NewCoordinatorTransport) — the stable control group
// whose consumer offset doubles as the Coordinator's own recovery cursor.
func New(channel *controlchannel.Base, cat catalog.Catalog, partitions SourcePartitions, groupID string, commitInterval, commitTimeout time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		channel:        channel,
		catalog:        cat,
		partitions:     partitions,
		groupID:        groupID,
		logger:         logger,
		commitInterval: commitInterval,
		commitTimeout:  commitTimeout,
	}
}

// Poll drains the control topic and, if no round is in flight and the
// commit interval has elapsed, begins a new one. Only one round may be
// in flight at a time.
func (c *Coordinator) Poll(ctx context.Context, timeout time.Duration) error {
	if err := c.channel.ConsumeAvailable(ctx, timeout, c); err != nil {
		return fmt.Errorf("coordinator: consuming control topic: %w", err)
	}

	if c.state != nil {
		return c.checkCompletion(ctx)
	}

	if time.Since(c.lastCommitTime) >= c.commitInterval {
		return c.beginRound(ctx)
	}
	return nil
}

func (c *Coordinator) beginRound(ctx context.Context) error {
	commitID := uuid.New()
	now := time.Now()

	ev := event.Event{
		ID:      event.NewID(),
		GroupID: c.groupID,
		Type:    event.CommitRequest,
		Ts:      now,
		Payload: event.CommitRequestPayload{CommitID: commitID},
	}
	if err := c.channel.Send(ctx, []event.Event{ev}, nil); err != nil {
		return fmt.Errorf("coordinator: sending commit request: %w", err)
	}

	c.state = &commitState{commitID: commitID, startedAt: now}
	if c.logger != nil {
		c.logger.Info("coordinator: commit round started", zap.String("commit_id", commitID.String()))
	}
	return nil
}

// Receive implements controlchannel.Handler. Responses and readies
// matching the in-flight round's commit id are buffered; stragglers from
// an already-completed round are dropped silently. A CommitRequest seen
// with no round in flight is the Coordinator's own request replayed
// after a restart — the round is adopted so the replayed responses that
// follow it can complete it. Receive always reports handled=false: the
// control-topic cursor moves only via completeRound.
func (c *Coordinator) Receive(_ context.Context, env controlchannel.Envelope) (bool, error) {
	switch env.Event.Type {
	case event.CommitRequest:
		payload, ok := env.Event.Payload.(event.CommitRequestPayload)
		if !ok {
			return false, fmt.Errorf("coordinator: commit request with unexpected payload type %T", env.Event.Payload)
		}
		if c.state == nil {
			startedAt := env.Event.Ts
			if startedAt.IsZero() {
				startedAt = time.Now()
			}
			c.state = &commitState{commitID: payload.CommitID, startedAt: startedAt}
			if c.logger != nil {
				c.logger.Info("coordinator: resuming replayed commit round",
					zap.String("commit_id", payload.CommitID.String()))
			}
		}
		return false, nil

	case event.CommitResponse:
		payload, ok := env.Event.Payload.(event.CommitResponsePayload)
		if !ok {
			return false, fmt.Errorf("coordinator: commit response with unexpected payload type %T", env.Event.Payload)
		}
		if c.state == nil || payload.CommitID != c.state.commitID {
			return false, nil
		}
		c.state.responses = append(c.state.responses, payload)
		return false, nil

	case event.CommitReady:
		payload, ok := env.Event.Payload.(event.CommitReadyPayload)
		if !ok {
			return false, fmt.Errorf("coordinator: commit ready with unexpected payload type %T", env.Event.Payload)
		}
		if c.state == nil || payload.CommitID != c.state.commitID {
			return false, nil
		}
		c.state.readies = append(c.state.readies, payload)
		return false, nil

	default:
		return false, nil
	}
}

// checkCompletion evaluates the round's termination condition after each
// drain: complete when the union of all CommitReady assignments covers
// every partition of every configured source topic; aborted on timeout
// with incomplete coverage.
func (c *Coordinator) checkCompletion(ctx context.Context) error {
	all, err := c.partitions.All(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: listing source partitions: %w", err)
	}

	covered := make(map[offset.TopicPartition]bool)
	for _, ready := range c.state.readies {
		for _, a := range ready.Assignments {
			covered[a.TopicPartition] = true
		}
	}

	complete := true
	for _, tp := range all {
		if !covered[tp] {
			complete = false
			break
		}
	}

	if complete {
		return c.completeRound(ctx)
	}

	if time.Since(c.state.startedAt) > c.commitTimeout {
		if c.logger != nil {
			c.logger.Warn("coordinator: commit round timed out, discarding",
				zap.String("commit_id", c.state.commitID.String()),
				zap.Int("responses", len(c.state.responses)),
				zap.Int("readies", len(c.state.readies)))
		}
		metrics.CommitRoundsTotal.WithLabelValues("timeout").Inc()
		c.state = nil
	}
	return nil
}

// completeRound groups responses by table, commits each group to the
// catalog in lexicographic table order, emits CommitTable per table and
// one CommitComplete, then advances the control-topic cursor past the
// round's events.
func (c *Coordinator) completeRound(ctx context.Context) error {
	started := time.Now()
	state := c.state

	byTable := make(map[string][]event.CommitResponsePayload)
	for _, r := range state.responses {
		byTable[r.TableName] = append(byTable[r.TableName], r)
	}
	tableNames := make([]string, 0, len(byTable))
	for name := range byTable {
		tableNames = append(tableNames, name)
	}
	sort.Strings(tableNames)

	vtts := minVtts(state.readies)
	vttsStr := vtts.UTC().Format(time.RFC3339)

	outEvents := make([]event.Event, 0, len(tableNames)+1)
	for _, table := range tableNames {
		var files catalog.FileSet
		for _, r := range byTable[table] {
			files.DataFiles = append(files.DataFiles, r.DataFiles...)
			files.DeleteFiles = append(files.DeleteFiles, r.DeleteFiles...)
		}

		// Every table group gets its marker event, whether or not an
		// append actually happened — a group whose responses carried no
		// files skips the catalog call and reports a zero snapshot id.
		var result catalog.CommitResult
		if len(files.DataFiles) > 0 || len(files.DeleteFiles) > 0 {
			summary := map[string]string{
				catalog.SummaryCommitIDKey: state.commitID.String(),
				catalog.SummaryVttsKey:     vttsStr,
			}

			var err error
			result, err = c.catalog.CommitFiles(ctx, table, files, summary)
			if err != nil {
				if c.logger != nil {
					c.logger.Error("coordinator: catalog commit failed, round aborted",
						zap.String("table", table), zap.String("commit_id", state.commitID.String()), zap.Error(err))
				}
				metrics.CommitRoundsTotal.WithLabelValues("error").Inc()
				c.state = nil
				return fmt.Errorf("coordinator: committing files for table %q: %w", table, err)
			}
			if result.Skipped && c.logger != nil {
				c.logger.Info("coordinator: catalog commit already applied, skipping append",
					zap.String("table", table), zap.String("commit_id", state.commitID.String()))
			}
			metrics.SnapshotsCommittedTotal.WithLabelValues(table).Inc()
		}

		outEvents = append(outEvents, event.Event{
			ID:      event.NewID(),
			GroupID: c.groupID,
			Type:    event.CommitTable,
			Ts:      time.Now(),
			Payload: event.CommitTablePayload{
				CommitID:   state.commitID,
				TableName:  table,
				SnapshotID: result.SnapshotID,
				Vtts:       vtts,
			},
		})
	}

	outEvents = append(outEvents, event.Event{
		ID:      event.NewID(),
		GroupID: c.groupID,
		Type:    event.CommitComplete,
		Ts:      time.Now(),
		Payload: event.CommitCompletePayload{CommitID: state.commitID, Vtts: vtts},
	})

	if err := c.channel.Send(ctx, outEvents, nil); err != nil {
		return fmt.Errorf("coordinator: sending commit-table/commit-complete events: %w", err)
	}

	if err := c.channel.CommitControl(ctx); err != nil {
		return fmt.Errorf("coordinator: advancing control cursor: %w", err)
	}

	c.lastCommitTime = time.Now()
	c.state = nil
	metrics.CommitRoundsTotal.WithLabelValues("success").Inc()
	metrics.CommitRoundDuration.Observe(time.Since(started).Seconds())
	if c.logger != nil {
		c.logger.Info("coordinator: commit round complete",
			zap.String("commit_id", state.commitID.String()), zap.Int("tables", len(tableNames)))
	}
	return nil
}

// minVtts returns the minimum assignment timestamp across every ready
// message in the round — the round's valid-through timestamp. Idle
// assignments carry no timestamp and are excluded.
func minVtts(readies []event.CommitReadyPayload) time.Time {
	var min time.Time
	for _, ready := range readies {
		for _, a := range ready.Assignments {
			if a.Offset.IsNull() || a.Offset.Ts == nil {
				continue
			}
			ts := *a.Offset.Ts
			if min.IsZero() || ts.Before(min) {
				min = ts
			}
		}
	}
	return min
}

// Stop releases the control channel transport.
func (c *Coordinator) Stop() error {
	return c.channel.Stop()
}

var _ controlchannel.Handler = (*Coordinator)(nil)
