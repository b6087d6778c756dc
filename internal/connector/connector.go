// Package connector is the sink-task adapter: the component a hosted
// connector framework would call back into on partition assignment,
// record delivery, and offset-commit lifecycle events. This process runs
// standalone, so the package plays that role itself: it owns the
// source-topic consumer group and drives Worker and, on the leader task,
// Coordinator from one cooperative poll loop.
package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/route-beacon/tablesink/internal/coordinator"
	"github.com/route-beacon/tablesink/internal/metrics"
	"github.com/route-beacon/tablesink/internal/offset"
	"github.com/route-beacon/tablesink/internal/tablewriter"
	"github.com/route-beacon/tablesink/internal/worker"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// Options configures a Connector's source-topic consumer.
type Options struct {
	Brokers       []string
	ClientID      string
	SourceGroupID string
	SourceTopics  []string
	FetchMaxBytes int32
	TLS           *tls.Config
	SASL          sasl.Mechanism

	// PollInterval is how often the cooperative loop processes the
	// control channel and, on the leader, evaluates the commit-round
	// timer, independent of how often PollFetches returns records.
	PollInterval time.Duration
}

// Connector wires one sink task's Worker (and, on the leader task, its
// Coordinator) to a source-topic consumer group.
type Connector struct {
	client       *kgo.Client
	worker       *worker.Worker
	coordinator  *coordinator.Coordinator
	logger       *zap.Logger
	pollInterval time.Duration

	joined atomic.Bool

	mu         sync.Mutex
	currentTPs []offset.TopicPartition
}

// New constructs a Connector. coord is nil on non-leader tasks; the
// Coordinator runs in exactly one task.
func New(opts Options, w *worker.Worker, coord *coordinator.Coordinator, logger *zap.Logger) (*Connector, error) {
	c := &Connector{worker: w, coordinator: coord, logger: logger, pollInterval: opts.PollInterval}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ClientID(opts.ClientID),
		kgo.ConsumerGroup(opts.SourceGroupID),
		kgo.ConsumeTopics(opts.SourceTopics...),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onLost),
	}
	if opts.FetchMaxBytes > 0 {
		kopts = append(kopts, kgo.FetchMaxBytes(opts.FetchMaxBytes))
	}
	if opts.TLS != nil {
		kopts = append(kopts, kgo.DialTLSConfig(opts.TLS))
	}
	if opts.SASL != nil {
		kopts = append(kopts, kgo.SASL(opts.SASL))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("connector: creating source client: %w", err)
	}
	c.client = client
	return c, nil
}

// onAssigned replaces the Worker's partition set and recovers its
// durable source-offset checkpoint from the control group, then seeks
// the source client to those offsets so consumption resumes exactly
// where the last committed round left off.
func (c *Connector) onAssigned(ctx context.Context, cl *kgo.Client, assigned map[string][]int32) {
	tps := make([]offset.TopicPartition, 0)
	for topic, partitions := range assigned {
		for _, p := range partitions {
			tps = append(tps, offset.TopicPartition{Topic: topic, Partition: p})
		}
	}

	c.mu.Lock()
	c.currentTPs = tps
	c.mu.Unlock()

	c.worker.Assign(ctx, tps)
	c.joined.Store(true)

	recovered, err := c.worker.SyncCommitOffsets(ctx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("connector: recovering committed offsets failed, resuming from group default", zap.Error(err))
		}
		return
	}
	if len(recovered) == 0 {
		return
	}

	setOffsets := make(map[string]map[int32]kgo.EpochOffset, len(recovered))
	for tp, off := range recovered {
		if off.IsNull() {
			continue
		}
		if setOffsets[tp.Topic] == nil {
			setOffsets[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		setOffsets[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: int64(*off.Offset)}
	}
	cl.SetOffsets(setOffsets)
	if c.logger != nil {
		c.logger.Info("connector: resumed source partitions from recovered checkpoint", zap.Int("partitions", len(setOffsets)))
	}
}

// onRevoked marks the task unassigned. Any writers the Worker had open
// for the revoked partitions are abandoned (discarded, not flushed) on
// the next Assign.
func (c *Connector) onRevoked(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
	c.joined.Store(false)
	if c.logger != nil {
		c.logger.Info("connector: partitions revoked")
	}
}

func (c *Connector) onLost(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
	c.joined.Store(false)
	if c.logger != nil {
		c.logger.Warn("connector: partitions lost")
	}
}

// IsJoined reports whether this task currently holds a source partition
// assignment (used by internal/http's readiness check).
func (c *Connector) IsJoined() bool {
	return c.joined.Load()
}

// CurrentPartitions returns this task's currently assigned source
// partitions. Used to adapt the connector as a coordinator.SourcePartitions
// on the leader task, where Coordinator and Connector run in the same
// process and the leader's own assignment stands in for a full partition
// list in this single-task deployment shape.
func (c *Connector) CurrentPartitions() []offset.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]offset.TopicPartition, len(c.currentTPs))
	copy(out, c.currentTPs)
	return out
}

// Put routes a batch of fetched records to the Worker.
func (c *Connector) Put(ctx context.Context, records []*kgo.Record) error {
	for _, r := range records {
		rec := tablewriter.Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Timestamp: r.Timestamp,
			Value:     r.Value,
		}
		if err := c.worker.Save(ctx, rec); err != nil {
			return fmt.Errorf("connector: saving record at %s[%d]@%d: %w", r.Topic, r.Partition, r.Offset, err)
		}
	}
	return nil
}

// Run drives the cooperative loop: fetch source records, hand them to
// Put, and on each tick drain the control channel (Worker always;
// Coordinator only on the leader task). Blocks until ctx is cancelled or
// handing fetched records to Put fails; returns that Put error, if any.
func (c *Connector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	fetchDone := make(chan struct{})
	var fetchErr error
	go func() {
		defer close(fetchDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			fetches := c.client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			if errs := fetches.Errors(); len(errs) > 0 {
				for _, e := range errs {
					if c.logger != nil {
						c.logger.Warn("connector: fetch error", zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
					}
					metrics.ControlChannelErrorsTotal.WithLabelValues("source_fetch").Inc()
				}
			}
			var records []*kgo.Record
			fetches.EachRecord(func(r *kgo.Record) { records = append(records, r) })
			if len(records) == 0 {
				continue
			}
			if err := c.Put(ctx, records); err != nil {
				fetchErr = err
				return
			}
			// The source group's own offsets are never committed: the
			// durable cursor lives in the control group, advanced by the
			// Worker's transactional send, and onAssigned seeks to it.
			// Committing fetch positions here could shadow that
			// checkpoint on the recovery fallback path.
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-fetchDone
			return fetchErr

		case <-ticker.C:
			// Control-channel and catalog errors are retried on the next
			// tick: a failed commit round is discarded by the Coordinator
			// and re-gathered from scratch. Only record handling in the
			// fetch path is fatal to the task.
			if err := c.worker.Process(ctx, c.pollInterval); err != nil {
				metrics.ControlChannelErrorsTotal.WithLabelValues("worker_process").Inc()
				if c.logger != nil {
					c.logger.Warn("connector: worker processing control channel", zap.Error(err))
				}
			}
			if c.coordinator != nil {
				if err := c.coordinator.Poll(ctx, c.pollInterval); err != nil {
					metrics.ControlChannelErrorsTotal.WithLabelValues("coordinator_poll").Inc()
					if c.logger != nil {
						c.logger.Warn("connector: coordinator poll", zap.Error(err))
					}
				}
			}

		case <-fetchDone:
			return fetchErr
		}
	}
}

// Stop releases the Worker, (on the leader) the Coordinator, and the
// source client, in that order.
func (c *Connector) Stop(ctx context.Context) error {
	if err := c.worker.Stop(ctx); err != nil {
		if c.logger != nil {
			c.logger.Warn("connector: stopping worker", zap.Error(err))
		}
	}
	if c.coordinator != nil {
		if err := c.coordinator.Stop(); err != nil {
			if c.logger != nil {
				c.logger.Warn("connector: stopping coordinator", zap.Error(err))
			}
		}
	}
	c.client.Close()
	return nil
}
