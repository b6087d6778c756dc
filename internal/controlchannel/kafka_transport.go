package controlchannel

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/tablesink/internal/event"
	"github.com/route-beacon/tablesink/internal/offset"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// KafkaTransport is the production Transport.
//
// Send commits sourceOffsets into controlGroupID — a group this
// transport does not itself consume under when running as a Worker.
// franz-go's transactional offset-commit API (GroupTransactSession) ties
// the commit to the producing client's OWN joined group, so it cannot be
// used for this foreign-group commit the way the underlying Kafka
// protocol (and the Java client's sendOffsetsToTransaction) supports.
// This implementation instead produces the events inside a transaction,
// ends the transaction with a commit, and only then commits
// sourceOffsets via the admin client. A crash between the two steps
// leaves the control-topic events visible without the matching
// source-offset advance; the commit-id check on snapshot summaries keeps
// the catalog from double-applying the replayed files, so the visible
// failure mode is at most a duplicate, re-sent CommitResponse, never
// silent data loss.
type KafkaTransport struct {
	client         *kgo.Client
	admin          *kadm.Client
	controlTopic   string
	controlGroupID string
	ownGroupID     string
	isCoordinator  bool
	logger         *zap.Logger
}

// Options configures a KafkaTransport.
type Options struct {
	Brokers        []string
	ClientID       string
	ControlTopic   string
	ControlGroupID string
	// ConsumerGroupID is the group this transport's own consumer joins
	// to read the control topic. The Coordinator uses ControlGroupID;
	// Workers use a transient "<prefix>-<uuid>" group that never
	// commits.
	ConsumerGroupID string
	IsCoordinator   bool
	TLS             *tls.Config
	SASL            sasl.Mechanism
	Logger          *zap.Logger
}

// NewCoordinatorTransport builds the Coordinator's control channel
// transport: its consumer group IS controlGroupID, and its control-topic
// cursor is committed explicitly once a commit round completes.
func NewCoordinatorTransport(opts Options) (*KafkaTransport, error) {
	opts.IsCoordinator = true
	opts.ConsumerGroupID = opts.ControlGroupID
	return newKafkaTransport(opts)
}

// NewWorkerTransport builds a Worker's control channel transport: a
// transient consumer group that starts at the current end of the
// control topic and never commits. Workers must observe every
// CommitRequest regardless of restart history, so their consumer cannot
// depend on any stored position.
func NewWorkerTransport(opts Options) (*KafkaTransport, error) {
	opts.IsCoordinator = false
	opts.ConsumerGroupID = fmt.Sprintf("%s-%s", opts.ConsumerGroupID, uuid.NewString())
	return newKafkaTransport(opts)
}

func newKafkaTransport(opts Options) (*KafkaTransport, error) {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ClientID(opts.ClientID),
		kgo.ConsumerGroup(opts.ConsumerGroupID),
		kgo.ConsumeTopics(opts.ControlTopic),
		kgo.DisableAutoCommit(),
		kgo.TransactionalID(opts.ClientID + "-" + opts.ConsumerGroupID),
		kgo.TransactionTimeout(30 * time.Second),
	}
	if !opts.IsCoordinator {
		// Workers never replay control-topic history from before they
		// started; a restarted task re-derives its checkpoint via
		// SyncCommitOffsets against the control group, not from the
		// control topic itself.
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	if opts.TLS != nil {
		kopts = append(kopts, kgo.DialTLSConfig(opts.TLS))
	}
	if opts.SASL != nil {
		kopts = append(kopts, kgo.SASL(opts.SASL))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("controlchannel: creating client: %w", err)
	}

	admin := kadm.NewClient(client)

	return &KafkaTransport{
		client:         client,
		admin:          admin,
		controlTopic:   opts.ControlTopic,
		controlGroupID: opts.ControlGroupID,
		ownGroupID:     opts.ConsumerGroupID,
		isCoordinator:  opts.IsCoordinator,
		logger:         opts.Logger,
	}, nil
}

func (t *KafkaTransport) Send(ctx context.Context, events []event.Event, sourceOffsets map[offset.TopicPartition]offset.Offset) error {
	if err := t.client.BeginTransaction(); err != nil {
		return fmt.Errorf("controlchannel: begin transaction: %w", err)
	}

	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		b, err := event.Encode(e)
		if err != nil {
			t.client.AbortBufferedRecords(ctx)
			_ = t.client.EndTransaction(ctx, kgo.TryAbort)
			return fmt.Errorf("controlchannel: encoding event: %w", err)
		}
		records = append(records, &kgo.Record{Topic: t.controlTopic, Value: b})
	}

	if len(records) > 0 {
		results := t.client.ProduceSync(ctx, records...)
		if err := results.FirstErr(); err != nil {
			t.client.AbortBufferedRecords(ctx)
			_ = t.client.EndTransaction(ctx, kgo.TryAbort)
			return fmt.Errorf("controlchannel: producing events: %w", err)
		}
	}

	if err := t.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("controlchannel: committing transaction: %w", err)
	}

	if len(sourceOffsets) > 0 {
		offsets := make(kadm.Offsets)
		for tp, off := range sourceOffsets {
			if off.IsNull() {
				continue
			}
			offsets.Add(kadm.Offset{
				Topic:     tp.Topic,
				Partition: tp.Partition,
				At:        int64(*off.Offset),
			})
		}
		if len(offsets) > 0 {
			if _, err := t.admin.CommitOffsets(ctx, t.controlGroupID, offsets); err != nil {
				return fmt.Errorf("controlchannel: committing source offsets: %w", err)
			}
		}
	}

	return nil
}

func (t *KafkaTransport) Poll(ctx context.Context, timeout time.Duration) ([]Envelope, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := t.client.PollFetches(pollCtx)
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, e := range errs {
			if t.logger != nil {
				t.logger.Warn("controlchannel: fetch error",
					zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
			}
		}
	}

	var envs []Envelope
	fetches.EachRecord(func(r *kgo.Record) {
		e, err := event.Decode(r.Value)
		if err != nil {
			if t.logger != nil {
				t.logger.Warn("controlchannel: dropping undecodable record", zap.Error(err))
			}
			return
		}
		envs = append(envs, Envelope{Event: e, Topic: r.Topic, Partition: r.Partition, Offset: r.Offset})
	})
	return envs, nil
}

func (t *KafkaTransport) CommitControlOffset(ctx context.Context) error {
	if !t.isCoordinator {
		return nil
	}
	return t.client.CommitUncommittedOffsets(ctx)
}

func (t *KafkaTransport) SyncCommitOffsets(ctx context.Context, assigned []offset.TopicPartition) (map[offset.TopicPartition]offset.Offset, error) {
	fetched, err := t.admin.FetchOffsets(ctx, t.controlGroupID)
	if err != nil {
		return nil, fmt.Errorf("controlchannel: fetching control group offsets: %w", err)
	}

	assignedSet := make(map[offset.TopicPartition]bool, len(assigned))
	for _, tp := range assigned {
		assignedSet[tp] = true
	}

	result := make(map[offset.TopicPartition]offset.Offset, len(assigned))
	fetched.Each(func(o kadm.OffsetResponse) {
		tp := offset.TopicPartition{Topic: o.Topic, Partition: o.Partition}
		if !assignedSet[tp] {
			return
		}
		result[tp] = offset.Offset{Offset: uint64Ptr(o.At)}
	})
	return result, nil
}

func uint64Ptr(v int64) *uint64 {
	u := uint64(v)
	return &u
}

func (t *KafkaTransport) Close() error {
	t.client.Close()
	return nil
}

var _ Transport = (*KafkaTransport)(nil)
