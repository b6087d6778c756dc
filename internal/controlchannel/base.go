package controlchannel

import (
	"context"
	"fmt"
	"time"

	"github.com/route-beacon/tablesink/internal/event"
	"github.com/route-beacon/tablesink/internal/offset"
	"go.uber.org/zap"
)

// Base is the common control-channel capability Coordinator and Worker
// each compose: transactional send, drain-and-dispatch, offset recovery,
// teardown.
type Base struct {
	Name      string
	Transport Transport
	Logger    *zap.Logger
}

// New constructs a Base. name is used only for diagnostics.
func New(name string, transport Transport, logger *zap.Logger) *Base {
	return &Base{Name: name, Transport: transport, Logger: logger}
}

// Send publishes events and advances sourceOffsets through the transport
// (see Transport.Send for how atomic the two steps are).
func (b *Base) Send(ctx context.Context, events []event.Event, sourceOffsets map[offset.TopicPartition]offset.Offset) error {
	if err := b.Transport.Send(ctx, events, sourceOffsets); err != nil {
		return fmt.Errorf("controlchannel[%s]: send: %w", b.Name, err)
	}
	return nil
}

// ConsumeAvailable drains ready records from the control topic and
// invokes handler.Receive for each; if any envelope was handled, the
// control-topic consumer offset is committed. Workers'
// Transport.CommitControlOffset is a no-op, so this call is safe for
// both Coordinator and Worker to share. A handler that needs to defer
// the commit past the end of the drain (the Coordinator holds its
// cursor until a commit round completes) returns handled=false and
// calls CommitControl itself later.
func (b *Base) ConsumeAvailable(ctx context.Context, timeout time.Duration, handler Handler) error {
	envs, err := b.Transport.Poll(ctx, timeout)
	if err != nil {
		return fmt.Errorf("controlchannel[%s]: poll: %w", b.Name, err)
	}

	anyHandled := false
	for _, env := range envs {
		handled, err := handler.Receive(ctx, env)
		if err != nil {
			if b.Logger != nil {
				b.Logger.Warn("controlchannel: error handling envelope",
					zap.String("channel", b.Name), zap.String("event_type", env.Event.Type.String()), zap.Error(err))
			}
			continue
		}
		if handled {
			anyHandled = true
		}
	}

	if anyHandled {
		if err := b.Transport.CommitControlOffset(ctx); err != nil {
			return fmt.Errorf("controlchannel[%s]: commit control offset: %w", b.Name, err)
		}
	}
	return nil
}

// CommitControl explicitly commits the consumer's control-topic offset.
// Used by the Coordinator to advance its cursor only once a commit round
// has fully completed, so that a crash mid-round replays the round's
// events on restart.
func (b *Base) CommitControl(ctx context.Context) error {
	if err := b.Transport.CommitControlOffset(ctx); err != nil {
		return fmt.Errorf("controlchannel[%s]: commit control offset: %w", b.Name, err)
	}
	return nil
}

// SyncCommitOffsets recovers the durable source-offset checkpoint for
// assigned partitions.
func (b *Base) SyncCommitOffsets(ctx context.Context, assigned []offset.TopicPartition) (map[offset.TopicPartition]offset.Offset, error) {
	offsets, err := b.Transport.SyncCommitOffsets(ctx, assigned)
	if err != nil {
		return nil, fmt.Errorf("controlchannel[%s]: sync commit offsets: %w", b.Name, err)
	}
	return offsets, nil
}

// Stop releases the underlying transport's resources.
func (b *Base) Stop() error {
	if err := b.Transport.Close(); err != nil {
		return fmt.Errorf("controlchannel[%s]: stop: %w", b.Name, err)
	}
	return nil
}
