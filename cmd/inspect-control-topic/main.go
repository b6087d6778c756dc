// Command inspect-control-topic dumps decoded events off a control topic
// for operator debugging: connect with a throwaway group, poll for a
// bit, print what came back.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/route-beacon/tablesink/internal/event"
	"github.com/twmb/franz-go/pkg/kgo"
)

func main() {
	broker := "localhost:9092"
	topic := "iceberg-control"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("inspect-control-topic-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== control msg %d (partition=%d offset=%d, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, len(rec.Value))
			describeEvent(rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total control messages: %d\n", msgNum)
}

func describeEvent(data []byte) {
	ev, err := event.Decode(data)
	if err != nil {
		fmt.Printf("  decode error: %v\n", err)
		return
	}

	fmt.Printf("  ID:       %s\n", ev.ID)
	fmt.Printf("  GroupID:  %q\n", ev.GroupID)
	fmt.Printf("  Type:     %s\n", ev.Type)
	fmt.Printf("  Ts:       %s\n", ev.Ts.Format(time.RFC3339))

	switch p := ev.Payload.(type) {
	case event.CommitRequestPayload:
		fmt.Printf("  CommitID: %s\n", p.CommitID)
	case event.CommitResponsePayload:
		fmt.Printf("  CommitID:    %s\n", p.CommitID)
		fmt.Printf("  Table:       %s\n", p.TableName)
		fmt.Printf("  DataFiles:   %d\n", len(p.DataFiles))
		fmt.Printf("  DeleteFiles: %d\n", len(p.DeleteFiles))
	case event.CommitReadyPayload:
		fmt.Printf("  CommitID:    %s\n", p.CommitID)
		fmt.Printf("  Assignments: %d\n", len(p.Assignments))
		for i, a := range p.Assignments {
			if a.Offset.IsNull() {
				fmt.Printf("    [%d] %s[%d] -> (idle)\n", i, a.Topic, a.Partition)
				continue
			}
			fmt.Printf("    [%d] %s[%d] -> next offset %d\n", i, a.Topic, a.Partition, *a.Offset.Offset)
		}
	case event.CommitTablePayload:
		fmt.Printf("  CommitID:   %s\n", p.CommitID)
		fmt.Printf("  Table:      %s\n", p.TableName)
		fmt.Printf("  SnapshotID: %d\n", p.SnapshotID)
		fmt.Printf("  Vtts:       %s\n", p.Vtts.Format(time.RFC3339))
	case event.CommitCompletePayload:
		fmt.Printf("  CommitID: %s\n", p.CommitID)
		fmt.Printf("  Vtts:     %s\n", p.Vtts.Format(time.RFC3339))
	default:
		fmt.Printf("  unrecognized payload type %T\n", p)
	}
}
