// bus-debug dumps raw messages off a configured channel and shows how
// the router would dispatch each one, without running the rest of the
// pipeline. Adapted from the teacher's cmd/debug-raw, which did the
// equivalent for a single BMP topic.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/router"
)

type options struct {
	Broker   string `short:"b" long:"broker" default:"localhost:9092" description:"Kafka broker address"`
	Topic    string `short:"t" long:"topic" required:"true" description:"Topic (channel) to consume"`
	Label    string `short:"l" long:"label" required:"true" description:"Router label to route messages as (e.g. vehicle_2k)"`
	Duration int    `short:"d" long:"duration" default:"10" description:"Seconds to consume before exiting"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Broker),
		kgo.ConsumeTopics(opts.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("bus-debug-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	logger := zap.NewNop()
	rtr := router.New(logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.Duration)*time.Second)
	defer cancel()

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== msg %d (partition=%d offset=%d, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, len(rec.Value))
			fmt.Printf("  raw: %s\n", rec.Value)

			result := rtr.Route(rec.Value, opts.Label, nil)
			fmt.Printf("  -> to_server=%d to_merge=%d to_ocr=%d\n", len(result.ToServer), len(result.ToMerge), len(result.ToOCR))
			printRecords("server", result.ToServer)
			printRecords("merge", result.ToMerge)
			printRecords("ocr", result.ToOCR)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total messages: %d\n", msgNum)
}

func printRecords(queue string, records []*record.Record) {
	for _, r := range records {
		fmt.Printf("     [%s] %s unique_key_plain=%q\n", queue, r.DataType, r.UniqueKeyPlain)
	}
}
