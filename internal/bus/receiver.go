// Package bus owns the Kafka consumer-group side of the pipeline: one
// Receiver per configured channel, generalized from the teacher's
// fixed state/history consumer pair to N independently-configured
// channels.
package bus

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/metrics"
	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/router"
)

const commitTimeout = 5 * time.Second

// Receiver owns one kgo.Client consumer group for a single configured
// channel and fans router.Route's output across the three downstream
// queues that channel was configured to feed.
type Receiver struct {
	client *kgo.Client
	logger *zap.Logger

	label   string
	channel string
	sendTo  []string

	router *router.Router

	toServer chan<- *record.Record
	toMerge  chan<- *record.Record
	toOCR    chan<- *record.Record

	joined atomic.Bool
}

// Config bundles the per-channel Kafka wiring parameters the receiver
// needs from internal/config.ReceiverConfig plus the shared transport
// settings from internal/config.KafkaConfig.
type Config struct {
	Brokers       []string
	GroupID       string
	Channel       string
	Label         string
	ClientID      string
	FetchMaxBytes int32
	SendTo        []string
	TLS           *tls.Config
	SASL          sasl.Mechanism
}

// New constructs a Receiver. toServer/toMerge/toOCR may individually be
// nil — a receiver configured without a given downstream queue drops
// records intended for it (spec §4.2).
func New(cfg Config, rtr *router.Router, toServer, toMerge, toOCR chan<- *record.Record, logger *zap.Logger) (*Receiver, error) {
	r := &Receiver{logger: logger, label: cfg.Label, channel: cfg.Channel, sendTo: cfg.SendTo, router: rtr, toServer: toServer, toMerge: toMerge, toOCR: toOCR}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Channel),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			r.joined.Store(true)
			logger.Info("bus: partitions assigned", zap.String("channel", cfg.Channel))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, _ map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Error("bus: commit on revoke failed", zap.Error(err))
			}
			r.joined.Store(false)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			r.joined.Store(false)
		}),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	r.client = client
	return r, nil
}

// IsJoined reports whether this receiver's consumer group currently
// holds partition assignments, for the readiness endpoint.
func (r *Receiver) IsJoined() bool { return r.joined.Load() }

func (r *Receiver) Close() { r.client.Close() }

// Run polls fetches until ctx is cancelled, routes each record, and
// then commits the offsets of every record in the fetch. The hand-off
// to each downstream queue does not block: a record whose queue is
// full or not configured is dropped (and counted), and its offset is
// committed all the same.
func (r *Receiver) Run(ctx context.Context) {
	for {
		fetches := r.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		for _, e := range fetches.Errors() {
			r.logger.Error("bus: fetch error", zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
		}

		var toCommit []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			r.safeHandle(rec)
			toCommit = append(toCommit, rec)
		})

		if len(toCommit) > 0 {
			commitCtx, cancel := context.WithTimeout(ctx, commitTimeout)
			for _, kr := range toCommit {
				r.client.MarkCommitRecords(kr)
			}
			if err := r.client.CommitMarkedOffsets(commitCtx); err != nil {
				r.logger.Error("bus: commit offsets failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (r *Receiver) safeHandle(kr *kgo.Record) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("bus: panic recovered handling record", zap.Any("panic", p))
		}
	}()

	metrics.BusMessagesTotal.WithLabelValues(r.channel, r.label, "received").Inc()
	metrics.LastMsgTimestamp.WithLabelValues(r.channel, r.label).SetToCurrentTime()

	result := r.router.Route(kr.Value, r.label, r.sendTo)

	for _, rec := range result.ToServer {
		r.send(r.toServer, rec, "server")
	}
	for _, rec := range result.ToMerge {
		r.send(r.toMerge, rec, "merge")
	}
	for _, rec := range result.ToOCR {
		r.send(r.toOCR, rec, "ocr")
	}
}

func (r *Receiver) send(ch chan<- *record.Record, rec *record.Record, queue string) {
	if ch == nil {
		metrics.BusMessagesTotal.WithLabelValues(r.channel, r.label, "dropped_no_queue").Inc()
		return
	}
	select {
	case ch <- rec:
		metrics.BusMessagesTotal.WithLabelValues(r.channel, r.label, "routed_"+queue).Inc()
	default:
		r.logger.Warn("bus: downstream queue full, dropping record", zap.String("queue", queue), zap.String("channel", r.channel))
		metrics.BusMessagesTotal.WithLabelValues(r.channel, r.label, "dropped_full").Inc()
	}
}
