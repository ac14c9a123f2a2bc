package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/metrics"
	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/sender"
)

// retryBatchSize bounds how many spool rows a single tick re-injects,
// so one slow server_q never stalls the ticker indefinitely.
const retryBatchSize = 50

// RetryWorker periodically redrives spooled rows back onto server_q,
// grounded on the teacher's maintenance.PartitionManager ticker-loop
// shape.
type RetryWorker struct {
	logger   *zap.Logger
	spool    *Spool
	identity *sender.CameraIdentity
	interval time.Duration
	serverCh chan<- *record.Record
}

// NewRetryWorker constructs a RetryWorker ticking every intervalSeconds.
func NewRetryWorker(logger *zap.Logger, spool *Spool, identity *sender.CameraIdentity, intervalSeconds int, serverCh chan<- *record.Record) *RetryWorker {
	return &RetryWorker{
		logger:   logger,
		spool:    spool,
		identity: identity,
		interval: time.Duration(intervalSeconds) * time.Second,
		serverCh: serverCh,
	}
}

func (w *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safeTick(ctx)
		}
	}
}

func (w *RetryWorker) safeTick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("store: panic recovered in retry worker", zap.Any("panic", p))
		}
	}()

	if depth, err := w.spool.Depth(ctx); err == nil {
		metrics.SpoolDepth.WithLabelValues("spool").Set(float64(depth))
	}

	if _, _, known := w.identity.Get(); !known {
		return
	}

	rows, err := w.spool.FetchOldest(ctx, retryBatchSize)
	if err != nil {
		w.logger.Error("store: fetching spool rows failed", zap.Error(err))
		return
	}

	for _, row := range rows {
		rec, err := w.spool.Decode(row.Payload)
		if err != nil {
			w.logger.Error("store: decoding spool row failed, leaving in place", zap.Int64("id", row.ID), zap.Error(err))
			continue
		}
		select {
		case w.serverCh <- rec:
			if err := w.spool.Delete(ctx, row.ID); err != nil {
				w.logger.Error("store: deleting redelivered spool row failed", zap.Int64("id", row.ID), zap.Error(err))
			}
			metrics.SpoolRowsTotal.WithLabelValues("retry_ok").Inc()
		default:
			metrics.SpoolRowsTotal.WithLabelValues("retry_fail").Inc()
			return
		}
	}
}
