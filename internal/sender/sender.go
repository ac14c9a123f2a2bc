// Package sender implements the final, per-record pipeline stage: it
// resolves a global camera identity, applies the one-shot prepare
// transform, uploads any associated image, and fans the record out to
// every configured destination, spooling on any failure for later
// retry (spec §4.5 — at-least-once delivery).
package sender

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/config"
	"github.com/route-beacon/edge-ingester/internal/metrics"
	"github.com/route-beacon/edge-ingester/internal/record"
)

// apiDestination is the sent_to bookkeeping key for the remote image
// upload step — distinct from any structured-insert sink name.
const apiDestination = "API"

// Sink is a structured-insert destination: a columnar store, an RPC
// fan-out, or a key/value bus adaptor.
type Sink interface {
	Name() string
	Insert(ctx context.Context, rec *record.Record) (bool, error)
}

// ImageUploader pushes an image to the remote object store, either
// from a local file (vehicle_2k / queue / incident_start) or directly
// from an in-memory buffer (vehicle_raw_4k, already encoded by the
// OCR stage).
type ImageUploader interface {
	UploadFile(ctx context.Context, localPath, remoteDir, remoteFileName string) (bool, error)
	UploadBytes(ctx context.Context, data []byte, remoteDir, remoteFileName string) (bool, error)
}

// Spooler persists a record that failed delivery so the retry worker
// can re-attempt it later.
type Spooler interface {
	Spool(ctx context.Context, rec *record.Record) error
}

// Sender is the §4.5 per-record dispatch stage.
type Sender struct {
	logger   *zap.Logger
	identity *CameraIdentity
	sinks    []Sink
	uploader ImageUploader
	spool    Spooler
	bases    config.ImageRemoteConfig
}

// New constructs a Sender. uploader may be nil if no sink in this
// deployment carries images.
func New(logger *zap.Logger, identity *CameraIdentity, sinks []Sink, uploader ImageUploader, spool Spooler, bases config.ImageRemoteConfig) *Sender {
	return &Sender{
		logger:   logger,
		identity: identity,
		sinks:    sinks,
		uploader: uploader,
		spool:    spool,
		bases:    bases,
	}
}

// Run consumes server_q until ctx is cancelled or the channel closes.
func (s *Sender) Run(ctx context.Context, serverCh <-chan *record.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-serverCh:
			if !ok {
				return
			}
			s.safeHandle(ctx, rec)
		}
	}
}

func (s *Sender) safeHandle(ctx context.Context, rec *record.Record) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("sender: panic recovered", zap.Any("panic", p))
		}
	}()
	s.handle(ctx, rec)
}

func (s *Sender) handle(ctx context.Context, rec *record.Record) {
	cameraID, laneOffset, known := s.identity.Get()
	if !known {
		s.spoolOrLog(ctx, rec)
		return
	}
	if rec.SentTo == nil {
		rec.SentTo = make(map[string]bool)
	}
	if !rec.Prepared {
		s.prepare(rec, cameraID, laneOffset)
	}

	destinations := rec.SendTo
	if len(destinations) == 0 {
		destinations = s.allSinkNames()
	}

	if s.dispatch(ctx, rec, destinations) {
		metrics.SendResultTotal.WithLabelValues("all", "ok").Inc()
		return
	}
	metrics.SendResultTotal.WithLabelValues("all", "spooled").Inc()
	s.spoolOrLog(ctx, rec)
}

func (s *Sender) spoolOrLog(ctx context.Context, rec *record.Record) {
	if err := s.spool.Spool(ctx, rec); err != nil {
		s.logger.Error("sender: spool write failed", zap.Error(err), zap.String("unique_key_plain", rec.UniqueKeyPlain))
	}
}

func (s *Sender) allSinkNames() []string {
	names := make([]string, len(s.sinks))
	for i, sk := range s.sinks {
		names[i] = sk.Name()
	}
	return names
}

func (s *Sender) sinkByName(name string) Sink {
	for _, sk := range s.sinks {
		if sk.Name() == name {
			return sk
		}
	}
	return nil
}

func isQueueType(dt record.DataType) bool {
	return strings.HasSuffix(string(dt), "_queue")
}

// dispatch implements the §4.5 per-data-type dispatch table: the image
// upload step (if any) runs first, followed by the structured insert
// fan-out to every requested destination.
func (s *Sender) dispatch(ctx context.Context, rec *record.Record, destinations []string) bool {
	switch {
	case rec.DataType == record.TypeVehicle2K:
		return s.sendWithLocalImage(ctx, rec, destinations)
	case rec.DataType == record.TypeVehicleRaw4K:
		return s.sendRaw4K(ctx, rec, destinations)
	case rec.DataType == record.TypeIncidentStart:
		return s.sendWithLocalImage(ctx, rec, destinations)
	case isQueueType(rec.DataType):
		return s.sendWithLocalImage(ctx, rec, destinations)
	default:
		return s.insertAll(ctx, rec, destinations)
	}
}

// sendWithLocalImage covers the 2k, queue, and incident_start
// variants: all three upload the on-disk image file the router/OCR
// stage produced, then perform the default structured insert.
func (s *Sender) sendWithLocalImage(ctx context.Context, rec *record.Record, destinations []string) bool {
	uploaded := s.uploadLocalImage(ctx, rec)
	inserted := s.insertAll(ctx, rec, destinations)
	return uploaded && inserted
}

func (s *Sender) sendRaw4K(ctx context.Context, rec *record.Record, destinations []string) bool {
	uploaded := s.uploadRaw4KBuffers(ctx, rec)
	inserted := s.insertAll(ctx, rec, destinations)
	return uploaded && inserted
}

func (s *Sender) uploadLocalImage(ctx context.Context, rec *record.Record) bool {
	if rec.SentTo[apiDestination] {
		return true
	}
	if s.uploader == nil {
		return true
	}
	localPath := rec.Get(localImagePathKey)
	if localPath == record.Null {
		return true
	}
	ok, err := s.uploader.UploadFile(ctx, localPath, rec.ImagePathName, rec.ImageFileName)
	if err != nil {
		s.logger.Error("sender: local image upload failed", zap.Error(err), zap.String("local_path", localPath))
	}
	if ok {
		rec.MarkSentTo(apiDestination)
	}
	return ok
}

// uploadRaw4KBuffers uploads the OCR stage's in-memory car/plate JPEG
// buffers directly, then frees them regardless of outcome. A record
// spooled after a failed upload therefore carries no image bytes: on
// retry both uploads are skipped, the api destination is marked sent,
// and only the structured inserts are re-attempted.
func (s *Sender) uploadRaw4KBuffers(ctx context.Context, rec *record.Record) bool {
	if rec.SentTo[apiDestination] {
		rec.ImageBytes4K = nil
		rec.ImageBytesPlate4K = nil
		return true
	}
	if s.uploader == nil {
		rec.ImageBytes4K = nil
		rec.ImageBytesPlate4K = nil
		return true
	}
	ok := true
	if len(rec.ImageBytes4K) > 0 {
		uploaded, err := s.uploader.UploadBytes(ctx, rec.ImageBytes4K, rec.ImagePathName, rec.CarImageFileName)
		if err != nil {
			s.logger.Error("sender: car image buffer upload failed", zap.Error(err))
		}
		ok = ok && uploaded
	}
	if len(rec.ImageBytesPlate4K) > 0 {
		uploaded, err := s.uploader.UploadBytes(ctx, rec.ImageBytesPlate4K, rec.ImagePathName, rec.PlateImageFileName)
		if err != nil {
			s.logger.Error("sender: plate image buffer upload failed", zap.Error(err))
		}
		ok = ok && uploaded
	}
	rec.ImageBytes4K = nil
	rec.ImageBytesPlate4K = nil
	if ok {
		rec.MarkSentTo(apiDestination)
	}
	return ok
}

// insertAll fans the structured record out to every requested
// destination, skipping any already marked sent_to. Returns true only
// if every requested destination ends up sent.
func (s *Sender) insertAll(ctx context.Context, rec *record.Record, destinations []string) bool {
	allOK := true
	for _, name := range destinations {
		if rec.SentTo[name] {
			continue
		}
		sink := s.sinkByName(name)
		if sink == nil {
			s.logger.Warn("sender: unknown destination, skipping", zap.String("destination", name))
			continue
		}
		start := time.Now()
		ok, err := sink.Insert(ctx, rec)
		metrics.SendDuration.WithLabelValues(name, string(rec.DataType)).Observe(time.Since(start).Seconds())
		if err != nil {
			s.logger.Error("sender: sink insert failed", zap.String("destination", name), zap.Error(err))
		}
		if ok {
			rec.MarkSentTo(name)
			metrics.SendResultTotal.WithLabelValues(name, "ok").Inc()
		} else {
			allOK = false
			metrics.SendResultTotal.WithLabelValues(name, "error").Inc()
		}
	}
	return allOK
}
