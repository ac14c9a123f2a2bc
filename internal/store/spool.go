package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"github.com/route-beacon/edge-ingester/internal/metrics"
	"github.com/route-beacon/edge-ingester/internal/record"
)

// Spool persists records that failed delivery to spool_rows, for the
// retry worker to redrive later. The payload is the record's JSON
// serialization, optionally zstd-compressed — the teacher's
// history.Writer carried the same on/off compression knob for its
// archival payloads.
type Spool struct {
	pool     *pgxpool.Pool
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewSpool constructs a Spool. If compress is true, payloads are
// zstd-compressed before storage.
func NewSpool(pool *pgxpool.Pool, compress bool) (*Spool, error) {
	s := &Spool{pool: pool, compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		s.encoder = enc
		s.decoder = dec
	}
	return s, nil
}

// Spool implements sender.Spooler.
func (s *Spool) Spool(ctx context.Context, rec *record.Record) error {
	payload, err := record.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record for spool: %w", err)
	}
	if s.compress {
		payload = s.encoder.EncodeAll(payload, nil)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO spool_rows (payload) VALUES ($1)`, payload); err != nil {
		return fmt.Errorf("inserting spool row: %w", err)
	}
	metrics.SpoolRowsTotal.WithLabelValues("insert").Inc()
	return nil
}

// Row is one undelivered spool entry.
type Row struct {
	ID      int64
	Payload []byte
}

// FetchOldest returns up to limit of the oldest undelivered rows.
func (s *Spool) FetchOldest(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, payload FROM spool_rows ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching spool rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Payload); err != nil {
			return nil, fmt.Errorf("scanning spool row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Decode restores a spooled payload to a Record, reversing the
// optional zstd compression applied by Spool.
func (s *Spool) Decode(payload []byte) (*record.Record, error) {
	if s.compress {
		raw, err := s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing spool payload: %w", err)
		}
		payload = raw
	}
	return record.Unmarshal(payload)
}

// Delete removes a row once it has been successfully redelivered.
func (s *Spool) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM spool_rows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting spool row %d: %w", id, err)
	}
	return nil
}

// Depth returns the current number of undelivered rows.
func (s *Spool) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM spool_rows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting spool rows: %w", err)
	}
	return n, nil
}
