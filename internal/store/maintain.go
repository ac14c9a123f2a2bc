package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var validPartitionName = regexp.MustCompile(`^vehicle_2k_projection_\d{8}$`)

// Maintainer creates today/tomorrow's vehicle_2k_projection partitions
// and drops partitions older than the configured retention (in whole
// days), each time Run is called. Rows are not deleted individually:
// a row lives until its day's partition passes the retention, so there
// is no 86400s per-row expiry. Grounded on
// maintenance.PartitionManager.
type Maintainer struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

func NewMaintainer(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *Maintainer {
	return &Maintainer{pool: pool, retentionDays: retentionDays, timezone: timezone, logger: logger}
}

func (m *Maintainer) Run(ctx context.Context) error {
	if err := m.createPartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := m.dropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	return nil
}

func (m *Maintainer) createPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(m.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", m.timezone, err)
	}
	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	if err := m.createPartition(ctx, today, tomorrow); err != nil {
		return err
	}
	return m.createPartition(ctx, tomorrow, dayAfter)
}

func (m *Maintainer) createPartition(ctx context.Context, from, to time.Time) error {
	name := fmt.Sprintf("vehicle_2k_projection_%s", from.Format("20060102"))
	safeName := pgx.Identifier{name}.Sanitize()
	fromStr := from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF vehicle_2k_projection FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, fromStr, toStr,
	)
	if _, err := m.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	m.logger.Info("store: partition ensured", zap.String("partition", name))
	return nil
}

func (m *Maintainer) dropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(m.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", m.timezone, err)
	}
	cutoff := time.Now().In(loc).AddDate(0, 0, -m.retentionDays)
	cutoffDate := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	rows, err := m.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = 'vehicle_2k_projection'::regclass`)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	var partitions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scanning partition name: %w", err)
		}
		partitions = append(partitions, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating partitions: %w", err)
	}

	for _, name := range partitions {
		if !validPartitionName.MatchString(name) {
			m.logger.Warn("store: skipping partition with unexpected name", zap.String("partition", name))
			continue
		}
		dateStr := name[len(name)-8:]
		partDate, err := time.ParseInLocation("20060102", dateStr, loc)
		if err != nil {
			m.logger.Warn("store: cannot parse partition date", zap.String("partition", name))
			continue
		}
		if partDate.Before(cutoffDate) {
			safeName := pgx.Identifier{name}.Sanitize()
			if _, err := m.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", safeName)); err != nil {
				return fmt.Errorf("dropping partition %s: %w", name, err)
			}
			m.logger.Info("store: dropped old partition", zap.String("partition", name))
		}
	}
	return nil
}
