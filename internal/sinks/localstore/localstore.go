// Package localstore adapts internal/store's Postgres handles into a
// sender.Sink, dispatching by configured table name and serializing
// all access behind one mutex per spec.md §4.7's "all access
// serialized by a mutex because the underlying driver is not safe for
// concurrent writers" — carried over as the adaptor's external
// contract even though pgx's pool is itself concurrency-safe.
package localstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/route-beacon/edge-ingester/internal/record"
)

// Projector is the subset of internal/store.Projection this adaptor
// needs, kept as an interface to avoid a store<->sinks import cycle.
type Projector interface {
	Insert(ctx context.Context, rec *record.Record) error
}

// Spooler is the subset of internal/store.Spool this adaptor needs.
type Spooler interface {
	Spool(ctx context.Context, rec *record.Record) error
}

const projectionTable = "vehicle_2k_projection"

// Adaptor dispatches by configured table name: with the projection
// table it writes vehicle_2k records there and rejects every other
// type; with any other table it spools every record.
type Adaptor struct {
	name       string
	table      string
	projection Projector
	spool      Spooler

	mu sync.Mutex
}

func New(name, table string, projection Projector, spool Spooler) *Adaptor {
	return &Adaptor{name: name, table: table, projection: projection, spool: spool}
}

func (a *Adaptor) Name() string { return a.name }

func (a *Adaptor) Insert(ctx context.Context, rec *record.Record) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.table {
	case projectionTable:
		if rec.DataType != record.TypeVehicle2K {
			return false, fmt.Errorf("localstore: table %s only accepts vehicle_2k records, got %s", projectionTable, rec.DataType)
		}
		if err := a.projection.Insert(ctx, rec); err != nil {
			return false, fmt.Errorf("localstore: projecting: %w", err)
		}
		return true, nil
	default:
		if err := a.spool.Spool(ctx, rec); err != nil {
			return false, fmt.Errorf("localstore: spooling: %w", err)
		}
		return true, nil
	}
}
