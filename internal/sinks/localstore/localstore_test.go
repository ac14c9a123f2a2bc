package localstore

import (
	"context"
	"errors"
	"testing"

	"github.com/route-beacon/edge-ingester/internal/record"
)

type fakeProjector struct {
	inserted []*record.Record
	err      error
}

func (f *fakeProjector) Insert(ctx context.Context, rec *record.Record) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, rec)
	return nil
}

type fakeSpooler struct {
	spooled []*record.Record
	err     error
}

func (f *fakeSpooler) Spool(ctx context.Context, rec *record.Record) error {
	if f.err != nil {
		return f.err
	}
	f.spooled = append(f.spooled, rec)
	return nil
}

func TestInsert_ProjectionTableRoutesVehicle2K(t *testing.T) {
	proj := &fakeProjector{}
	spool := &fakeSpooler{}
	a := New("projection", projectionTable, proj, spool)

	rec := record.New(record.TypeVehicle2K)
	ok, err := a.Insert(context.Background(), rec)
	if !ok || err != nil {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if len(proj.inserted) != 1 {
		t.Errorf("expected one projected record, got %d", len(proj.inserted))
	}
	if len(spool.spooled) != 0 {
		t.Errorf("expected no spooled records")
	}
}

func TestInsert_ProjectionTableRejectsOtherTypes(t *testing.T) {
	a := New("projection", projectionTable, &fakeProjector{}, &fakeSpooler{})

	rec := record.New(record.TypeMerge)
	ok, err := a.Insert(context.Background(), rec)
	if ok || err == nil {
		t.Fatalf("expected rejection of non-vehicle_2k record, got ok=%v err=%v", ok, err)
	}
}

func TestInsert_OtherTableRoutesToSpool(t *testing.T) {
	spool := &fakeSpooler{}
	a := New("spool", "spool_rows", &fakeProjector{}, spool)

	rec := record.New(record.TypeMerge)
	ok, err := a.Insert(context.Background(), rec)
	if !ok || err != nil {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if len(spool.spooled) != 1 {
		t.Errorf("expected one spooled record, got %d", len(spool.spooled))
	}
}

func TestInsert_PropagatesSpoolError(t *testing.T) {
	spool := &fakeSpooler{err: errors.New("boom")}
	a := New("spool", "spool_rows", &fakeProjector{}, spool)

	rec := record.New(record.TypeMerge)
	ok, err := a.Insert(context.Background(), rec)
	if ok || err == nil {
		t.Fatalf("expected propagated error, got ok=%v err=%v", ok, err)
	}
}
