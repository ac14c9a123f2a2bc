package columnar

import (
	"testing"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/sender"
)

func testAdaptor() *Adaptor {
	return New(zap.NewNop(), "127.0.0.1", 8080, "columnar", &sender.CameraIdentity{})
}

func TestUpsertType_MergeAndIncidentEndOnly(t *testing.T) {
	cases := map[record.DataType]bool{
		record.TypeMerge:         true,
		record.TypeIncidentEnd:   true,
		record.TypeIncidentStart: false,
		record.TypeVehicle2K:     false,
		record.TypeVehicle4K:     false,
	}
	for dt, want := range cases {
		if got := upsertType(dt); got != want {
			t.Errorf("upsertType(%q) = %v, want %v", dt, got, want)
		}
	}
}

func TestInsert_FailsFastWhenNotConnected(t *testing.T) {
	a := testAdaptor()
	rec := record.New(record.TypeVehicle2K)

	ok, err := a.Insert(nil, rec)
	if ok {
		t.Fatalf("expected Insert to fail while not connected")
	}
	if err != nil {
		t.Fatalf("expected nil error for not-yet-connected adaptor, got %v", err)
	}
}

func TestInsert_UnknownDataTypeErrors(t *testing.T) {
	a := testAdaptor()
	a.connected.Store(true)
	a.columns = map[string][]string{"soitgrtmdtinfo_2K": {"car_id_2k"}}

	rec := record.New(record.DataType("unmapped_type"))
	ok, err := a.Insert(nil, rec)
	if ok || err == nil {
		t.Fatalf("expected error for unmapped data type, got ok=%v err=%v", ok, err)
	}
}

func TestInsert_MissingSchemaErrors(t *testing.T) {
	a := testAdaptor()
	a.connected.Store(true)
	a.columns = map[string][]string{}

	rec := record.New(record.TypeVehicle2K)
	ok, err := a.Insert(nil, rec)
	if ok || err == nil {
		t.Fatalf("expected error when no columns are known for the table, got ok=%v err=%v", ok, err)
	}
}

func TestTableForType_MapsAtLeastOneTable(t *testing.T) {
	upper := map[string]string{}
	for _, tbl := range tableForType {
		upper[tbl] = tbl
	}
	if len(upper) == 0 {
		t.Fatalf("expected at least one mapped table")
	}
}
