package kvbus

import (
	"testing"

	"github.com/route-beacon/edge-ingester/internal/record"
)

func TestSubjectFor_PrefixesWithEdge(t *testing.T) {
	if got := subjectFor(record.TypeVehicle2K); got != "edge.vehicle_2k" {
		t.Errorf("subjectFor(vehicle_2k) = %q, want edge.vehicle_2k", got)
	}
}

func TestIsPresenceType(t *testing.T) {
	cases := map[record.DataType]bool{
		record.PresenceDataType("lane1"): true,
		record.TypeVehicle2K:             false,
		record.TypeMerge:                 false,
	}
	for dt, want := range cases {
		if got := isPresenceType(dt); got != want {
			t.Errorf("isPresenceType(%q) = %v, want %v", dt, got, want)
		}
	}
}
