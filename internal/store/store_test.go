package store

import (
	"testing"

	"github.com/route-beacon/edge-ingester/internal/record"
)

func TestSpool_DecodeRoundTripsCompressed(t *testing.T) {
	s, err := NewSpool(nil, true)
	if err != nil {
		t.Fatalf("unexpected error constructing spool: %v", err)
	}

	rec := record.New(record.TypeVehicle2K)
	rec.UniqueKeyPlain = "plain-1"
	rec.SetString("car_id_2k", "CAR1")
	rec.SetInt("lane", 2)

	payload, err := record.Marshal(rec)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	compressed := s.encoder.EncodeAll(payload, nil)

	decoded, err := s.Decode(compressed)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Get("car_id_2k") != "CAR1" {
		t.Errorf("expected car_id_2k to round-trip, got %q", decoded.Get("car_id_2k"))
	}
	if decoded.GetInt("lane") != 2 {
		t.Errorf("expected lane to round-trip, got %d", decoded.GetInt("lane"))
	}
	if decoded.UniqueKeyPlain != "plain-1" {
		t.Errorf("expected unique_key_plain to round-trip, got %q", decoded.UniqueKeyPlain)
	}
}

func TestSpool_DecodeRoundTripsUncompressed(t *testing.T) {
	s, err := NewSpool(nil, false)
	if err != nil {
		t.Fatalf("unexpected error constructing spool: %v", err)
	}
	rec := record.New(record.TypePed)
	rec.SetString("ped_id", "P1")
	payload, err := record.Marshal(rec)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	decoded, err := s.Decode(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Get("ped_id") != "P1" {
		t.Errorf("expected ped_id to round-trip, got %q", decoded.Get("ped_id"))
	}
}

func TestValidPartitionName(t *testing.T) {
	cases := map[string]bool{
		"vehicle_2k_projection_20260729": true,
		"vehicle_2k_projection_2026072":  false,
		"route_events_20260729":          false,
		"vehicle_2k_projection_abcdefgh": false,
	}
	for name, want := range cases {
		if got := validPartitionName.MatchString(name); got != want {
			t.Errorf("validPartitionName(%q) = %v, want %v", name, got, want)
		}
	}
}
