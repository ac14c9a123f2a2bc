package siteremap

import (
	"testing"

	"github.com/route-beacon/edge-ingester/internal/record"
)

func testRemapper() *Remapper {
	return New(map[Direction]Group{
		Straight: {CamID: "cam-straight", Lanes: []int{101, 102}},
		Left:     {CamID: "cam-left", Lanes: []int{201}},
		Right:    {CamID: "cam-right", Lanes: []int{301, 302, 303}},
	})
}

func TestApply_UnknownTurnType(t *testing.T) {
	r := testRemapper()
	if _, _, ok := r.Apply(99, 1); ok {
		t.Fatal("expected no remap for unknown turn_type_cd")
	}
}

func TestApply_TwoLaneGroup(t *testing.T) {
	r := testRemapper()
	cases := []struct {
		lane     int
		wantLane int
	}{
		{1, 101}, {2, 101}, {3, 102}, {4, 102},
	}
	for _, c := range cases {
		camID, lane, ok := r.Apply(11, c.lane)
		if !ok {
			t.Fatalf("lane %d: expected remap to apply", c.lane)
		}
		if camID != "cam-straight" || lane != c.wantLane {
			t.Errorf("lane %d: got (%s, %d), want (cam-straight, %d)", c.lane, camID, lane, c.wantLane)
		}
	}
}

func TestApply_ThreeLaneGroup(t *testing.T) {
	r := testRemapper()
	cases := []struct {
		lane     int
		wantLane int
	}{
		{1, 301}, {2, 301}, {3, 302}, {4, 303},
	}
	for _, c := range cases {
		_, lane, ok := r.Apply(31, c.lane)
		if !ok || lane != c.wantLane {
			t.Errorf("lane %d: got %d, want %d", c.lane, lane, c.wantLane)
		}
	}
}

func TestApply_SingleLaneGroupAlwaysIndexZero(t *testing.T) {
	r := testRemapper()
	_, lane, ok := r.Apply(21, 7)
	if !ok || lane != 201 {
		t.Errorf("expected single-lane group to always resolve to 201, got %d", lane)
	}
}

func TestApplyToRecord_ClonesAndOverwrites(t *testing.T) {
	r := testRemapper()
	rec := record.New(record.TypeVehicle2K)
	rec.SetInt("turn_type_cd", 11)
	rec.SetInt("lane", 1)
	rec.SetString("cam_id", "original-cam")

	out, ok := r.ApplyToRecord(rec, "turn_type_cd", "lane", "cam_id")
	if !ok {
		t.Fatal("expected remap to apply")
	}
	if out == rec {
		t.Fatal("expected a clone, not the same record")
	}
	if out.Get("cam_id") != "cam-straight" {
		t.Errorf("got cam_id %q", out.Get("cam_id"))
	}
	if rec.Get("cam_id") != "original-cam" {
		t.Errorf("original record must be unmodified, got %q", rec.Get("cam_id"))
	}
}

func TestApplyToRecord_NoRemapReturnsOriginal(t *testing.T) {
	r := testRemapper()
	rec := record.New(record.TypeVehicle2K)
	rec.SetInt("turn_type_cd", 99)

	out, ok := r.ApplyToRecord(rec, "turn_type_cd", "lane", "cam_id")
	if ok {
		t.Fatal("expected no remap")
	}
	if out != rec {
		t.Fatal("expected the original record pointer back when no remap applies")
	}
}
