package merge

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/record"
)

func vehicle2K(carID string, lane, stopPassTime int64, class string, turnType int64) *record.Record {
	r := record.New(record.TypeVehicle2K)
	r.SetString("car_id_2k", carID)
	r.SetInt("lane", lane)
	r.SetInt("stop_pass_time", stopPassTime)
	r.SetString("class", class)
	r.SetInt("turn_type_cd", turnType)
	return r
}

func vehicle4K(carID string, lane, stopPassTime int64, class string, turnType int64) *record.Record {
	r := record.New(record.TypeVehicle4K)
	r.SetString("car_id_4k", carID)
	r.SetInt("lane", lane)
	r.SetInt("stop_pass_time", stopPassTime)
	r.SetString("class", class)
	r.SetInt("turn_type_cd", turnType)
	r.SetString("plate_num", "ABC123")
	r.SetString("plate_detected", "Y")
	return r
}

func TestInsert_DropsUTurns(t *testing.T) {
	buckets := make(map[key][]*record.Record)
	insert(buckets, vehicle2K("c1", 1, 100, "sedan", 41), "lane")
	if len(buckets) != 0 {
		t.Fatalf("expected u-turn to be dropped, got %d buckets", len(buckets))
	}
}

func TestInsert_KeepsSortedOrder(t *testing.T) {
	buckets := make(map[key][]*record.Record)
	insert(buckets, vehicle2K("c1", 1, 300, "sedan", 11), "lane")
	insert(buckets, vehicle2K("c2", 1, 100, "sedan", 11), "lane")
	insert(buckets, vehicle2K("c3", 1, 200, "sedan", 11), "lane")

	k := key{lane: 1, class: "sedan"}
	list := buckets[k]
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if stopPassTime(list[i-1]) > stopPassTime(list[i]) {
			t.Fatalf("expected ascending stop_pass_time, got %v", list)
		}
	}
}

func TestMerger_MatchesWithinTolerance(t *testing.T) {
	m := New(zap.NewNop(), nil)
	m.now = func() time.Time { return time.Unix(1010, 0) }
	insert(m.compare2K, vehicle2K("c1", 1, 1000, "sedan", 11), "lane")
	insert(m.compare4K, vehicle4K("c1-4k", 1, 1001, "sedan", 11), "lane")

	out := m.runPass()
	if len(out) != 1 {
		t.Fatalf("expected 1 merged record, got %d", len(out))
	}
	if out[0].DataType != record.TypeMerge {
		t.Errorf("expected data_type merge, got %s", out[0].DataType)
	}
	if out[0].Get("plate_num") != "ABC123" {
		t.Errorf("expected plate_num copied from 4K match, got %s", out[0].Get("plate_num"))
	}
	if out[0].Get("car_id") != "c1" {
		t.Errorf("expected merged car_id to be the 2K id, got %s", out[0].Get("car_id"))
	}
	if len(m.compare2K) != 0 || len(m.compare4K) != 0 {
		t.Error("expected matched entries to be removed from both buffers")
	}
}

func TestMerger_NoMatchOutsideTolerance(t *testing.T) {
	m := New(zap.NewNop(), nil)
	m.now = func() time.Time { return time.Unix(1010, 0) }
	insert(m.compare2K, vehicle2K("c1", 1, 1000, "sedan", 11), "lane")
	insert(m.compare4K, vehicle4K("c1-4k", 1, 1005, "sedan", 11), "lane")

	out := m.runPass()
	if len(out) != 0 {
		t.Fatalf("expected no match beyond tolerance, got %d", len(out))
	}
	k := key{lane: 1, class: "sedan"}
	if len(m.compare2K[k]) != 1 || len(m.compare4K[k]) != 1 {
		t.Error("expected unmatched entries to remain buffered")
	}
}

func TestMerger_AgesOutStaleEntries(t *testing.T) {
	m := New(zap.NewNop(), nil)
	base := time.Unix(100000, 0)
	m.now = func() time.Time { return base }

	insert(m.compare2K, vehicle2K("c1", 1, int64(base.Add(-120*time.Second).Unix()), "sedan", 11), "lane")
	insert(m.compare2K, vehicle2K("c2", 1, int64(base.Add(-10*time.Second).Unix()), "sedan", 11), "lane")

	m.runPass()

	k := key{lane: 1, class: "sedan"}
	list := m.compare2K[k]
	if len(list) != 1 {
		t.Fatalf("expected exactly 1 surviving entry after aging, got %d", len(list))
	}
	if list[0].Get("car_id_2k") != "c2" {
		t.Errorf("expected the recent entry to survive, got %s", list[0].Get("car_id_2k"))
	}
}

func TestMerger_TwoPointerAdvancesCorrectSide(t *testing.T) {
	m := New(zap.NewNop(), nil)
	m.now = func() time.Time { return time.Unix(1010, 0) }
	insert(m.compare2K, vehicle2K("early", 1, 1000, "sedan", 11), "lane")
	insert(m.compare2K, vehicle2K("late", 1, 2000, "sedan", 11), "lane")
	insert(m.compare4K, vehicle4K("match-late", 1, 2000, "sedan", 11), "lane")

	out := m.runPass()
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 match, got %d", len(out))
	}
	if out[0].Get("car_id") != "late" {
		t.Errorf("expected the late 2K to be the one matched, got %s", out[0].Get("car_id"))
	}
	k := key{lane: 1, class: "sedan"}
	if len(m.compare2K[k]) != 1 || m.compare2K[k][0].Get("car_id_2k") != "early" {
		t.Error("expected the unmatched early 2K to remain buffered")
	}
}

func TestRun_ProcessesUntilContextCancelled(t *testing.T) {
	m := New(zap.NewNop(), nil)
	m.now = func() time.Time { return time.Unix(1010, 0) }
	merge2K := make(chan *record.Record, 4)
	merge4K := make(chan *record.Record, 4)
	serverCh := make(chan *record.Record, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, merge2K, merge4K, serverCh)
		close(done)
	}()

	merge4K <- vehicle4K("c1-4k", 1, 1000, "sedan", 11)
	merge2K <- vehicle2K("c1", 1, 1000, "sedan", 11)

	select {
	case out := <-serverCh:
		if out.DataType != record.TypeMerge {
			t.Errorf("expected merged record on server channel, got %s", out.DataType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for merged record")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
