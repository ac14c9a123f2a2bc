package router

import (
	"testing"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/siteremap"
)

func testRouter() *Router {
	return New(zap.NewNop(), nil)
}

func TestRoute_Vehicle2K_NoRemap(t *testing.T) {
	rt := testRouter()
	raw := []byte("car123,2,sedan,11,1000,998,35.5,40.1,/img,pic.jpg")
	res := rt.Route(raw, "vehicle_2k", []string{"grpc-a"})

	if len(res.ToServer) != 2 {
		t.Fatalf("expected 2 server records (record + merge-seed), got %d", len(res.ToServer))
	}
	if len(res.ToMerge) != 1 {
		t.Fatalf("expected 1 merge record, got %d", len(res.ToMerge))
	}

	rec := res.ToServer[0]
	if rec.DataType != record.TypeVehicle2K {
		t.Errorf("expected data_type vehicle_2k, got %s", rec.DataType)
	}
	if rec.Get("car_id_2k") != "car123" {
		t.Errorf("got car_id_2k %q", rec.Get("car_id_2k"))
	}
	if rec.UniqueKeyPlain == "" {
		t.Error("expected non-empty unique_key_plain")
	}

	seed := res.ToServer[1]
	if seed.DataType != record.TypeMerge {
		t.Errorf("expected merge-seed data_type merge, got %s", seed.DataType)
	}
	if seed.Get("plate_detected") != "N" {
		t.Errorf("expected merge-seed plate_detected N, got %s", seed.Get("plate_detected"))
	}
	if seed.Get("car_id") != "car123" {
		t.Errorf("expected merge-seed car_id car123, got %s", seed.Get("car_id"))
	}

	for _, r := range append(append([]*record.Record{}, res.ToServer...), res.ToMerge...) {
		if len(r.SendTo) != 1 || r.SendTo[0] != "grpc-a" {
			t.Errorf("expected _send_to stamped [grpc-a], got %v", r.SendTo)
		}
	}
}

func TestRoute_Vehicle2K_WithRemap(t *testing.T) {
	remap := siteremap.New(map[siteremap.Direction]siteremap.Group{
		siteremap.Straight: {CamID: "remapped-cam", Lanes: []int{9}},
	})
	rt := New(zap.NewNop(), remap)
	raw := []byte("car123,1,sedan,11,1000,998,35.5,40.1,/img,pic.jpg")
	res := rt.Route(raw, "vehicle_2k", []string{"grpc-a"})

	if len(res.ToServer) != 2 {
		t.Fatalf("expected 2 server records, got %d", len(res.ToServer))
	}
	if res.ToServer[0].Get("cam_id") != "remapped-cam" {
		t.Errorf("expected remapped cam_id, got %s", res.ToServer[0].Get("cam_id"))
	}
	if res.ToServer[0].GetInt("lane") != 9 {
		t.Errorf("expected remapped lane 9, got %d", res.ToServer[0].GetInt("lane"))
	}
	// The merge-side copy must retain the original, unremapped lane.
	if res.ToMerge[0].GetInt("lane") != 1 {
		t.Errorf("expected merge copy to keep original lane 1, got %d", res.ToMerge[0].GetInt("lane"))
	}
}

func TestRoute_VehicleRaw4K(t *testing.T) {
	rt := testRouter()
	raw := []byte("car456,2000,3,truck,/img/raw")
	res := rt.Route(raw, "vehicle_raw_4k", nil)

	if len(res.ToOCR) != 1 {
		t.Fatalf("expected 1 OCR record, got %d", len(res.ToOCR))
	}
	if res.ToOCR[0].DataType != record.TypeVehicleRaw4K {
		t.Errorf("expected data_type vehicle_raw_4k, got %s", res.ToOCR[0].DataType)
	}
	if res.ToOCR[0].Get("car_id_4k") != "car456" {
		t.Errorf("got car_id_4k %q", res.ToOCR[0].Get("car_id_4k"))
	}
}

func TestRoute_Vehicle4K(t *testing.T) {
	rt := testRouter()
	raw := []byte(`{"car_id_4k":"car456","stop_pass_time":2000,"lane":3,"class":"truck"}`)
	res := rt.Route(raw, "vehicle_4k", nil)

	if len(res.ToServer) != 1 || len(res.ToMerge) != 1 {
		t.Fatalf("expected 1 server + 1 merge record, got server=%d merge=%d", len(res.ToServer), len(res.ToMerge))
	}
	if res.ToServer[0] == res.ToMerge[0] {
		t.Error("expected server and merge copies to be distinct record instances")
	}
}

func TestRoute_Ped(t *testing.T) {
	rt := testRouter()
	raw := []byte("ped1,2,adult,1500,/img,ped.jpg")
	res := rt.Route(raw, "ped", nil)
	if len(res.ToServer) != 1 {
		t.Fatalf("expected 1 server record, got %d", len(res.ToServer))
	}
	if res.ToServer[0].DataType != record.TypePed {
		t.Errorf("expected data_type ped, got %s", res.ToServer[0].DataType)
	}
}

func TestRoute_Stats_GroupedByCategory(t *testing.T) {
	rt := testRouter()
	raw := []byte(`{"approach":{"count":5},"lanes":[{"lane":1,"count":2},{"lane":2,"count":3}]}`)
	res := rt.Route(raw, "stats", nil)

	if len(res.ToServer) != 3 {
		t.Fatalf("expected 3 records (1 approach + 2 lanes), got %d", len(res.ToServer))
	}
	dataTypes := map[record.DataType]int{}
	for _, r := range res.ToServer {
		dataTypes[r.DataType]++
	}
	if dataTypes[record.StatsDataType("approach")] != 1 {
		t.Errorf("expected 1 approach_stats record, got %d", dataTypes[record.StatsDataType("approach")])
	}
	if dataTypes[record.StatsDataType("lanes")] != 2 {
		t.Errorf("expected 2 lanes_stats records, got %d", dataTypes[record.StatsDataType("lanes")])
	}
}

func TestRoute_Queue(t *testing.T) {
	rt := testRouter()
	raw := []byte(`{"lanes":{"count":4}}`)
	res := rt.Route(raw, "queue", nil)
	if len(res.ToServer) != 1 || res.ToServer[0].DataType != record.QueueDataType("lanes") {
		t.Fatalf("expected 1 lanes_queue record, got %+v", res.ToServer)
	}
}

func TestRoute_IncidentStart(t *testing.T) {
	rt := testRouter()
	raw := []byte(`{"start":{"incident_id":"abc123"}}`)
	res := rt.Route(raw, "incident", nil)
	if len(res.ToServer) != 1 || res.ToServer[0].DataType != record.TypeIncidentStart {
		t.Fatalf("expected 1 incident_start record, got %+v", res.ToServer)
	}
}

func TestRoute_IncidentEnd(t *testing.T) {
	rt := testRouter()
	raw := []byte(`{"end":{"incident_id":"abc123"}}`)
	res := rt.Route(raw, "incident", nil)
	if len(res.ToServer) != 1 || res.ToServer[0].DataType != record.TypeIncidentEnd {
		t.Fatalf("expected 1 incident_end record, got %+v", res.ToServer)
	}
}

func TestRoute_IncidentMultipleKeysRejected(t *testing.T) {
	rt := testRouter()
	raw := []byte(`{"start":{},"end":{}}`)
	res := rt.Route(raw, "incident", nil)
	if len(res.ToServer) != 0 {
		t.Fatalf("expected empty result for malformed incident payload, got %+v", res)
	}
}

func TestRoute_SqliteST_FiltersByTurnType(t *testing.T) {
	rt := testRouter()
	matching := []byte(`{"turn_type_cd":11,"stop_pass_time":1000}`)
	res := rt.Route(matching, "sqlite_st", nil)
	if len(res.ToServer) != 1 {
		t.Fatalf("expected 1 record for matching turn_type_cd, got %d", len(res.ToServer))
	}
	if !res.ToServer[0].Prepared {
		t.Error("expected sqlite_st record to be marked _prepared")
	}

	nonMatching := []byte(`{"turn_type_cd":21,"stop_pass_time":1000}`)
	res2 := rt.Route(nonMatching, "sqlite_st", nil)
	if len(res2.ToServer) != 0 {
		t.Fatalf("expected 0 records for non-matching turn_type_cd, got %d", len(res2.ToServer))
	}
}

func TestRoute_Presence(t *testing.T) {
	rt := testRouter()
	res := rt.Route([]byte("1"), "presence_loop_a", nil)
	if len(res.ToServer) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.ToServer))
	}
	if res.ToServer[0].DataType != record.PresenceDataType("loop_a") {
		t.Errorf("expected data_type presence_loop_a, got %s", res.ToServer[0].DataType)
	}
	if got := res.ToServer[0].GetInt("presence_state"); got != 1 {
		t.Errorf("expected presence_state=1, got %d", got)
	}
	if res.ToServer[0].UniqueKeyPlain != "1" {
		t.Errorf("expected unique_key_plain=1, got %q", res.ToServer[0].UniqueKeyPlain)
	}
}

func TestRoute_PresenceInvalidValue(t *testing.T) {
	rt := testRouter()
	res := rt.Route([]byte("maybe"), "presence_loop_a", nil)
	if len(res.ToServer) != 0 {
		t.Fatalf("expected empty result for invalid presence value, got %+v", res)
	}
}

func TestRoute_UnknownLabel(t *testing.T) {
	rt := testRouter()
	res := rt.Route([]byte("anything"), "made_up_label", nil)
	if len(res.ToServer) != 0 || len(res.ToMerge) != 0 || len(res.ToOCR) != 0 {
		t.Fatalf("expected empty BuildResult for unknown label, got %+v", res)
	}
}

func TestRoute_MalformedPayloadNeverPanics(t *testing.T) {
	rt := testRouter()
	res := rt.Route([]byte("{not json"), "vehicle_4k", nil)
	if len(res.ToServer) != 0 {
		t.Fatalf("expected empty result for malformed JSON, got %+v", res)
	}
}

func TestHashUniqueKey_Deterministic(t *testing.T) {
	a := HashUniqueKey("cam1", "plain-key")
	b := HashUniqueKey("cam1", "plain-key")
	if a != b {
		t.Error("expected hash to be deterministic for identical inputs")
	}
	c := HashUniqueKey("cam2", "plain-key")
	if a == c {
		t.Error("expected different camera_id to change the hash")
	}
}
