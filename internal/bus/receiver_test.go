package bus

import (
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/router"
)

func testReceiver(toServer, toMerge, toOCR chan *record.Record) *Receiver {
	return &Receiver{
		logger:  zap.NewNop(),
		label:   "vehicle_2k",
		channel: "vehicle-2k-topic",
		sendTo:  []string{"rpc"},
		router:  router.New(zap.NewNop(), nil),
		toServer: func() chan<- *record.Record {
			if toServer == nil {
				return nil
			}
			return toServer
		}(),
		toMerge: func() chan<- *record.Record {
			if toMerge == nil {
				return nil
			}
			return toMerge
		}(),
		toOCR: func() chan<- *record.Record {
			if toOCR == nil {
				return nil
			}
			return toOCR
		}(),
	}
}

func TestSend_DropsWhenQueueNotConfigured(t *testing.T) {
	r := testReceiver(nil, nil, nil)
	r.send(nil, record.New(record.TypePed), "server")
	// must not panic; nothing else observable.
}

func TestSend_DropsWhenQueueFull(t *testing.T) {
	ch := make(chan *record.Record, 1)
	ch <- record.New(record.TypePed)
	r := testReceiver(ch, nil, nil)
	r.send(ch, record.New(record.TypePed), "server")
	if len(ch) != 1 {
		t.Fatalf("expected the full queue to stay at depth 1, got %d", len(ch))
	}
}

func TestSafeHandle_RoutesVehicle2KToServerAndMerge(t *testing.T) {
	toServer := make(chan *record.Record, 8)
	toMerge := make(chan *record.Record, 8)
	r := testReceiver(toServer, toMerge, nil)

	payload := []byte("CAR1,1,sedan,11,1000,5,20,25,/local/images,CAR1_1000.jpg")
	r.safeHandle(&kgo.Record{Value: payload})

	if len(toServer) == 0 {
		t.Error("expected at least one record routed to server_q")
	}
	if len(toMerge) != 1 {
		t.Errorf("expected exactly one merge-queue copy of the 2K record, got %d", len(toMerge))
	}
}

func TestSafeHandle_MalformedPayloadNeverPanics(t *testing.T) {
	toServer := make(chan *record.Record, 8)
	r := testReceiver(toServer, nil, nil)
	r.safeHandle(&kgo.Record{Value: []byte("not,enough,fields")})
}
