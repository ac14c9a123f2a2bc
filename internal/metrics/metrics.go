package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeingester_bus_messages_total",
			Help: "Total messages consumed from the upstream bus.",
		},
		[]string{"channel", "label", "action"},
	)

	RouteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeingester_route_duration_seconds",
			Help:    "Router dispatch latency.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"label"},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeingester_send_duration_seconds",
			Help:    "Per-destination send latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"destination", "data_type"},
	)

	SendResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeingester_send_result_total",
			Help: "Send outcomes per destination.",
		},
		[]string{"destination", "result"}, // result: ok|error|spooled
	)

	SpoolRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeingester_spool_rows_total",
			Help: "Rows written to or drained from the local spool.",
		},
		[]string{"op"}, // op: insert|retry_ok|retry_fail|purge
	)

	SpoolDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeingester_spool_depth",
			Help: "Current number of undelivered rows in the spool.",
		},
		[]string{"destination"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeingester_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	MergeMatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeingester_merge_matched_total",
			Help: "2K/4K vehicle pairs successfully fused.",
		},
		[]string{"lane"},
	)

	MergeAgedOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeingester_merge_aged_out_total",
			Help: "Buffered detections dropped for exceeding the merge window.",
		},
		[]string{"source"}, // source: 2k|4k
	)

	OCRDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeingester_ocr_duration_seconds",
			Help:    "Plate detection + OCR latency per vehicle crossing.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"result"}, // result: plate_found|no_plate|error
	)

	OCRCandidatesConsidered = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeingester_ocr_candidates_considered",
			Help:    "Number of camera-adjacent images considered for best-of-N plate selection.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
		[]string{},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeingester_last_msg_timestamp_seconds",
			Help: "Unix timestamp of last processed message, per channel.",
		},
		[]string{"channel", "label"},
	)

	CameraIdentityResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeingester_camera_identity_resolved_total",
			Help: "Times the one-shot camera-id/lane-offset promise was resolved by a sink adaptor.",
		},
		[]string{"resolved_by"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BusMessagesTotal,
			RouteDuration,
			SendDuration,
			SendResultTotal,
			SpoolRowsTotal,
			SpoolDepth,
			ParseErrorsTotal,
			MergeMatchedTotal,
			MergeAgedOutTotal,
			OCRDuration,
			OCRCandidatesConsidered,
			LastMsgTimestamp,
			CameraIdentityResolvedTotal,
		)
	})
}
