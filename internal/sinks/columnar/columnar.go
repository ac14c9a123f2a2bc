// Package columnar implements a VoltDB-shaped REST adaptor over
// fasthttp, grounded on original_source's volt_adaptor.py: a
// background connect/schema-discovery loop, column-positional
// INSERT/UPSERT statements, and camera/lane-offset discovery that
// feeds the sender's one-shot identity promise.
package columnar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/metrics"
	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/sender"
)

const (
	retryInterval  = 10 * time.Second
	requestTimeout = 500 * time.Millisecond
	insertRetries  = 3
	insertPause    = 100 * time.Millisecond
)

// tableForType mirrors volt_adaptor.py's type_table_map.
var tableForType = map[record.DataType]string{
	record.TypeVehicle2K:     "soitgrtmdtinfo_2K",
	record.TypeVehicle4K:     "soitgrtmdtinfo_4K",
	record.TypeMerge:         "soitgrtmdtinfo",
	record.TypePed:           "soitgcwdtinfo",
	record.TypeIncidentStart: "soitgunacevet",
	record.TypeIncidentEnd:   "soitgunacevet",
}

func upsertType(dt record.DataType) bool {
	return dt == record.TypeMerge || dt == record.TypeIncidentEnd
}

// Adaptor is a VoltDB REST sink plus the camera/lane-offset discovery
// loop described in spec §4.7.
type Adaptor struct {
	name     string
	baseURL  string
	camID    string // configured edge IP lookup key, empty = use CamID directly
	identity *sender.CameraIdentity

	logger *zap.Logger
	client *fasthttp.Client

	connected atomic.Bool
	mu        sync.Mutex
	columns   map[string][]string
}

func New(logger *zap.Logger, host string, port int, name string, identity *sender.CameraIdentity) *Adaptor {
	return &Adaptor{
		name:     name,
		baseURL:  fmt.Sprintf("http://%s:%d/api/1.0/", host, port),
		identity: identity,
		logger:   logger,
		client:   &fasthttp.Client{},
	}
}

func (a *Adaptor) Name() string { return a.name }

// Connect starts the background retry loop and returns immediately —
// the adaptor is usable (though Insert fails) until it completes.
func (a *Adaptor) Connect(ctx context.Context, cameraIPLookupKey string) {
	go a.retryLoop(ctx, cameraIPLookupKey)
}

func (a *Adaptor) retryLoop(ctx context.Context, cameraIPLookupKey string) {
	for {
		_, _, known := a.identity.Get()
		if a.connected.Load() && known {
			return
		}
		if !a.connected.Load() {
			if cols, err := a.fetchColumns(); err != nil {
				a.logger.Error("columnar: schema discovery failed, retrying", zap.String("adaptor", a.name), zap.Error(err))
			} else {
				a.mu.Lock()
				a.columns = cols
				a.mu.Unlock()
				a.connected.Store(true)
			}
		}
		if !known && a.connected.Load() {
			if camID, laneOffset, err := a.fetchIdentity(cameraIPLookupKey); err != nil {
				a.logger.Error("columnar: camera identity discovery failed, retrying", zap.String("adaptor", a.name), zap.Error(err))
			} else if camID != "" {
				if a.identity.Resolve(camID, laneOffset) {
					metrics.CameraIdentityResolvedTotal.WithLabelValues(a.name).Inc()
					a.logger.Info("columnar: camera identity resolved", zap.String("camera_id", camID), zap.Int64("lane_offset", laneOffset))
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}
	}
}

// Insert builds the column-positional INSERT/UPSERT statement and
// retries up to insertRetries times, per volt_adaptor.py's insert().
func (a *Adaptor) Insert(ctx context.Context, rec *record.Record) (bool, error) {
	if !a.connected.Load() {
		return false, nil
	}
	table, ok := tableForType[rec.DataType]
	if !ok {
		return false, fmt.Errorf("columnar: no table mapping for data type %q", rec.DataType)
	}
	a.mu.Lock()
	cols := a.columns[table]
	a.mu.Unlock()
	if len(cols) == 0 {
		return false, fmt.Errorf("columnar: no known columns for table %q", table)
	}

	values := make([]string, len(cols))
	for i, col := range cols {
		if rec.Has(col) {
			values[i] = "'" + strings.ReplaceAll(rec.Get(col), "'", "''") + "'"
		} else {
			values[i] = "NULL"
		}
	}
	command := "INSERT"
	if upsertType(rec.DataType) {
		command = "UPSERT"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s);", command, table, strings.Join(cols, ", "), strings.Join(values, ", "))

	var lastErr error
	for i := 0; i < insertRetries; i++ {
		if ok, err := a.execInsert(query); ok {
			return true, nil
		} else {
			lastErr = err
		}
		time.Sleep(insertPause)
	}
	return false, lastErr
}

func (a *Adaptor) execInsert(query string) (bool, error) {
	resp, err := a.adHoc(query)
	if err != nil {
		return false, err
	}
	return resp.Status == 1, nil
}

type systemResponse struct {
	Status  int `json:"status"`
	Results []struct {
		Data [][]any `json:"data"`
	} `json:"results"`
}

func (a *Adaptor) adHoc(sql string) (*systemResponse, error) {
	url := fmt.Sprintf("%s?Procedure=@AdHoc&Parameters=[\"%s\"]", a.baseURL, strings.ReplaceAll(sql, `"`, `\"`))
	return a.get(url)
}

func (a *Adaptor) get(url string) (*systemResponse, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	if err := a.client.DoTimeout(req, resp, requestTimeout); err != nil {
		return nil, fmt.Errorf("columnar: request failed: %w", err)
	}
	var out systemResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("columnar: decoding response: %w", err)
	}
	return &out, nil
}

// fetchColumns queries @SystemCatalog("COLUMNS") and builds the
// table→column-list map, mirroring _get_column_names.
func (a *Adaptor) fetchColumns() (map[string][]string, error) {
	url := fmt.Sprintf("%s?Procedure=@SystemCatalog&Parameters=[\"COLUMNS\"]", a.baseURL)
	resp, err := a.get(url)
	if err != nil {
		return nil, err
	}
	if resp.Status != 1 || len(resp.Results) == 0 {
		return nil, fmt.Errorf("columnar: unexpected schema catalog response")
	}
	upper := make(map[string]string, len(tableForType))
	for _, t := range tableForType {
		upper[strings.ToUpper(t)] = t
	}
	out := make(map[string][]string)
	for _, row := range resp.Results[0].Data {
		if len(row) < 4 {
			continue
		}
		tableUpper, _ := row[2].(string)
		colName, _ := row[3].(string)
		if orig, ok := upper[tableUpper]; ok {
			out[orig] = append(out[orig], strings.ToLower(colName))
		}
	}
	return out, nil
}

// fetchIdentity queries the camera-info table by the edge's configured
// IPv4 lookup key, then the lane-info table for the lowest 4K-capable
// lane number, returning (camera_id, lane_offset).
func (a *Adaptor) fetchIdentity(ipv4 string) (string, int64, error) {
	camQuery := fmt.Sprintf("SELECT * FROM soitgcamrinfo WHERE edge_sys_2k_ip = '%s';", ipv4)
	resp, err := a.adHoc(camQuery)
	if err != nil {
		return "", 0, err
	}
	if resp.Status != 1 || len(resp.Results) == 0 || len(resp.Results[0].Data) == 0 {
		return "", 0, nil
	}
	row := resp.Results[0].Data[0]
	if len(row) < 3 {
		return "", 0, fmt.Errorf("columnar: camera info row too short")
	}
	camID, _ := row[2].(string)
	if camID == "" {
		return "", 0, nil
	}

	laneQuery := fmt.Sprintf("SELECT LANE_NO FROM SOITGLANEINFO WHERE SPOT_CAMR_ID = '%s' AND VHNO_4K_DTTN_YN = 'Y' ORDER BY LANE_NO ASC LIMIT 1;", camID)
	laneResp, err := a.adHoc(laneQuery)
	if err != nil {
		return camID, 0, err
	}
	var laneOffset int64
	if laneResp.Status == 1 && len(laneResp.Results) > 0 && len(laneResp.Results[0].Data) > 0 {
		if v, ok := laneResp.Results[0].Data[0][0].(float64); ok {
			laneOffset = int64(v) - 1
			if laneOffset < 0 {
				laneOffset = 0
			}
		}
	}
	return camID, laneOffset, nil
}
