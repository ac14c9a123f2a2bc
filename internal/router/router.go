// Package router implements the stateless translation from a raw bus
// payload into one or more structured records, and decides which of
// the three downstream queues (server, merge, OCR) each record belongs
// to.
package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/siteremap"
)

// BuildResult holds the three disjoint output lists a single route
// call may produce.
type BuildResult struct {
	ToServer []*record.Record
	ToMerge  []*record.Record
	ToOCR    []*record.Record
}

func (b *BuildResult) stampSendTo(sendTo []string) {
	for _, list := range [][]*record.Record{b.ToServer, b.ToMerge, b.ToOCR} {
		for _, r := range list {
			// Merge-typed records may already carry a _send_to list from
			// an earlier dispatch (the site-remap path relies on this),
			// so it is never overwritten once present.
			if r.DataType == record.TypeMerge && len(r.SendTo) > 0 {
				continue
			}
			r.SendTo = append([]string(nil), sendTo...)
		}
	}
}

// vehicle2KSchema is the fixed positional schema the upstream detector
// emits a vehicle_2k record as: a comma-separated string zipped against
// these keys in order.
var vehicle2KSchema = []string{
	"car_id_2k", "lane", "class", "turn_type_cd", "stop_pass_time",
	"turn_time", "stop_speed", "enter_speed", "image_path_name", "image_file_name",
}

var vehicle4KSchema = []string{
	"car_id_4k", "stop_pass_time", "lane", "class", "image_path_name",
}

var pedSchema = []string{
	"ped_id", "lane", "class", "cross_time", "image_path_name", "image_file_name",
}

// Router dispatches raw payloads by label into structured records. It
// is safe for concurrent use: it holds no mutable state beyond the
// optional site remapper, which is itself read-only after construction.
type Router struct {
	logger  *zap.Logger
	remap   *siteremap.Remapper
	remapOn bool
}

// New constructs a Router. Pass a nil remapper to disable site remap.
func New(logger *zap.Logger, remap *siteremap.Remapper) *Router {
	return &Router{logger: logger, remap: remap, remapOn: remap != nil}
}

// Route translates a raw payload tagged with label into a BuildResult,
// per the fixed label→handler table. Unknown labels and parse failures
// both yield an empty BuildResult and a logged error; Route never
// panics across the receiver boundary.
func (rt *Router) Route(raw []byte, label string, sendTo []string) (result BuildResult) {
	defer func() {
		if p := recover(); p != nil {
			rt.logger.Error("router: panic recovered", zap.String("label", label), zap.Any("panic", p))
			result = BuildResult{}
		}
	}()

	var err error
	switch {
	case label == "vehicle_2k":
		result, err = rt.routeVehicle2K(raw)
	case label == "vehicle_raw_4k":
		result, err = rt.routeVehicleRaw4K(raw)
	case label == "vehicle_4k":
		result, err = rt.routeVehicle4K(raw)
	case label == "ped":
		result, err = rt.routePed(raw)
	case label == "stats":
		result, err = rt.routeGrouped(raw, record.StatsDataType)
	case label == "queue":
		result, err = rt.routeGrouped(raw, record.QueueDataType)
	case label == "incident":
		result, err = rt.routeIncident(raw)
	case label == "sqlite_st":
		result, err = rt.routeSqlite(raw, 11, record.TypeSqliteST)
	case label == "sqlite_lt":
		result, err = rt.routeSqlite(raw, 21, record.TypeSqliteLT)
	case label == "sqlite_rt":
		result, err = rt.routeSqlite(raw, 31, record.TypeSqliteRT)
	case strings.HasPrefix(label, "presence_"):
		result, err = rt.routePresence(raw, label)
	default:
		rt.logger.Error("router: unknown label", zap.String("label", label))
		return BuildResult{}
	}
	if err != nil {
		rt.logger.Error("router: parse failure", zap.String("label", label), zap.Error(err))
		return BuildResult{}
	}
	result.stampSendTo(sendTo)
	return result
}

func splitCSV(raw []byte) []string {
	return strings.Split(strings.TrimRight(string(raw), "\r\n"), ",")
}

func zipSchema(schema []string, fields []string) (*record.Record, error) {
	if len(fields) < len(schema) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(schema), len(fields))
	}
	r := record.New("")
	for i, key := range schema {
		v := fields[i]
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.SetInt(key, n)
		} else if f, err := strconv.ParseFloat(v, 64); err == nil {
			r.SetFloat(key, f)
		} else {
			r.SetString(key, v)
		}
	}
	return r, nil
}

func uniqueKeyPlain2K(r *record.Record) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		r.Get("car_id_2k"), r.Get("stop_pass_time"), r.Get("class"),
		r.Get("lane"), r.Get("turn_time"), r.Get("stop_speed"), r.Get("image_file_name"))
}

func uniqueKeyPlainRaw4K(r *record.Record) string {
	return fmt.Sprintf("%s|%s|%s|%s", r.Get("car_id_4k"), r.Get("stop_pass_time"), r.Get("lane"), r.Get("class"))
}

func (rt *Router) routeVehicle2K(raw []byte) (BuildResult, error) {
	rec, err := zipSchema(vehicle2KSchema, splitCSV(raw))
	if err != nil {
		return BuildResult{}, err
	}
	rec.DataType = record.TypeVehicle2K
	rec.UniqueKeyPlain = uniqueKeyPlain2K(rec)

	seed := rec.Clone()
	seed.DataType = record.TypeMerge
	seed.SetString("car_id", rec.Get("car_id_2k"))
	seed.SetString("plate_detected", "N")

	if rt.remapOn {
		remapped, ok := rt.remap.ApplyToRecord(rec, "turn_type_cd", "lane", "cam_id")
		if ok {
			return BuildResult{
				ToServer: []*record.Record{remapped, seed},
				ToMerge:  []*record.Record{rec.Clone()},
			}, nil
		}
	}
	return BuildResult{
		ToServer: []*record.Record{rec, seed},
		ToMerge:  []*record.Record{rec.Clone()},
	}, nil
}

func (rt *Router) routeVehicleRaw4K(raw []byte) (BuildResult, error) {
	rec, err := zipSchema(vehicle4KSchema, splitCSV(raw))
	if err != nil {
		return BuildResult{}, err
	}
	rec.DataType = record.TypeVehicleRaw4K
	rec.UniqueKeyPlain = uniqueKeyPlainRaw4K(rec)
	return BuildResult{ToOCR: []*record.Record{rec}}, nil
}

func (rt *Router) routeVehicle4K(raw []byte) (BuildResult, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return BuildResult{}, err
	}
	rec := recordFromObject(obj)
	rec.DataType = record.TypeVehicle4K
	rec.UniqueKeyPlain = uniqueKeyPlainRaw4K(rec)
	return BuildResult{
		ToServer: []*record.Record{rec.Clone()},
		ToMerge:  []*record.Record{rec},
	}, nil
}

func (rt *Router) routePed(raw []byte) (BuildResult, error) {
	rec, err := zipSchema(pedSchema, splitCSV(raw))
	if err != nil {
		return BuildResult{}, err
	}
	rec.DataType = record.TypePed
	rec.UniqueKeyPlain = fmt.Sprintf("%s|%s", rec.Get("ped_id"), rec.Get("cross_time"))
	return BuildResult{ToServer: []*record.Record{rec}}, nil
}

// routeGrouped handles both "stats" and "queue" labels: a structured
// object keyed by sub-category name (approach, turn_types, lanes,
// vehicle_types), each sub-value an object or a list of objects.
func (rt *Router) routeGrouped(raw []byte, dataType func(string) record.DataType) (BuildResult, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return BuildResult{}, err
	}
	var out BuildResult
	for name, sub := range obj {
		dt := dataType(name)

		var list []map[string]interface{}
		if err := json.Unmarshal(sub, &list); err == nil {
			for _, item := range list {
				rec := recordFromObject(item)
				rec.DataType = dt
				rec.UniqueKeyPlain = fmt.Sprintf("%s|%d", name, len(out.ToServer))
				out.ToServer = append(out.ToServer, rec)
			}
			continue
		}
		var single map[string]interface{}
		if err := json.Unmarshal(sub, &single); err != nil {
			return BuildResult{}, fmt.Errorf("sub-category %q: %w", name, err)
		}
		rec := recordFromObject(single)
		rec.DataType = dt
		rec.UniqueKeyPlain = fmt.Sprintf("%s|%d", name, len(out.ToServer))
		out.ToServer = append(out.ToServer, rec)
	}
	return out, nil
}

func (rt *Router) routeIncident(raw []byte) (BuildResult, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return BuildResult{}, err
	}
	if len(obj) != 1 {
		return BuildResult{}, fmt.Errorf("incident payload must have exactly one entry, got %d", len(obj))
	}
	var dt record.DataType
	var payload json.RawMessage
	for k, v := range obj {
		switch k {
		case "start":
			dt = record.TypeIncidentStart
		case "end":
			dt = record.TypeIncidentEnd
		default:
			return BuildResult{}, fmt.Errorf("incident payload key must be start or end, got %q", k)
		}
		payload = v
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return BuildResult{}, err
	}
	rec := recordFromObject(fields)
	rec.DataType = dt
	rec.UniqueKeyPlain = fmt.Sprintf("%s|%s", dt, rec.Get("incident_id"))
	return BuildResult{ToServer: []*record.Record{rec}}, nil
}

func (rt *Router) routeSqlite(raw []byte, turnTypeFilter int64, dt record.DataType) (BuildResult, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return BuildResult{}, err
	}
	rec := recordFromObject(obj)
	if rec.GetInt("turn_type_cd") != turnTypeFilter {
		rt.logger.Debug("router: sqlite record filtered by turn_type_cd",
			zap.Int64("turn_type_cd", rec.GetInt("turn_type_cd")),
			zap.Int64("expected", turnTypeFilter))
		return BuildResult{}, nil
	}
	rec.DataType = dt
	rec.UniqueKeyPlain = fmt.Sprintf("%s|%s", dt, rec.Get("stop_pass_time"))
	rec.Prepared = true
	return BuildResult{ToServer: []*record.Record{rec}}, nil
}

func (rt *Router) routePresence(raw []byte, label string) (BuildResult, error) {
	channel := strings.TrimPrefix(label, "presence_")
	v := strings.TrimSpace(string(raw))
	if v != "0" && v != "1" {
		return BuildResult{}, fmt.Errorf("presence payload must be \"0\" or \"1\", got %q", v)
	}
	rec := record.New(record.PresenceDataType(channel))
	state, _ := strconv.ParseInt(v, 10, 64)
	rec.SetInt("presence_state", state)
	rec.UniqueKeyPlain = v
	return BuildResult{ToServer: []*record.Record{rec}}, nil
}

func recordFromObject(obj map[string]interface{}) *record.Record {
	rec := record.New("")
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			rec.SetString(k, val)
		case float64:
			if val == float64(int64(val)) {
				rec.SetInt(k, int64(val))
			} else {
				rec.SetFloat(k, val)
			}
		case bool:
			rec.SetString(k, strconv.FormatBool(val))
		default:
			b, _ := json.Marshal(val)
			rec.SetString(k, string(b))
		}
	}
	return rec
}

// HashUniqueKey derives the final unique_key (SHA-256 of camera_id ‖
// unique_key_plain) once the sender has resolved camera_id. Kept here
// because it shares the positional-schema vocabulary with the router,
// though it is invoked from internal/sender's prepare step.
func HashUniqueKey(cameraID, uniqueKeyPlain string) string {
	sum := sha256.Sum256([]byte(cameraID + uniqueKeyPlain))
	return hex.EncodeToString(sum[:])
}
