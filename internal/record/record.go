// Package record implements the flat key→value record shape shared by
// every stage of the pipeline (router, merger, OCR stage, sender, spool).
package record

import "fmt"

// DataType is the closed enumeration a record is tagged with.
type DataType string

const (
	TypeVehicle2K     DataType = "vehicle_2k"
	TypeVehicle4K     DataType = "vehicle_4k"
	TypeVehicleRaw4K  DataType = "vehicle_raw_4k"
	TypeMerge         DataType = "merge"
	TypePed           DataType = "ped"
	TypeIncidentStart DataType = "incident_start"
	TypeIncidentEnd   DataType = "incident_end"
	TypeSqliteST      DataType = "sqlite_st"
	TypeSqliteLT      DataType = "sqlite_lt"
	TypeSqliteRT      DataType = "sqlite_rt"
)

// StatsDataType builds a "{name}_stats" data type, e.g. "approach_stats".
func StatsDataType(name string) DataType { return DataType(name + "_stats") }

// QueueDataType builds a "{name}_queue" data type, e.g. "lanes_queue".
func QueueDataType(name string) DataType { return DataType(name + "_queue") }

// PresenceDataType builds a "presence_{channel}" data type.
func PresenceDataType(channel string) DataType { return DataType("presence_" + channel) }

// Null is the sentinel string returned for any key absent from a record.
const Null = "NULL"

// Value is the closed set of types a record field may hold.
type Value struct {
	s   string
	i   int64
	f   float64
	b   []byte
	typ valueType
}

type valueType int

const (
	typeNone valueType = iota
	typeString
	typeInt
	typeFloat
	typeBytes
)

func StringValue(s string) Value { return Value{s: s, typ: typeString} }
func IntValue(i int64) Value     { return Value{i: i, typ: typeInt} }
func FloatValue(f float64) Value { return Value{f: f, typ: typeFloat} }
func BytesValue(b []byte) Value  { return Value{b: b, typ: typeBytes} }

// String renders the value the way every downstream formatter expects:
// CSV fields, SQL literals, and JSON publishes all want the same textual
// form, so this is the one conversion function the rest of the system
// calls.
func (v Value) String() string {
	switch v.typ {
	case typeString:
		return v.s
	case typeInt:
		return fmt.Sprintf("%d", v.i)
	case typeFloat:
		return fmt.Sprintf("%g", v.f)
	case typeBytes:
		return fmt.Sprintf("<%d bytes>", len(v.b))
	default:
		return Null
	}
}

// Record is the flat key→value mapping described in spec §3. Keys are
// drawn from a fixed well-known set; missing keys read as Null so that
// downstream formatters never fail on optional fields.
type Record struct {
	DataType       DataType
	UniqueKeyPlain string
	UniqueKey      string
	ObjectID       string

	ImagePathName      string
	ImageFileName      string
	CarImageFileName   string
	PlateImageFileName string
	ImageBytes4K       []byte
	ImageBytesPlate4K  []byte

	SentTo   map[string]bool
	SendTo   []string
	Prepared bool

	fields map[string]Value
}

// New returns an empty record of the given data type.
func New(dt DataType) *Record {
	return &Record{DataType: dt, fields: make(map[string]Value)}
}

// Clone performs a deep copy: the merger and router both rely on being
// able to mutate a copy without corrupting the record still in flight
// elsewhere (spec §3 "merge records are new clones of 2K").
func (r *Record) Clone() *Record {
	cp := &Record{
		DataType:           r.DataType,
		UniqueKeyPlain:     r.UniqueKeyPlain,
		UniqueKey:          r.UniqueKey,
		ObjectID:           r.ObjectID,
		ImagePathName:      r.ImagePathName,
		ImageFileName:      r.ImageFileName,
		CarImageFileName:   r.CarImageFileName,
		PlateImageFileName: r.PlateImageFileName,
		Prepared:           r.Prepared,
		fields:             make(map[string]Value, len(r.fields)),
	}
	for k, v := range r.fields {
		cp.fields[k] = v
	}
	if r.SentTo != nil {
		cp.SentTo = make(map[string]bool, len(r.SentTo))
		for k, v := range r.SentTo {
			cp.SentTo[k] = v
		}
	}
	if r.SendTo != nil {
		cp.SendTo = append([]string(nil), r.SendTo...)
	}
	if r.ImageBytes4K != nil {
		cp.ImageBytes4K = append([]byte(nil), r.ImageBytes4K...)
	}
	if r.ImageBytesPlate4K != nil {
		cp.ImageBytesPlate4K = append([]byte(nil), r.ImageBytesPlate4K...)
	}
	return cp
}

// Set stores a field value under key.
func (r *Record) Set(key string, v Value) {
	if r.fields == nil {
		r.fields = make(map[string]Value)
	}
	r.fields[key] = v
}

func (r *Record) SetString(key, v string)        { r.Set(key, StringValue(v)) }
func (r *Record) SetInt(key string, v int64)     { r.Set(key, IntValue(v)) }
func (r *Record) SetFloat(key string, v float64) { r.Set(key, FloatValue(v)) }

// Get returns the literal string "NULL" for any key this record does not
// carry — the cross-cutting accessor contract described in spec §3 that
// every downstream formatter relies on.
func (r *Record) Get(key string) string {
	v, ok := r.fields[key]
	if !ok {
		return Null
	}
	return v.String()
}

// GetInt returns 0 for an absent or non-numeric key.
func (r *Record) GetInt(key string) int64 {
	v, ok := r.fields[key]
	if !ok || v.typ != typeInt {
		return 0
	}
	return v.i
}

// GetFloat returns 0 for an absent or non-numeric key.
func (r *Record) GetFloat(key string) float64 {
	v, ok := r.fields[key]
	if !ok {
		return 0
	}
	if v.typ == typeFloat {
		return v.f
	}
	if v.typ == typeInt {
		return float64(v.i)
	}
	return 0
}

// Has reports whether key was explicitly set on this record.
func (r *Record) Has(key string) bool {
	_, ok := r.fields[key]
	return ok
}

// Fields returns the raw field map for serialization (spool payloads,
// JSON publishes). Callers must not mutate the returned map.
func (r *Record) Fields() map[string]Value { return r.fields }

// MarkSentTo sets SentTo[dest] = true. Once true, a destination is never
// reset within the lifetime of a record instance (spec §3 invariant).
func (r *Record) MarkSentTo(dest string) {
	if r.SentTo == nil {
		r.SentTo = make(map[string]bool)
	}
	r.SentTo[dest] = true
}

// AllSent reports whether every permitted destination has sent_to=true.
func (r *Record) AllSent() bool {
	for _, d := range r.SendTo {
		if !r.SentTo[d] {
			return false
		}
	}
	return true
}
