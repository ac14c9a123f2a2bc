package record

import "encoding/json"

// wireValue is the JSON-safe projection of Value used for spool payloads.
type wireValue struct {
	Type string  `json:"type"`
	S    string  `json:"s,omitempty"`
	I    int64   `json:"i,omitempty"`
	F    float64 `json:"f,omitempty"`
	B    []byte  `json:"b,omitempty"`
}

type wireRecord struct {
	DataType           DataType             `json:"data_type"`
	UniqueKeyPlain     string               `json:"unique_key_plain"`
	UniqueKey          string               `json:"unique_key"`
	ObjectID           string               `json:"object_id,omitempty"`
	ImagePathName      string               `json:"image_path_name,omitempty"`
	ImageFileName      string               `json:"image_file_name,omitempty"`
	CarImageFileName   string               `json:"car_image_file_name,omitempty"`
	PlateImageFileName string               `json:"plate_image_file_name,omitempty"`
	ImageBytes4K       []byte               `json:"image_bytes_4k,omitempty"`
	ImageBytesPlate4K  []byte               `json:"image_bytes_plate_4k,omitempty"`
	SentTo             map[string]bool      `json:"sent_to,omitempty"`
	SendTo             []string             `json:"send_to,omitempty"`
	Prepared           bool                 `json:"prepared"`
	Fields             map[string]wireValue `json:"fields"`
}

// Marshal serializes a full record snapshot: every key and value,
// byte-identically recoverable, per spec §8 property 6 (spool
// recoverability).
func Marshal(r *Record) ([]byte, error) {
	w := wireRecord{
		DataType:           r.DataType,
		UniqueKeyPlain:     r.UniqueKeyPlain,
		UniqueKey:          r.UniqueKey,
		ObjectID:           r.ObjectID,
		ImagePathName:      r.ImagePathName,
		ImageFileName:      r.ImageFileName,
		CarImageFileName:   r.CarImageFileName,
		PlateImageFileName: r.PlateImageFileName,
		ImageBytes4K:       r.ImageBytes4K,
		ImageBytesPlate4K:  r.ImageBytesPlate4K,
		SentTo:             r.SentTo,
		SendTo:             r.SendTo,
		Prepared:           r.Prepared,
		Fields:             make(map[string]wireValue, len(r.fields)),
	}
	for k, v := range r.fields {
		switch v.typ {
		case typeString:
			w.Fields[k] = wireValue{Type: "s", S: v.s}
		case typeInt:
			w.Fields[k] = wireValue{Type: "i", I: v.i}
		case typeFloat:
			w.Fields[k] = wireValue{Type: "f", F: v.f}
		case typeBytes:
			w.Fields[k] = wireValue{Type: "b", B: v.b}
		}
	}
	return json.Marshal(w)
}

// Unmarshal deserializes a spool payload back into a Record, recovering
// data_type and unique_key_plain as required by spec §3.
func Unmarshal(data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	r := &Record{
		DataType:           w.DataType,
		UniqueKeyPlain:     w.UniqueKeyPlain,
		UniqueKey:          w.UniqueKey,
		ObjectID:           w.ObjectID,
		ImagePathName:      w.ImagePathName,
		ImageFileName:      w.ImageFileName,
		CarImageFileName:   w.CarImageFileName,
		PlateImageFileName: w.PlateImageFileName,
		ImageBytes4K:       w.ImageBytes4K,
		ImageBytesPlate4K:  w.ImageBytesPlate4K,
		SentTo:             w.SentTo,
		SendTo:             w.SendTo,
		Prepared:           w.Prepared,
		fields:             make(map[string]Value, len(w.Fields)),
	}
	for k, v := range w.Fields {
		switch v.Type {
		case "s":
			r.fields[k] = StringValue(v.S)
		case "i":
			r.fields[k] = IntValue(v.I)
		case "f":
			r.fields[k] = FloatValue(v.F)
		case "b":
			r.fields[k] = BytesValue(v.B)
		}
	}
	return r, nil
}
