package rpc

import "encoding/json"

// jsonCodec implements encoding.Codec (via grpc.CallContentSubtype) so
// this sink can call the companion collector without a protoc-generated
// schema — the wire contract lives entirely on the other side of the
// interface, per spec.md §1's "external collaborator" framing.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
