package driverclient

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is the content subtype registered with the grpc encoding
// package. The driver daemon's wire format is enumerated (not generated
// by protoc) as plain request/response structs, so messages travel as
// JSON over a standard grpc transport rather than protobuf.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
