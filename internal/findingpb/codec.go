package findingpb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as the gRPC content-subtype so both client and
// server negotiate plain JSON marshalling instead of protobuf wire encoding.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshalling messages with
// encoding/json. It is registered under the "json" content-subtype; dialing
// with grpc.CallContentSubtype("json") (done by [NewFindingServiceClient])
// selects it for every call on the connection.
type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("findingpb: json marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("findingpb: json unmarshal: %w", err)
	}
	return nil
}
