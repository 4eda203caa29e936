package remote

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// The runner is a Python process without generated stubs on either side, so
// both ends frame messages as JSON. Selected per call via
// grpc.CallContentSubtype(codecName).
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
