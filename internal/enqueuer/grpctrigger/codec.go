package grpctrigger

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errInvalidJSON = errors.New("message is not valid JSON")

// jsonCodec carries JSON documents as gRPC messages, so subscribers need no
// protobuf descriptors.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case json.RawMessage:
		return checkJSON(m)
	case *json.RawMessage:
		return checkJSON(*m)
	case []byte:
		return checkJSON(m)
	default:
		return json.Marshal(v)
	}
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *json.RawMessage:
		b, err := checkJSON(data)
		if err != nil {
			return err
		}
		*m = append((*m)[:0], b...)
		return nil
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", errInvalidJSON, err)
		}
		return nil
	}
}

func checkJSON(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(b) {
		return nil, errInvalidJSON
	}
	return b, nil
}
