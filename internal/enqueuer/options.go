package enqueuer

import (
	"encoding/json"
	"fmt"
)

// DecodeOptions converts subscription options into T. It accepts T itself, a
// pointer to T, raw JSON (as sent by peers and the manifest loader) or any
// value that marshals to the JSON shape of T.
func DecodeOptions[T any](opts any) (T, error) {
	var out T
	switch v := opts.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return out, fmt.Errorf("%w: nil options", ErrInvalidOptions)
		}
		return *v, nil
	case nil:
		return out, nil
	case json.RawMessage:
		return decodeJSON[T](v)
	case []byte:
		return decodeJSON[T](v)
	}

	raw, err := json.Marshal(opts)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return decodeJSON[T](raw)
}

func decodeJSON[T any](raw []byte) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return out, nil
}
