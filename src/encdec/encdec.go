package encdec

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

func DecodeJSON[T any](data []byte, v *T) error {
	return sonic.Unmarshal(data, v)
}

func EncodeJSON[T any](v *T) ([]byte, error) {
	return sonic.Marshal(v)
}

// EncodeJSONString serializes any value to a JSON string.
func EncodeJSONString(v any) (string, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON: %w", err)
	}
	return string(b), nil
}

// DecodeJSONMap parses a JSON object string into a map.
// An empty or blank input yields an empty map.
func DecodeJSONMap(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]any{}, nil
	}
	var res map[string]any
	if err := sonic.Unmarshal([]byte(s), &res); err != nil {
		return nil, fmt.Errorf("failed to decode JSON object: %w", err)
	}
	return res, nil
}

// MaybeJSON decodes a payload string as JSON when it parses as such,
// otherwise returns the original string untouched.
func MaybeJSON(payload string) any {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return payload
	}
	switch trimmed[0] {
	case '{', '[', '"', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v any
		if err := sonic.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return payload
}
