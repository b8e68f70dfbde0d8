package store

import (
	"encoding/json"
	"fmt"
)

// encodeJSON marshals list-valued columns (features, revoked_jtis,
// allowed_redirect_urls, retired_keys) for TEXT storage. nil encodes as [].
func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func decodeStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return out, nil
}

func decodeRetiredKeys(raw string) ([]RetiredKey, error) {
	if raw == "" {
		return nil, nil
	}
	var out []RetiredKey
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode retired keys: %w", err)
	}
	return out, nil
}
