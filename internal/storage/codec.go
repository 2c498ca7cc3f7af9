package storage

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EncodeHeaders renders headers as the JSON object both backends persist.
func EncodeHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return nil, errors.Wrap(err, "encode headers")
	}
	return raw, nil
}

// DecodeHeaders parses a persisted header object. Empty input yields nil.
func DecodeHeaders(raw []byte) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, errors.Wrap(err, "decode headers")
	}
	return headers, nil
}

// CloneHeaders copies headers so callers can mutate their map after insert.
func CloneHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// NewToken returns a fresh lease or dispatch token.
func NewToken() string {
	return uuid.NewString()
}
