package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GetJSON decodes the value at key into a T. A missing key, an empty value
// or a value that does not parse as T all yield fallback with a nil error;
// only transport and API failures are returned.
func GetJSON[T any](ctx context.Context, s Store, namespaceID, key string, fallback T) (T, error) {
	v, _, err := LookupJSON(ctx, s, namespaceID, key, fallback)
	return v, err
}

// LookupJSON is GetJSON that also reports whether a well-formed value was
// found, so callers can self-heal malformed documents.
func LookupJSON[T any](ctx context.Context, s Store, namespaceID, key string, fallback T) (T, bool, error) {
	text, err := s.GetText(ctx, namespaceID, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, false, nil
	}
	if err != nil {
		return fallback, false, err
	}
	if strings.TrimSpace(text) == "" {
		return fallback, false, nil
	}
	var out T
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return fallback, false, nil
	}
	return out, true, nil
}

// PutJSON serializes v and stores it at key.
func PutJSON(ctx context.Context, s Store, namespaceID, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: marshal %s: %w", key, err)
	}
	return s.PutText(ctx, namespaceID, key, string(data))
}
