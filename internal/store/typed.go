package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetAs loads and decodes a record.
func GetAs[T any](ctx context.Context, s *Store, collection, key string) (T, error) {
	var v T
	rec, err := s.Get(ctx, collection, key)
	if err != nil {
		return v, err
	}
	if err := rec.Decode(&v); err != nil {
		return v, fmt.Errorf("decoding %s/%s: %w", collection, key, err)
	}
	return v, nil
}

// QueryAs runs Query and decodes each match. keep, when non-nil, filters on
// the decoded value.
func QueryAs[T any](ctx context.Context, s *Store, collection, index, value string, keep func(T) bool) ([]T, error) {
	recs, err := s.Query(ctx, collection, index, value, nil)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := rec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", collection, rec.Key, err)
		}
		if keep != nil && !keep(v) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// UpdateAs decodes the record, lets fn mutate it and writes it back in the
// same transaction. fn may return ErrSkipUpdate.
func UpdateAs[T any](ctx context.Context, s *Store, collection, key string, fn func(*T) error) error {
	return s.Update(ctx, collection, key, func(current json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(current, &v); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", collection, key, err)
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		return v, nil
	})
}
