package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the cache contract shared by the in-process and network
// variants. Get reports a hit flag separately from errors: a miss is not
// an error, and a backend error must never be mistaken for a miss by
// callers that care (the contract resolver does).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Stats() Stats
	Close() error
}

// Stats reports hit/miss counters for the health surface.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// GetJSON fetches a key and unmarshals it into out.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) (bool, error) {
	val, hit, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !hit {
		return false, nil
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}
