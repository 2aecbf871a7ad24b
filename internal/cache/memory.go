package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is the in-process cache variant: an LRU bounded by entry count,
// with a per-entry TTL checked on read. Expired entries count as misses.
type Memory struct {
	lru *lru.Cache[string, memEntry]

	hits   uint64
	misses uint64
}

// NewMemory creates an in-process cache holding at most size entries.
func NewMemory(size int) (*Memory, error) {
	c, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, err
	}
	log.WithField("size", size).Info("In-process cache initialized")
	return &Memory{lru: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	entry, ok := m.lru.Get(key)
	if !ok {
		atomic.AddUint64(&m.misses, 1)
		return "", false, nil
	}
	if time.Now().After(entry.expiresAt) {
		m.lru.Remove(key)
		atomic.AddUint64(&m.misses, 1)
		return "", false, nil
	}
	atomic.AddUint64(&m.hits, 1)
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.lru.Add(key, memEntry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *Memory) Stats() Stats {
	hits := atomic.LoadUint64(&m.hits)
	misses := atomic.LoadUint64(&m.misses)
	return Stats{Hits: hits, Misses: misses, HitRate: hitRate(hits, misses)}
}

func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}
