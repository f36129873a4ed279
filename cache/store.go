// Package cache provides the bounded, low-latency cache tier for records.
//
// Two implementations share one interface: Local, an in-process sharded
// LRU+TTL store, and Redis, a shared remote tier for deployments with more
// than one worker process. The sync coordinator only ever sees the Store
// interface.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/memstore/types"
)

// ErrCacheMiss is returned by Get when no live entry exists for the key.
var ErrCacheMiss = errors.New("cache miss")

// Store is the cache tier contract.
//
// The implementation set is closed on purpose: swappable backends are a
// small sealed surface, not open-ended dynamic dispatch.
type Store interface {
	// Get returns the record at key, or ErrCacheMiss. A hit refreshes the
	// entry's LRU position but never extends its expiry.
	Get(ctx context.Context, key types.RecordKey) (*types.Record, error)

	// Put inserts or replaces the record with the given TTL (0 means the
	// store's default). Replacing resets the expiry.
	Put(ctx context.Context, record *types.Record, ttl time.Duration) error

	// Invalidate removes the entry at key. Removing a missing key is not an
	// error.
	Invalidate(ctx context.Context, key types.RecordKey) error

	// Keys returns the keys of all live entries. Used by reconciliation.
	Keys(ctx context.Context) ([]types.RecordKey, error)

	// Len returns the number of live entries.
	Len() int

	// Stats returns counters accumulated since construction.
	Stats() Stats

	// Close releases background resources. The store is unusable afterwards.
	Close() error
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Entries     int    `json:"entries"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// parseRecordKey parses the "kind/id" form produced by RecordKey.String.
func parseRecordKey(raw string) (types.RecordKey, error) {
	kind, idPart, ok := strings.Cut(raw, "/")
	if !ok {
		return types.RecordKey{}, errors.New("malformed record key: " + raw)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return types.RecordKey{}, err
	}
	return types.RecordKey{Kind: types.RecordKind(kind), ID: id}, nil
}
