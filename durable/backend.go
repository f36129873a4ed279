package durable

import (
	"context"
	"time"

	"github.com/BaSui01/memstore/types"
)

// Backend is the authoritative storage contract. Implementations are
// expected to be safe for concurrent use.
//
// Reads return tombstoned records as-is; mapping a tombstone to NOT_FOUND
// is the caller's concern, because reconciliation needs to see deletions.
type Backend interface {
	// Read returns the record at key, including tombstones.
	// Returns NOT_FOUND when no row exists.
	Read(ctx context.Context, key types.RecordKey) (*types.Record, error)

	// Write upserts the record. A write whose version is lower than the
	// stored version fails with CONFLICT_DETECTED; equal versions are
	// accepted so degraded flushes stay idempotent.
	Write(ctx context.Context, record *types.Record) error

	// Delete replaces the row with a tombstone (status deleted, version
	// bumped, payload dropped). Returns NOT_FOUND when no row exists.
	Delete(ctx context.Context, key types.RecordKey) error

	// List returns records of one kind ordered by most recent update.
	List(ctx context.Context, kind types.RecordKind, limit, offset int) ([]*types.Record, error)

	// ListDegradedCandidates returns rows still carrying the degraded flag
	// that were updated at or after since. Used by reconciliation.
	ListDegradedCandidates(ctx context.Context, since time.Time, limit int) ([]*types.Record, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
