package types

import (
	"time"

	"github.com/google/uuid"
)

// RecordKind identifies the domain table a record belongs to.
// IDs are unique per kind, not globally.
type RecordKind string

const (
	// KindEpisode is an episodic task history entry.
	KindEpisode RecordKind = "episode"

	// KindPattern is a derived pattern extracted from episodes.
	KindPattern RecordKind = "pattern"

	// KindHeuristic is a learned heuristic derived from patterns.
	KindHeuristic RecordKind = "heuristic"
)

// Valid reports whether the kind is one of the known record kinds.
func (k RecordKind) Valid() bool {
	switch k {
	case KindEpisode, KindPattern, KindHeuristic:
		return true
	}
	return false
}

// RecordStatus is the lifecycle state of a record.
type RecordStatus string

const (
	// StatusInProgress marks a record that is still being written to by its
	// owner. Conflicts on in-progress records resolve by latest timestamp.
	StatusInProgress RecordStatus = "in_progress"

	// StatusCompleted marks a finalized record. The durable backend is
	// authoritative for completed records.
	StatusCompleted RecordStatus = "completed"

	// StatusDeleted is a tombstone. Deleted records stay in the durable
	// backend so reconciliation can propagate the deletion to caches.
	StatusDeleted RecordStatus = "deleted"
)

// Valid reports whether the status is one of the known record statuses.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

// MaxPayloadBytes is the largest payload accepted by Validate.
// Oversized payloads are a fatal validation error, never retried.
const MaxPayloadBytes = 4 << 20 // 4 MiB

// Record is the unit of persistence. The payload is opaque to the storage
// layer; version is a monotonic counter that never decreases for a given
// (kind, id) within one backend.
type Record struct {
	ID        uuid.UUID    `json:"id"`
	Kind      RecordKind   `json:"kind"`
	Version   int64        `json:"version"`
	Status    RecordStatus `json:"status"`
	Payload   []byte       `json:"payload"`
	UpdatedAt time.Time    `json:"updated_at"`

	// Degraded is set when the record was accepted into the cache while the
	// durable backend was unreachable. Cleared by reconciliation.
	Degraded bool `json:"degraded,omitempty"`
}

// NewRecord creates an in-progress record at version 1 with a fresh ID.
func NewRecord(kind RecordKind, payload []byte) *Record {
	return &Record{
		ID:        uuid.New(),
		Kind:      kind,
		Version:   1,
		Status:    StatusInProgress,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}
}

// Key returns the (kind, id) address of the record.
func (r *Record) Key() RecordKey {
	return RecordKey{Kind: r.Kind, ID: r.ID}
}

// Clone returns a deep copy. The storage layers hand out clones so callers
// can never mutate a cached record in place.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = make([]byte, len(r.Payload))
		copy(cp.Payload, r.Payload)
	}
	return &cp
}

// Validate checks the record is well formed. Violations surface as
// VALIDATION_ERROR, which is fatal and never retried.
func (r *Record) Validate() error {
	if r == nil {
		return NewError(ErrValidation, "record is nil")
	}
	if r.ID == uuid.Nil {
		return NewError(ErrValidation, "record id is empty")
	}
	if !r.Kind.Valid() {
		return NewError(ErrValidation, "unknown record kind: "+string(r.Kind))
	}
	if !r.Status.Valid() {
		return NewError(ErrValidation, "unknown record status: "+string(r.Status))
	}
	if r.Version <= 0 {
		return NewError(ErrValidation, "record version must be positive")
	}
	if len(r.Payload) > MaxPayloadBytes {
		return NewError(ErrValidation, "payload exceeds maximum size")
	}
	return nil
}

// RecordKey addresses a record by (kind, id).
type RecordKey struct {
	Kind RecordKind
	ID   uuid.UUID
}

// String renders the key as "kind/id", the form used for cache keys and
// per-id lock striping.
func (k RecordKey) String() string {
	return string(k.Kind) + "/" + k.ID.String()
}
