// Package repo implements persistence for generation records and the
// idempotency ledger.
//
// Two GenerationStore implementations exist:
//   - FirestoreStore, the production store, reading and writing the documents
//     at generations/{userId}/items/{generationId};
//   - SQLStore, a GORM/SQLite store for local development and tests.
//
// Every mutation goes through Update, which loads the record, applies a
// caller-supplied transition, validates the result, and writes it back as a
// single atomic step. Callers never write partial state.
//
// Error semantics:
//   - A missing record is reported as ErrNotFound.
//   - Create on an existing key is reported as ErrExists.
//   - Errors returned by the mutate callback are passed through unchanged, so
//     services can match domain sentinels with errors.Is.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound so GORM lookups need no translation.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrExists is returned by Create when the record key is already taken.
var ErrExists = errors.New("record already exists")

// Mutator applies one state transition to a loaded record. Returning an
// error aborts the write.
type Mutator func(rec *domain.GenerationRecord) error

// Snapshot is one observation delivered by Watch. Err is set when the stream
// ends abnormally; the channel is closed right after.
type Snapshot struct {
	Record *domain.GenerationRecord
	Err    error
}

// GenerationStore persists generation records.
//
// Implementations must be safe for concurrent use and honor ctx.
type GenerationStore interface {
	// Get loads one record.
	Get(ctx context.Context, userID, generationID string) (*domain.GenerationRecord, error)
	// Create inserts a new record.
	Create(ctx context.Context, rec *domain.GenerationRecord) error
	// Update runs mutate against the current record and persists the result
	// atomically. The written record is returned.
	Update(ctx context.Context, userID, generationID string, mutate Mutator) (*domain.GenerationRecord, error)
	// ListByUser returns a page of a user's records, newest first, and the total.
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]domain.GenerationRecord, int64, error)
	// ListStale returns records still processing whose last update is older
	// than cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.GenerationRecord, error)
	// Watch streams snapshots of one record until ctx is done. The first
	// snapshot reflects the current state.
	Watch(ctx context.Context, userID, generationID string) (<-chan Snapshot, error)
}

// sendSnapshot delivers s unless ctx is done first.
func sendSnapshot(ctx context.Context, ch chan<- Snapshot, s Snapshot) bool {
	select {
	case ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
