package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
)

const (
	generationsCollection = "generations"
	itemsCollection       = "items"
)

// FirestoreStore is a GenerationStore over the documents at
// generations/{userId}/items/{generationId}.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an initialized Firestore client. The caller owns
// the client lifecycle.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) items(userID string) *firestore.CollectionRef {
	return s.client.Collection(generationsCollection).Doc(userID).Collection(itemsCollection)
}

func (s *FirestoreStore) doc(userID, generationID string) *firestore.DocumentRef {
	return s.items(userID).Doc(generationID)
}

// decodeSnapshot fills the key fields from the document path, since
// client-written documents do not always carry them.
func decodeSnapshot(snap *firestore.DocumentSnapshot) (*domain.GenerationRecord, error) {
	var rec domain.GenerationRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", snap.Ref.Path, err)
	}
	rec.GenerationID = snap.Ref.ID
	if parent := snap.Ref.Parent.Parent; parent != nil && rec.UserID == "" {
		rec.UserID = parent.ID
	}
	return &rec, nil
}

func mapFirestoreErr(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return ErrNotFound
	case codes.AlreadyExists:
		return ErrExists
	}
	return err
}

// Get implements GenerationStore.
func (s *FirestoreStore) Get(ctx context.Context, userID, generationID string) (*domain.GenerationRecord, error) {
	snap, err := s.doc(userID, generationID).Get(ctx)
	if err != nil {
		return nil, mapFirestoreErr(err)
	}
	return decodeSnapshot(snap)
}

// Create implements GenerationStore.
func (s *FirestoreStore) Create(ctx context.Context, rec *domain.GenerationRecord) error {
	if rec.Versions == nil {
		rec.Versions = []domain.Version{}
	}
	if _, err := s.doc(rec.UserID, rec.GenerationID).Create(ctx, rec); err != nil {
		return mapFirestoreErr(err)
	}
	return nil
}

// Update implements GenerationStore inside a Firestore transaction, so a
// concurrent writer to the same document forces a retry instead of a lost
// update. Only the fields owned by the state machine are written; fields the
// client wrote are left untouched.
func (s *FirestoreStore) Update(ctx context.Context, userID, generationID string, mutate Mutator) (*domain.GenerationRecord, error) {
	ref := s.doc(userID, generationID)
	var out *domain.GenerationRecord
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return mapFirestoreErr(err)
		}
		rec, err := decodeSnapshot(snap)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		out = rec
		return tx.Update(ref, stateUpdates(rec))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func stateUpdates(rec *domain.GenerationRecord) []firestore.Update {
	versions := rec.Versions
	if versions == nil {
		versions = []domain.Version{}
	}
	ups := []firestore.Update{
		{Path: "status", Value: string(rec.Status)},
		{Path: "versions", Value: versions},
		{Path: "generatedImageUrl", Value: orDelete(rec.GeneratedImageURL)},
		{Path: "error", Value: orDelete(rec.Error)},
		{Path: "updatedAt", Value: rec.UpdatedAt},
	}
	// The prompt is set once a create completes and never cleared.
	if rec.Prompt != "" {
		ups = append(ups, firestore.Update{Path: "prompt", Value: rec.Prompt})
	}
	return ups
}

// orDelete removes the field instead of storing an empty string.
func orDelete(v string) any {
	if v == "" {
		return firestore.Delete
	}
	return v
}

// ListByUser implements GenerationStore.
func (s *FirestoreStore) ListByUser(ctx context.Context, userID string, offset, limit int) ([]domain.GenerationRecord, int64, error) {
	agg, err := s.items(userID).NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count generations: %w", err)
	}
	var total int64
	if v, ok := agg["all"].(*firestorepb.Value); ok {
		total = v.GetIntegerValue()
	}
	if total == 0 {
		return []domain.GenerationRecord{}, 0, nil
	}

	it := s.items(userID).OrderBy("createdAt", firestore.Desc).Offset(offset).Limit(limit).Documents(ctx)
	out, err := collect(it, limit)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListStale implements GenerationStore with a collection-group query across
// every user's items.
func (s *FirestoreStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.GenerationRecord, error) {
	it := s.client.CollectionGroup(itemsCollection).
		Where("status", "==", string(domain.StatusProcessing)).
		Where("updatedAt", "<", cutoff).
		Limit(limit).
		Documents(ctx)
	return collect(it, limit)
}

func collect(it *firestore.DocumentIterator, capHint int) ([]domain.GenerationRecord, error) {
	defer it.Stop()
	out := make([]domain.GenerationRecord, 0, capHint)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
}

// Watch implements GenerationStore with a realtime snapshot listener.
func (s *FirestoreStore) Watch(ctx context.Context, userID, generationID string) (<-chan Snapshot, error) {
	it := s.doc(userID, generationID).Snapshots(ctx)
	ch := make(chan Snapshot, 1)
	go func() {
		defer close(ch)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
					return
				}
				sendSnapshot(ctx, ch, Snapshot{Err: err})
				return
			}
			if !snap.Exists() {
				sendSnapshot(ctx, ch, Snapshot{Err: ErrNotFound})
				return
			}
			rec, err := decodeSnapshot(snap)
			if err != nil {
				sendSnapshot(ctx, ch, Snapshot{Err: err})
				return
			}
			if !sendSnapshot(ctx, ch, Snapshot{Record: rec}) {
				return
			}
		}
	}()
	return ch, nil
}
