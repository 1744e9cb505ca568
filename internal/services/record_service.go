// Package services – RecordService
//
// RecordService is the read side of generation records plus the small
// user-driven mutations that do not involve the image model: selecting a
// version, navigating between versions, and retracting a failed or stranded
// version during client-side error recovery.
//
// Every record leaves this service in display form: the implicit "original"
// version is backfilled and versions are in display order.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/lock"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
	"github.com/owencairns/ad-generator-sub000/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxPageSize = 100

// RecordService reads and curates generation records.
type RecordService struct {
	Store repo.GenerationStore
	// Locks, when set, keeps Retract from racing a running flow on the same
	// record. Share it with GenerationService.
	Locks lock.Locker
	Now   func() time.Time
}

func (s *RecordService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func requireIDs(ids ...string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: missing identifier", ErrInvalidRequest)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrGenerationNotFound
	}
	return err
}

// Get returns one record in display form.
func (s *RecordService) Get(ctx context.Context, userID, generationID string) (*domain.GenerationRecord, error) {
	tr := otel.Tracer("services/RecordService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("generation.id", generationID),
		),
	)
	defer span.End()

	if err := requireIDs(userID, generationID); err != nil {
		return nil, err
	}
	rec, err := s.Store.Get(ctx, userID, generationID)
	if err != nil {
		return nil, notFound(err)
	}
	return rec.ForDisplay(s.now()), nil
}

// ListPage returns a page of the user's records, newest first, and the total.
// page is 1-based.
func (s *RecordService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.GenerationRecord, int64, error) {
	tr := otel.Tracer("services/RecordService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if err := requireIDs(userID); err != nil {
		return nil, 0, err
	}
	pageSize = utils.Clamp(pageSize, 1, maxPageSize)
	recs, total, err := s.Store.ListByUser(ctx, userID, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	for i := range recs {
		recs[i] = *recs[i].ForDisplay(now)
	}
	return recs, total, nil
}

// Select makes a completed version the record's current image.
func (s *RecordService) Select(ctx context.Context, userID, generationID, versionID string) (*domain.GenerationRecord, error) {
	tr := otel.Tracer("services/RecordService")
	ctx, span := tr.Start(ctx, "Select",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("generation.id", generationID),
			attribute.String("version.id", versionID),
		),
	)
	defer span.End()

	if err := requireIDs(userID, generationID, versionID); err != nil {
		return nil, err
	}
	rec, err := s.Store.Update(ctx, userID, generationID, func(r *domain.GenerationRecord) error {
		return r.SelectVersion(versionID, s.now())
	})
	if err != nil {
		return nil, notFound(err)
	}
	return rec.ForDisplay(s.now()), nil
}

// Adjacent returns the next or previous navigable version in display order,
// wrapping around.
func (s *RecordService) Adjacent(ctx context.Context, userID, generationID, versionID string, dir domain.Direction) (domain.Version, error) {
	rec, err := s.Get(ctx, userID, generationID)
	if err != nil {
		return domain.Version{}, err
	}
	return domain.Adjacent(rec.Versions, versionID, dir)
}

// Retract removes a version that is not completed. It is the recovery path
// for a client whose edit request never reached the image model.
func (s *RecordService) Retract(ctx context.Context, userID, generationID, versionID string) (*domain.GenerationRecord, error) {
	tr := otel.Tracer("services/RecordService")
	ctx, span := tr.Start(ctx, "Retract",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("generation.id", generationID),
			attribute.String("version.id", versionID),
		),
	)
	defer span.End()

	if err := requireIDs(userID, generationID, versionID); err != nil {
		return nil, err
	}
	if s.Locks != nil {
		release, err := s.Locks.TryLock(ctx, userID+"/"+generationID, time.Minute)
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return nil, ErrBusy
			}
			return nil, fmt.Errorf("acquire record lock: %w", err)
		}
		defer release()
	}
	rec, err := s.Store.Update(ctx, userID, generationID, func(r *domain.GenerationRecord) error {
		return r.FailEdit(versionID, "", domain.Retract, s.now())
	})
	if err != nil {
		return nil, notFound(err)
	}
	return rec.ForDisplay(s.now()), nil
}
