// Package services – Reconciler
//
// A flow that dies between opening a record and closing it (process crash,
// redeploy) leaves the record in processing. Reconciler periodically finds
// such records and fails them the way the flow itself would have: a stranded
// create becomes error, a stranded edit version is marked failed and the
// parent goes back to completed.

package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/lock"
	"github.com/owencairns/ad-generator-sub000/internal/observability"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
)

// StaleMessage is recorded on records failed by the reconciler.
const StaleMessage = "Generation timed out. Please try again."

const (
	defaultStaleAfter = 15 * time.Minute
	defaultSweepBatch = 100
)

var errNotStale = errors.New("record is no longer stale")

// Reconciler fails records stuck in processing.
type Reconciler struct {
	Store repo.GenerationStore
	// Locks, when set, lets the sweep skip records whose flow is still running.
	Locks lock.Locker
	// StaleAfter is how long a record may stay processing. Keep it above the
	// generation flow timeout.
	StaleAfter time.Duration
	Batch      int
	Now        func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Sweep runs one pass and returns how many records it changed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	staleAfter := r.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	cutoff := r.now().Add(-staleAfter)

	recs, err := r.Store.ListStale(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		kind, err := r.reconcile(ctx, &recs[i], cutoff)
		switch {
		case err == nil:
			fixed++
			observability.ObserveReconciled(kind)
			log.Warn().
				Str("user_id", recs[i].UserID).
				Str("generation_id", recs[i].GenerationID).
				Str("kind", kind).
				Msg("reconciled stale generation")
		case errors.Is(err, errNotStale), errors.Is(err, lock.ErrLocked):
		default:
			log.Error().Err(err).
				Str("user_id", recs[i].UserID).
				Str("generation_id", recs[i].GenerationID).
				Msg("reconcile stale generation failed")
		}
	}
	return fixed, nil
}

func (r *Reconciler) reconcile(ctx context.Context, stale *domain.GenerationRecord, cutoff time.Time) (string, error) {
	if r.Locks != nil {
		release, err := r.Locks.TryLock(ctx, stale.UserID+"/"+stale.GenerationID, time.Minute)
		if err != nil {
			return "", err
		}
		defer release()
	}

	var kind string
	_, err := r.Store.Update(ctx, stale.UserID, stale.GenerationID, func(rec *domain.GenerationRecord) error {
		if rec.Status != domain.StatusProcessing || rec.UpdatedAt.After(cutoff) {
			return errNotStale
		}
		now := r.now()
		if vid, ok := rec.ProcessingVersion(); ok {
			kind = "edit"
			return rec.FailEdit(vid, StaleMessage, domain.MarkFailed, now)
		}
		if len(rec.Versions) == 0 && rec.GeneratedImageURL == "" {
			kind = "create"
			return rec.FailCreate(StaleMessage, now)
		}
		// Processing with a finished history: nothing is in flight.
		kind = "repair"
		rec.Status = domain.StatusCompleted
		rec.UpdatedAt = now
		return nil
	})
	return kind, err
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("stale generation sweep failed")
			}
		}
	}
}
