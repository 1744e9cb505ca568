// Package observer waits on a generation record until it reaches a terminal
// state. It drives the server-sent events stream and lets callers block on an
// asynchronous generation without polling.
package observer

import (
	"context"
	"errors"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
)

// ErrStreamClosed is returned when the source stops before a terminal state.
var ErrStreamClosed = errors.New("observer: snapshot stream closed")

// Source is the subset of repo.GenerationStore an observer needs.
type Source interface {
	Watch(ctx context.Context, userID, generationID string) (<-chan repo.Snapshot, error)
}

// Outcome is the terminal observation.
type Outcome struct {
	Record *domain.GenerationRecord
	// Status is the record status, or the watched version's status when
	// scoped with ForVersion.
	Status domain.Status
	// Error is the failure message surfaced to the user on StatusError.
	Error string
	// ImageURL is the produced image on StatusCompleted.
	ImageURL string
}

type options struct {
	versionID string
	onUpdate  func(*domain.GenerationRecord)
}

// Option configures Await.
type Option func(*options)

// ForVersion scopes the terminal test to one version. The parent record
// cycles completed -> processing -> completed during an edit, so the record
// status alone cannot tell when that edit finished.
func ForVersion(versionID string) Option {
	return func(o *options) { o.versionID = versionID }
}

// OnUpdate is called with every snapshot, terminal or not.
func OnUpdate(fn func(*domain.GenerationRecord)) Option {
	return func(o *options) { o.onUpdate = fn }
}

// Await subscribes to one record and returns on its first terminal state.
// There is no built-in timeout; bound the wait through ctx.
//
// With ForVersion, a version that has not appeared yet is treated as pending.
// A version that disappears after being seen was retracted and yields
// domain.ErrVersionNotFound.
func Await(ctx context.Context, src Source, userID, generationID string, opts ...Option) (Outcome, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := src.Watch(ctx, userID, generationID)
	if err != nil {
		return Outcome{}, err
	}

	seen := false
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return Outcome{}, err
				}
				return Outcome{}, ErrStreamClosed
			}
			if snap.Err != nil {
				return Outcome{}, snap.Err
			}
			if snap.Record == nil {
				continue
			}
			if o.onUpdate != nil {
				o.onUpdate(snap.Record)
			}
			out, done, err := Evaluate(snap.Record, o.versionID, &seen)
			if done || err != nil {
				return out, err
			}
		}
	}
}

// Evaluate applies the terminal test to one snapshot. seen tracks whether a
// scoped version has been observed before; pass nil when unscoped.
func Evaluate(rec *domain.GenerationRecord, versionID string, seen *bool) (Outcome, bool, error) {
	if versionID == "" {
		out := Outcome{Record: rec, Status: rec.Status}
		switch rec.Status {
		case domain.StatusCompleted:
			out.ImageURL = rec.GeneratedImageURL
		case domain.StatusError:
			out.Error = failureMessage(rec.Error)
		}
		return out, rec.Status.Terminal(), nil
	}

	i := rec.FindVersion(versionID)
	if i < 0 {
		if versionID == domain.OriginalVersionID {
			// The original is implicit until backfilled.
			view := rec.ForDisplay(rec.UpdatedAt)
			if view.FindVersion(versionID) >= 0 {
				return Evaluate(view, versionID, seen)
			}
		}
		if seen != nil && *seen {
			return Outcome{Record: rec}, false, domain.ErrVersionNotFound
		}
		return Outcome{Record: rec, Status: domain.StatusProcessing}, false, nil
	}
	if seen != nil {
		*seen = true
	}
	v := rec.Versions[i]
	out := Outcome{Record: rec, Status: v.Status}
	switch v.Status {
	case domain.StatusCompleted:
		out.ImageURL = v.ImageURL
	case domain.StatusError:
		out.Error = failureMessage(v.Error)
	}
	return out, v.Status.Terminal(), nil
}

func failureMessage(msg string) string {
	if msg == "" {
		return domain.DefaultFailureMessage
	}
	return msg
}
