package domain

import (
	"fmt"
	"strings"
	"time"
)

// FailurePolicy selects what FailEdit does with the failed version.
type FailurePolicy int

const (
	// MarkFailed keeps the version with Status error and its message.
	MarkFailed FailurePolicy = iota
	// Retract removes the version from the history.
	Retract
)

func (p FailurePolicy) String() string {
	if p == Retract {
		return "retract"
	}
	return "mark_failed"
}

// EnsureOriginal synthesizes the "original" version for records that have a
// generated image but no history (documents written before versions existed).
// It reports whether the record changed.
func (g *GenerationRecord) EnsureOriginal(now time.Time) bool {
	if len(g.Versions) > 0 || strings.TrimSpace(g.GeneratedImageURL) == "" {
		return false
	}
	created := g.CreatedAt
	if created.IsZero() {
		created = now
	}
	g.Versions = []Version{{
		VersionID: OriginalVersionID,
		ImageURL:  g.GeneratedImageURL,
		Status:    StatusCompleted,
		CreatedAt: created,
		UpdatedAt: created,
	}}
	return true
}

// BeginCreate puts a record that has never produced an image (back) into
// processing. A record that failed earlier may be resubmitted this way.
func (g *GenerationRecord) BeginCreate(now time.Time) error {
	if len(g.Versions) > 0 || g.GeneratedImageURL != "" {
		return ErrAlreadyGenerated
	}
	g.Status = StatusProcessing
	g.Error = ""
	g.UpdatedAt = now
	return nil
}

// CompleteCreate records the first successful image as the original version.
func (g *GenerationRecord) CompleteCreate(imageURL string, now time.Time) error {
	if strings.TrimSpace(imageURL) == "" {
		return ErrEmptyImageURL
	}
	if len(g.Versions) > 0 {
		return ErrVersionsExist
	}
	g.Versions = []Version{{
		VersionID: OriginalVersionID,
		ImageURL:  imageURL,
		Status:    StatusCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	g.GeneratedImageURL = imageURL
	g.Status = StatusCompleted
	g.Error = ""
	g.UpdatedAt = now
	return nil
}

// FailCreate records a document-level failure of the initial generation.
// There is no version to mark: the history stays empty.
func (g *GenerationRecord) FailCreate(msg string, now time.Time) error {
	if len(g.Versions) > 0 {
		return ErrVersionsExist
	}
	g.Status = StatusError
	g.Error = failureMessage(msg)
	g.UpdatedAt = now
	return nil
}

// StartEdit appends a processing version and moves the parent to processing.
//
// A placeholder the client inserted optimistically (same id, processing, no
// image) is adopted rather than duplicated. Any other reuse of an existing id
// is rejected.
func (g *GenerationRecord) StartEdit(versionID, editDescription, sourceImageURL string, now time.Time) error {
	versionID = strings.TrimSpace(versionID)
	if !ValidVersionID(versionID) || versionID == OriginalVersionID {
		return ErrInvalidVersionID
	}
	// Work on a backfilled copy so a rejected edit leaves g untouched.
	w := g.Clone()
	w.EnsureOriginal(now)
	if len(w.Versions) == 0 {
		return ErrNotGenerated
	}
	if other, ok := w.ProcessingVersion(); ok && other != versionID {
		return fmt.Errorf("%w: %s", ErrEditInProgress, other)
	}

	if i := w.FindVersion(versionID); i >= 0 {
		v := &w.Versions[i]
		if v.Status != StatusProcessing || v.ImageURL != "" {
			return ErrDuplicateVersion
		}
		v.EditDescription = editDescription
		v.SourceImageURL = sourceImageURL
		v.Error = ""
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		v.UpdatedAt = now
	} else {
		w.Versions = append(w.Versions, Version{
			VersionID:       versionID,
			Status:          StatusProcessing,
			EditDescription: editDescription,
			SourceImageURL:  sourceImageURL,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	w.Status = StatusProcessing
	w.UpdatedAt = now
	*g = *w
	return nil
}

// CompleteEdit finalizes a processing version with its image and makes it
// the selected image. Repeating an identical completion is a no-op.
func (g *GenerationRecord) CompleteEdit(versionID, imageURL string, now time.Time) error {
	if strings.TrimSpace(imageURL) == "" {
		return ErrEmptyImageURL
	}
	i := g.FindVersion(versionID)
	if i < 0 {
		return ErrVersionNotFound
	}
	v := &g.Versions[i]
	if v.Status == StatusCompleted {
		if v.ImageURL == imageURL && g.GeneratedImageURL == imageURL && g.Status == StatusCompleted {
			return nil
		}
		return ErrVersionFinalized
	}
	if v.Status != StatusProcessing {
		return ErrVersionFinalized
	}
	v.Status = StatusCompleted
	v.ImageURL = imageURL
	v.Error = ""
	v.UpdatedAt = now

	g.GeneratedImageURL = imageURL
	g.Status = StatusCompleted
	g.Error = ""
	g.UpdatedAt = now
	return nil
}

// FailEdit ends a processing version unsuccessfully. The parent always goes
// back to completed: a failed edit never leaves the record in error.
func (g *GenerationRecord) FailEdit(versionID, msg string, policy FailurePolicy, now time.Time) error {
	if versionID == OriginalVersionID {
		return ErrInvalidVersionID
	}
	i := g.FindVersion(versionID)
	if i < 0 {
		return ErrVersionNotFound
	}
	if g.Versions[i].Status == StatusCompleted {
		return ErrVersionFinalized
	}

	switch policy {
	case Retract:
		g.Versions = append(g.Versions[:i], g.Versions[i+1:]...)
	default:
		v := &g.Versions[i]
		v.Status = StatusError
		v.Error = failureMessage(msg)
		v.ImageURL = ""
		v.UpdatedAt = now
	}
	g.Status = StatusCompleted
	g.UpdatedAt = now
	return nil
}

// SelectVersion points GeneratedImageURL at a completed version.
func (g *GenerationRecord) SelectVersion(versionID string, now time.Time) error {
	w := g.Clone()
	w.EnsureOriginal(now)
	i := w.FindVersion(versionID)
	if i < 0 {
		return ErrVersionNotFound
	}
	v := w.Versions[i]
	if !v.Navigable() {
		return ErrVersionNotSelectable
	}
	if w.GeneratedImageURL != v.ImageURL {
		w.GeneratedImageURL = v.ImageURL
		w.UpdatedAt = now
	}
	*g = *w
	return nil
}

// Validate checks the structural invariants of the version history.
func (g *GenerationRecord) Validate() error {
	originals := 0
	seen := make(map[string]struct{}, len(g.Versions))
	for _, v := range g.Versions {
		if _, dup := seen[v.VersionID]; dup {
			return fmt.Errorf("%w: duplicate version %q", ErrInvalidRecord, v.VersionID)
		}
		seen[v.VersionID] = struct{}{}
		if v.VersionID == OriginalVersionID {
			originals++
		}
		if v.Status == StatusProcessing && v.ImageURL != "" {
			return fmt.Errorf("%w: processing version %q has an image", ErrInvalidRecord, v.VersionID)
		}
		if !v.Status.Valid() {
			return fmt.Errorf("%w: version %q has status %q", ErrInvalidRecord, v.VersionID, v.Status)
		}
	}
	if originals > 1 {
		return fmt.Errorf("%w: %d original versions", ErrInvalidRecord, originals)
	}
	return nil
}

func failureMessage(msg string) string {
	if msg = strings.TrimSpace(msg); msg == "" {
		return DefaultFailureMessage
	}
	return msg
}
