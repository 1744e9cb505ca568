// Package domain defines the generation record, its version history, and the
// deterministic state transitions applied to them. Nothing here performs I/O:
// every transition takes the current time explicitly so callers (and tests)
// control timestamps.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a generation record or of a single version.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether observers should stop waiting on s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// OriginalVersionID identifies the first successful generation of a record.
const OriginalVersionID = "original"

// versionIDPattern bounds version ids to characters that are safe inside an
// object key.
var versionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidVersionID reports whether id can name a version. The id becomes part
// of the stored image's key, so separators and dots are refused.
func ValidVersionID(id string) bool {
	return versionIDPattern.MatchString(id)
}

// DefaultFailureMessage is recorded when a failure arrives without a message.
const DefaultFailureMessage = "image generation failed"

// Version is one entry of a record's edit history.
//
// A version in StatusProcessing never carries an ImageURL. Error is set only
// when Status is StatusError.
type Version struct {
	VersionID       string    `json:"versionId"                 firestore:"versionId"`
	ImageURL        string    `json:"imageUrl,omitempty"        firestore:"imageUrl,omitempty"`
	Status          Status    `json:"status"                    firestore:"status"`
	EditDescription string    `json:"editDescription,omitempty" firestore:"editDescription,omitempty"`
	SourceImageURL  string    `json:"sourceImageUrl,omitempty"  firestore:"sourceImageUrl,omitempty"`
	Error           string    `json:"error,omitempty"           firestore:"error,omitempty"`
	CreatedAt       time.Time `json:"createdAt"                 firestore:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"                 firestore:"updatedAt"`
}

// Navigable reports whether previous/next navigation may land on v.
func (v Version) Navigable() bool {
	return v.Status == StatusCompleted && strings.TrimSpace(v.ImageURL) != ""
}

// TextOverlay carries the optional copy rendered onto the ad.
type TextOverlay struct {
	Headline     string `json:"headline,omitempty"     firestore:"headline,omitempty"`
	Subheadline  string `json:"subheadline,omitempty"  firestore:"subheadline,omitempty"`
	CallToAction string `json:"callToAction,omitempty" firestore:"callToAction,omitempty"`
	Position     string `json:"position,omitempty"     firestore:"position,omitempty"`
}

// Empty reports whether the overlay has no text to render.
func (t *TextOverlay) Empty() bool {
	return t == nil ||
		strings.TrimSpace(t.Headline) == "" &&
			strings.TrimSpace(t.Subheadline) == "" &&
			strings.TrimSpace(t.CallToAction) == ""
}

// GenerationRecord is one ad generation, keyed by (UserID, GenerationID).
//
// GeneratedImageURL always mirrors the version the user most recently created
// or selected, which is not necessarily the newest one.
type GenerationRecord struct {
	UserID               string       `json:"userId"                         firestore:"userId"`
	GenerationID         string       `json:"generationId"                   firestore:"generationId,omitempty"`
	Status               Status       `json:"status"                         firestore:"status"`
	Prompt               string       `json:"prompt,omitempty"               firestore:"prompt,omitempty"`
	Description          string       `json:"description,omitempty"          firestore:"description,omitempty"`
	ProductDescription   string       `json:"productDescription,omitempty"   firestore:"productDescription,omitempty"`
	Template             string       `json:"template,omitempty"             firestore:"template,omitempty"`
	Style                string       `json:"style,omitempty"                firestore:"style,omitempty"`
	AspectRatio          string       `json:"aspectRatio,omitempty"          firestore:"aspectRatio,omitempty"`
	TextInfo             *TextOverlay `json:"textInfo,omitempty"             firestore:"textInfo,omitempty"`
	ProductImageURLs     []string     `json:"productImageUrls,omitempty"     firestore:"productImageUrls,omitempty"`
	InspirationImageURLs []string     `json:"inspirationImageUrls,omitempty" firestore:"inspirationImageUrls,omitempty"`
	GeneratedImageURL    string       `json:"generatedImageUrl,omitempty"    firestore:"generatedImageUrl,omitempty"`
	Error                string       `json:"error,omitempty"                firestore:"error,omitempty"`
	Versions             []Version    `json:"versions"                       firestore:"versions"`
	CreatedAt            time.Time    `json:"createdAt"                      firestore:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"                      firestore:"updatedAt"`
}

// FindVersion returns the index of versionID in Versions, or -1.
func (g *GenerationRecord) FindVersion(versionID string) int {
	for i := range g.Versions {
		if g.Versions[i].VersionID == versionID {
			return i
		}
	}
	return -1
}

// ProcessingVersion returns the id of the in-flight edit, if any.
func (g *GenerationRecord) ProcessingVersion() (string, bool) {
	for _, v := range g.Versions {
		if v.Status == StatusProcessing {
			return v.VersionID, true
		}
	}
	return "", false
}

// Clone returns a deep copy of g.
func (g *GenerationRecord) Clone() *GenerationRecord {
	if g == nil {
		return nil
	}
	out := *g
	if g.TextInfo != nil {
		ti := *g.TextInfo
		out.TextInfo = &ti
	}
	out.ProductImageURLs = append([]string(nil), g.ProductImageURLs...)
	out.InspirationImageURLs = append([]string(nil), g.InspirationImageURLs...)
	out.Versions = append([]Version(nil), g.Versions...)
	return &out
}

// ForDisplay returns a copy with the implicit original backfilled and the
// versions in display order.
func (g *GenerationRecord) ForDisplay(now time.Time) *GenerationRecord {
	out := g.Clone()
	out.EnsureOriginal(now)
	out.Versions = DisplayOrder(out.Versions)
	return out
}
