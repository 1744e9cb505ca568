// Package services defines the business logic for ad generations: the shared
// create/edit orchestration, record reads and version selection, and the
// stale-record reconciler.
//
// This file centralizes service-level error values. Translation into HTTP
// status codes is performed by the handler layer.
package services

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidRequest wraps every input validation failure. Nothing has
	// been written when it is returned.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrGenerationNotFound indicates that the record does not exist for the
	// given user.
	ErrGenerationNotFound = errors.New("generation not found")

	// ErrBusy is returned when another create or edit of the same record is
	// still running.
	ErrBusy = errors.New("generation is busy")

	// ErrUpstream marks failures reported by the image model.
	ErrUpstream = errors.New("image model failed")

	// ErrStorage marks failures reading source images or uploading results.
	ErrStorage = errors.New("image storage failed")

	// ErrInternal marks unexpected failures, including recovered panics.
	ErrInternal = errors.New("internal error")
)

// FlowError is a create or edit that started, failed, and was reverted. Message
// is the text recorded on the record and shown to the user.
type FlowError struct {
	Kind    error // ErrUpstream, ErrStorage or ErrInternal
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *FlowError) Unwrap() []error { return []error{e.Kind, e.Err} }

const friendlyRejection = "Your request couldn't be processed because it may violate the image model's content policy. Please adjust your description or images and try again."

// FriendlyError rewrites content-policy rejections into a message a user can
// act on. Other messages pass through unchanged.
func FriendlyError(msg string) string {
	low := strings.ToLower(msg)
	for _, marker := range []string{"safety system", "rejected", "not allowed"} {
		if strings.Contains(low, marker) {
			return friendlyRejection
		}
	}
	return msg
}
