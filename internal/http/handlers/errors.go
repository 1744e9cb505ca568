// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes the symbolic error codes and the translation of
// service and domain errors into an HTTP status, a code, and a message
// (via the `fail()` helper in this package). Codes give clients a stable,
// machine-readable taxonomy next to the human-readable message.
//
// Status mapping:
//   - 400 validation errors; nothing was written.
//   - 404 the record or version does not exist.
//   - 409 the record is busy or not in a state that allows the action.
//   - 500 image model, storage, and unexpected failures. The record has
//     already been reverted and the message is the one recorded on it.
//   - 503 the chat model is not configured.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "upstream_failed",
//	  "message": "Your request couldn't be processed ...",
//	  "data": { "error": "Your request couldn't be processed ..." }
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/owencairns/ad-generator-sub000/internal/brainstorm"
	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
	"github.com/owencairns/ad-generator-sub000/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeBusy             = "generation_busy"
	ErrCodeUpstreamFailed   = "upstream_failed"
	ErrCodeStorageFailed    = "storage_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeChatUnavailable  = "chat_unavailable"
	ErrCodeChatFailed       = "chat_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

const msgInternal = "An unexpected error occurred. Please try again."

// failErr renders err in the error envelope with its mapped status and code.
func failErr(c *gin.Context, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	fail(c, status, code, msg)
}

// classify maps an error to (status, code, message).
func classify(err error) (int, string, string) {
	var ferr *services.FlowError
	if errors.As(err, &ferr) {
		switch {
		case errors.Is(ferr.Kind, services.ErrUpstream):
			return http.StatusInternalServerError, ErrCodeUpstreamFailed, services.FriendlyError(ferr.Message)
		case errors.Is(ferr.Kind, services.ErrStorage):
			return http.StatusInternalServerError, ErrCodeStorageFailed, ferr.Message
		}
		msg := ferr.Message
		if msg == "" {
			msg = msgInternal
		}
		return http.StatusInternalServerError, ErrCodeInternal, msg
	}

	switch {
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidVersionID),
		errors.Is(err, domain.ErrInvalidDirection),
		errors.Is(err, brainstorm.ErrInvalidMessages):
		return http.StatusBadRequest, ErrCodeBadRequest, err.Error()

	case errors.Is(err, services.ErrGenerationNotFound),
		errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "generation not found"
	case errors.Is(err, domain.ErrVersionNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "version not found"

	case errors.Is(err, services.ErrBusy):
		return http.StatusConflict, ErrCodeBusy, "This ad is still being generated. Please wait for it to finish."
	case errors.Is(err, domain.ErrDuplicateVersion),
		errors.Is(err, domain.ErrVersionFinalized),
		errors.Is(err, domain.ErrVersionNotSelectable),
		errors.Is(err, domain.ErrVersionsExist),
		errors.Is(err, domain.ErrAlreadyGenerated),
		errors.Is(err, domain.ErrNotGenerated),
		errors.Is(err, domain.ErrEditInProgress),
		errors.Is(err, domain.ErrNoNavigableVersion):
		return http.StatusConflict, ErrCodeConflict, err.Error()

	case errors.Is(err, brainstorm.ErrNotConfigured):
		return http.StatusServiceUnavailable, ErrCodeChatUnavailable, "chat is not available"
	}
	return http.StatusInternalServerError, ErrCodeInternal, msgInternal
}
