// Package handlers – wiring
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results and errors into HTTP responses. Service contracts are
// declared here so tests can substitute fakes.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/owencairns/ad-generator-sub000/internal/brainstorm"
	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/http/middleware"
	"github.com/owencairns/ad-generator-sub000/internal/observer"
	"github.com/owencairns/ad-generator-sub000/internal/services"
	"github.com/owencairns/ad-generator-sub000/internal/utils"
)

//
// Service contracts (context-aware)
//

// GenerationService runs the image model flows.
type GenerationService interface {
	// Generate produces the first image of a record the client already wrote.
	Generate(ctx context.Context, userID, generationID string) (services.Result, error)
	// Edit produces a new version from one of the record's images.
	Edit(ctx context.Context, req services.EditRequest) (services.Result, error)
}

// RecordService reads and curates generation records.
type RecordService interface {
	Get(ctx context.Context, userID, generationID string) (*domain.GenerationRecord, error)
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.GenerationRecord, int64, error)
	Select(ctx context.Context, userID, generationID, versionID string) (*domain.GenerationRecord, error)
	Adjacent(ctx context.Context, userID, generationID, versionID string, dir domain.Direction) (domain.Version, error)
	Retract(ctx context.Context, userID, generationID, versionID string) (*domain.GenerationRecord, error)
}

// ChatService answers brainstorm conversations.
type ChatService interface {
	Chat(ctx context.Context, msgs []brainstorm.Message) (brainstorm.Reply, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints.
type Handlers struct {
	gen     GenerationService
	records RecordService
	chat    ChatService
	watch   observer.Source

	// KeepAlive is the SSE comment interval on quiet streams.
	KeepAlive time.Duration
}

// New constructs Handlers bound to the given services. watch feeds the
// events stream.
func New(gen GenerationService, records RecordService, chat ChatService, watch observer.Source) *Handlers {
	return &Handlers{
		gen:       gen,
		records:   records,
		chat:      chat,
		watch:     watch,
		KeepAlive: 15 * time.Second,
	}
}

// ownerFor resolves the user a body-addressed request acts for. An
// authenticated caller may only act for itself; an anonymous caller (auth
// disabled) acts for whatever user the body names. On mismatch it writes a
// 403 and returns false.
func ownerFor(c *gin.Context, claimed string) (string, bool) {
	claimed = strings.TrimSpace(claimed)
	uid, authed := middleware.AuthenticatedUser(c)
	if !authed {
		return claimed, true
	}
	if claimed != "" && claimed != uid {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "forbidden")
		return "", false
	}
	return uid, true
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses and bounds the page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.Clamp(utils.AtoiDefault(c.Query("page"), defaultPage), 1, 1<<20)
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}
