// Record HTTP handlers.
//
// This file exposes the read side of generation records and the version
// curation endpoints:
//   - GET    /generations/{userId}                                   (list, paginated)
//   - GET    /generations/{userId}/{generationId}                    (one record, ETag support)
//   - GET    /generations/{userId}/{generationId}/versions/{versionId}/adjacent
//   - POST   /generations/{userId}/{generationId}/versions/{versionId}/select
//   - DELETE /generations/{userId}/{generationId}/versions/{versionId}
//
// Records are always returned with the original version backfilled and the
// versions in display order. Ownership of {userId} is enforced by the auth
// middleware.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
)

//
// DTOs
//

// ListGenerationsResponse wraps a page of records and pagination information.
type ListGenerationsResponse struct {
	Generations []domain.GenerationRecord `json:"generations"`
	Pagination  Pagination                `json:"pagination"`
}

// AdjacentResponse is the version navigation lands on.
type AdjacentResponse struct {
	Version domain.Version `json:"version"`
}

// recordETag is a weak validator over what a client renders: the last write
// and the version list length.
func recordETag(rec *domain.GenerationRecord) string {
	return fmt.Sprintf(`W/"gen:%s:%d:%d"`, rec.GenerationID, rec.UpdatedAt.UnixNano(), len(rec.Versions))
}

//
// Handlers
//

// ListGenerations godoc
// @ID          listGenerations
// @Summary     List a user's generations (paginated)
// @Tags        Generations
// @Produce     json
// @Param       userId     path   string  true   "User ID"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListGenerationsResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /generations/{userId} [get]
func (h *Handlers) ListGenerations(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.records.ListPage(c.Request.Context(), c.Param("userId"), page, pageSize)
	if err != nil {
		status, code, msg := classify(err)
		if code == ErrCodeInternal {
			code = ErrCodeListFailed
		}
		if status >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		fail(c, status, code, msg)
		return
	}
	if items == nil {
		items = []domain.GenerationRecord{}
	}
	ok(c, http.StatusOK, ListGenerationsResponse{
		Generations: items,
		Pagination:  newPagination(page, pageSize, total),
	})
}

// GetGeneration godoc
// @ID          getGeneration
// @Summary     Get one generation
// @Description Returns the record with the original version backfilled. Supports weak ETag via If-None-Match.
// @Tags        Generations
// @Produce     json
// @Param       userId         path    string  true   "User ID"
// @Param       generationId   path    string  true   "Generation ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  domain.GenerationRecord
// @Header      200  {string}  ETag  "Weak ETag for current record"
// @Success     304  {string}  string "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Router      /generations/{userId}/{generationId} [get]
func (h *Handlers) GetGeneration(c *gin.Context) {
	rec, err := h.records.Get(c.Request.Context(), c.Param("userId"), c.Param("generationId"))
	if err != nil {
		failErr(c, err)
		return
	}
	etag := recordETag(rec)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, rec)
}

// AdjacentVersion godoc
// @ID          adjacentVersion
// @Summary     Navigate to the next or previous version
// @Description Cyclic navigation over completed versions in display order. A single completed version returns itself.
// @Tags        Versions
// @Produce     json
// @Param       userId        path   string  true  "User ID"
// @Param       generationId  path   string  true  "Generation ID"
// @Param       versionId     path   string  true  "Current version ID"
// @Param       direction     query  string  true  "next or previous"  Enums(next, previous)
// @Success     200  {object}  handlers.AdjacentResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad direction"
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Failure     409  {object}  handlers.ErrorResponse "No completed version"
// @Router      /generations/{userId}/{generationId}/versions/{versionId}/adjacent [get]
func (h *Handlers) AdjacentVersion(c *gin.Context) {
	dir, err := domain.ParseDirection(c.Query("direction"))
	if err != nil {
		failErr(c, err)
		return
	}
	v, err := h.records.Adjacent(c.Request.Context(), c.Param("userId"), c.Param("generationId"), c.Param("versionId"), dir)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, AdjacentResponse{Version: v})
}

// SelectVersion godoc
// @ID          selectVersion
// @Summary     Make a version the current image
// @Tags        Versions
// @Produce     json
// @Param       userId        path  string  true  "User ID"
// @Param       generationId  path  string  true  "Generation ID"
// @Param       versionId     path  string  true  "Version ID"
// @Success     200  {object}  domain.GenerationRecord
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Failure     409  {object}  handlers.ErrorResponse "Version not completed"
// @Router      /generations/{userId}/{generationId}/versions/{versionId}/select [post]
func (h *Handlers) SelectVersion(c *gin.Context) {
	rec, err := h.records.Select(c.Request.Context(), c.Param("userId"), c.Param("generationId"), c.Param("versionId"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.Header("ETag", recordETag(rec))
	ok(c, http.StatusOK, rec)
}

// RetractVersion godoc
// @ID          retractVersion
// @Summary     Remove a version that never completed
// @Description Client error recovery: drops a processing or failed version and restores the record to completed.
// @Tags        Versions
// @Param       userId        path  string  true  "User ID"
// @Param       generationId  path  string  true  "Generation ID"
// @Param       versionId     path  string  true  "Version ID"
// @Success     204  {string}  string "No Content"
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Failure     409  {object}  handlers.ErrorResponse "Version completed or record busy"
// @Router      /generations/{userId}/{generationId}/versions/{versionId} [delete]
func (h *Handlers) RetractVersion(c *gin.Context) {
	if _, err := h.records.Retract(c.Request.Context(), c.Param("userId"), c.Param("generationId"), c.Param("versionId")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
