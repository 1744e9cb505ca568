// Generation status stream.
//
//   - GET /generations/{userId}/{generationId}/events[?versionId=...]
//
// Server-sent events: a "snapshot" event with the display form of the record
// on every change, then one "done" event when the record (or the version
// named by versionId) reaches completed or error. An "error" event ends the
// stream when the record can no longer be observed, for example because the
// watched version was retracted.
package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/http/middleware"
	"github.com/owencairns/ad-generator-sub000/internal/observer"
	"github.com/owencairns/ad-generator-sub000/internal/repo"
	"github.com/owencairns/ad-generator-sub000/internal/services"
)

const (
	eventSnapshot = "snapshot"
	eventDone     = "done"
	eventError    = "error"
)

// StatusEvent is the payload of "done" and "error" events.
type StatusEvent struct {
	Status    domain.Status `json:"status"`
	VersionID string        `json:"versionId,omitempty"`
	ImageURL  string        `json:"imageUrl,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// GenerationEvents godoc
// @ID          generationEvents
// @Summary     Stream status changes of a generation
// @Tags        Generations
// @Produce     text/event-stream
// @Param       userId        path   string  true   "User ID"
// @Param       generationId  path   string  true   "Generation ID"
// @Param       versionId     query  string  false  "Wait for this version instead of the record"
// @Success     200  {string}  string "event stream"
// @Failure     404  {object}  handlers.ErrorResponse "Not found"
// @Router      /generations/{userId}/{generationId}/events [get]
func (h *Handlers) GenerationEvents(c *gin.Context) {
	ctx := c.Request.Context()
	versionID := strings.TrimSpace(c.Query("versionId"))

	ch, err := h.watch.Watch(ctx, c.Param("userId"), c.Param("generationId"))
	if err != nil {
		failErr(c, err)
		return
	}

	// The first snapshot decides between an error response and a stream.
	var first repo.Snapshot
	select {
	case <-ctx.Done():
		return
	case s, open := <-ch:
		if !open {
			failErr(c, observer.ErrStreamClosed)
			return
		}
		if s.Err != nil {
			failErr(c, s.Err)
			return
		}
		first = s
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	seen := false
	emit := func(s repo.Snapshot) bool {
		defer c.Writer.Flush()
		if s.Err != nil {
			h.streamError(c, versionID, s.Err)
			return false
		}
		if s.Record == nil {
			return true
		}
		c.SSEvent(eventSnapshot, s.Record.ForDisplay(s.Record.UpdatedAt))
		out, done, err := observer.Evaluate(s.Record, versionID, &seen)
		if err != nil {
			h.streamError(c, versionID, err)
			return false
		}
		if done {
			c.SSEvent(eventDone, StatusEvent{
				Status:    out.Status,
				VersionID: versionID,
				ImageURL:  out.ImageURL,
				Error:     services.FriendlyError(out.Error),
			})
			return false
		}
		return true
	}

	if !emit(first) {
		return
	}

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		case s, open := <-ch:
			if !open {
				h.streamError(c, versionID, observer.ErrStreamClosed)
				c.Writer.Flush()
				return
			}
			if !emit(s) {
				return
			}
		}
	}
}

func (h *Handlers) streamError(c *gin.Context, versionID string, err error) {
	_, _, msg := classify(err)
	middleware.LoggerFrom(c).Warn().Err(err).Str("version_id", versionID).Msg("generation stream ended")
	c.SSEvent(eventError, StatusEvent{Status: domain.StatusError, VersionID: versionID, Error: msg})
}
