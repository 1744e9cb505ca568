// Generation HTTP handlers.
//
// This file exposes the endpoints that call the models:
//   - POST /generate/generate-image  (first image of a record)
//   - POST /edit                     (new version of a record)
//   - POST /brainstorm/chat          (ad brief conversation)
//
// Generate and Edit block until the image is stored and the record written,
// which can take minutes. Clients that lose the connection can follow the
// record through the events stream instead.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/owencairns/ad-generator-sub000/internal/brainstorm"
	"github.com/owencairns/ad-generator-sub000/internal/domain"
	"github.com/owencairns/ad-generator-sub000/internal/services"
)

const (
	msgGenerated = "Image generated successfully"
	msgEdited    = "Image edited successfully"
)

//
// DTOs
//

// GenerateRequest is the JSON payload for the first generation of a record.
// Everything else is read from the stored record.
type GenerateRequest struct {
	UserID       string `json:"userId"       example:"u_123"`
	GenerationID string `json:"generationId" example:"gen_456"`
}

// EditRequest is the JSON payload for an edit. The optional fields override
// the stored record for this prompt only.
type EditRequest struct {
	SourceImageURL  string `json:"sourceImageUrl"  example:"https://storage.googleapis.com/bucket/generatedImages/u_123/gen_456/original.png"`
	EditDescription string `json:"editDescription" example:"make the background a sunset"`
	GenerationID    string `json:"generationId"    example:"gen_456"`
	UserID          string `json:"userId"          example:"u_123"`
	VersionID       string `json:"versionId"       example:"v_1718000000000"`

	Description        string              `json:"description,omitempty"`
	ProductDescription string              `json:"productDescription,omitempty"`
	Style              string              `json:"style,omitempty"       example:"minimalist"`
	AspectRatio        string              `json:"aspectRatio,omitempty" example:"1:1"`
	Template           string              `json:"template,omitempty"    example:"product"`
	TextInfo           *domain.TextOverlay `json:"textInfo,omitempty"`
}

// EditData carries the produced image.
type EditData struct {
	ImageURL string `json:"imageUrl"`
}

// EditResponse acknowledges a completed edit.
type EditResponse struct {
	Message string   `json:"message" example:"Image edited successfully"`
	Data    EditData `json:"data"`
}

// ChatRequest is the brainstorm conversation so far.
type ChatRequest struct {
	Messages []brainstorm.Message `json:"messages"`
}

// ChatResponse is the assistant's next turn.
type ChatResponse struct {
	Response   string `json:"response"`
	IsComplete bool   `json:"isComplete"`
}

//
// Handlers
//

// GenerateImage godoc
// @ID          generateImage
// @Summary     Generate the first image of a record
// @Description Loads the record, calls the image model, stores the image, and marks the record completed.
// @Tags        Generations
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Replays the stored response on retry"
// @Param       body  body  handlers.GenerateRequest  true  "Record to generate"
// @Success     200  {object}  handlers.MessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing fields"
// @Failure     404  {object}  handlers.ErrorResponse  "Record not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Busy or already generated"
// @Failure     500  {object}  handlers.ErrorResponse  "Model or storage failure"
// @Router      /generate/generate-image [post]
func (h *Handlers) GenerateImage(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	uid, allowed := ownerFor(c, req.UserID)
	if !allowed {
		return
	}

	if _, err := h.gen.Generate(c.Request.Context(), uid, req.GenerationID); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: msgGenerated})
}

// EditImage godoc
// @ID          editImage
// @Summary     Edit an image into a new version
// @Description Appends a processing version, calls the image model with the source image, and completes or fails the version.
// @Tags        Generations
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Replays the stored response on retry"
// @Param       body  body  handlers.EditRequest  true  "Edit payload"
// @Success     200  {object}  handlers.EditResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing fields or reserved version id"
// @Failure     404  {object}  handlers.ErrorResponse  "Record not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Busy, duplicate version, or not generated yet"
// @Failure     500  {object}  handlers.ErrorResponse  "Model or storage failure"
// @Router      /edit [post]
func (h *Handlers) EditImage(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	uid, allowed := ownerFor(c, req.UserID)
	if !allowed {
		return
	}

	res, err := h.gen.Edit(c.Request.Context(), services.EditRequest{
		UserID:             uid,
		GenerationID:       req.GenerationID,
		VersionID:          req.VersionID,
		SourceImageURL:     req.SourceImageURL,
		EditDescription:    req.EditDescription,
		Description:        req.Description,
		ProductDescription: req.ProductDescription,
		Style:              req.Style,
		AspectRatio:        req.AspectRatio,
		Template:           req.Template,
		TextInfo:           req.TextInfo,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, EditResponse{Message: msgEdited, Data: EditData{ImageURL: res.ImageURL}})
}

// BrainstormChat godoc
// @ID          brainstormChat
// @Summary     Continue an ad brief conversation
// @Tags        Brainstorm
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ChatRequest  true  "Conversation so far"
// @Success     200  {object}  handlers.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid messages"
// @Failure     500  {object}  handlers.ErrorResponse  "Chat model failure"
// @Failure     503  {object}  handlers.ErrorResponse  "Chat model not configured"
// @Router      /brainstorm/chat [post]
func (h *Handlers) BrainstormChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	reply, err := h.chat.Chat(c.Request.Context(), req.Messages)
	if err != nil {
		status, code, msg := classify(err)
		if code == ErrCodeInternal {
			code, msg = ErrCodeChatFailed, "The assistant is unavailable right now. Please try again."
		}
		if status >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		fail(c, status, code, msg)
		return
	}
	ok(c, http.StatusOK, ChatResponse{Response: reply.Response, IsComplete: reply.IsComplete})
}
