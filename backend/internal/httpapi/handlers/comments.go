package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
)

// CommentHandler serves the REST surface for comments. The WebSocket
// carries the same mutations for connected editors; these routes serve
// integrations and reviewers who are not in the room.
type CommentHandler struct {
	engine *collab.Engine
	log    zerolog.Logger
}

func NewCommentHandler(engine *collab.Engine, log zerolog.Logger) *CommentHandler {
	return &CommentHandler{engine: engine, log: log.With().Str("component", "httpapi").Logger()}
}

type createCommentRequest struct {
	AuthorID       string `json:"authorId"`
	AuthorName     string `json:"authorName"`
	Content        string `json:"content" binding:"required"`
	AnchorPosition int    `json:"anchorPosition"`
}

type updateCommentRequest struct {
	Content  *string `json:"content"`
	Resolved *bool   `json:"resolved"`
}

// List serves GET /collab/documents/:document_id/comments.
func (h *CommentHandler) List(c *gin.Context) {
	comments, err := h.engine.Comments(c.Request.Context(), c.Param("document_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

// Create serves POST /collab/documents/:document_id/comments.
func (h *CommentHandler) Create(c *gin.Context) {
	var req createCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content required"})
		return
	}
	authorID := c.GetString("userId")
	if authorID == "" {
		authorID = req.AuthorID
	}
	authorName := c.GetString("username")
	if authorName == "" {
		authorName = req.AuthorName
	}
	cm, err := h.engine.AddComment(c.Request.Context(), c.Param("document_id"), authorID, authorName, req.Content, req.AnchorPosition)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cm)
}

// Update serves PUT /collab/documents/:document_id/comments/:comment_id.
// Either field may be present; resolved toggles without touching content.
func (h *CommentHandler) Update(c *gin.Context) {
	var req updateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cm, err := h.engine.UpdateComment(c.Request.Context(), c.Param("document_id"), c.Param("comment_id"), req.Content, req.Resolved)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

// Delete serves DELETE /collab/documents/:document_id/comments/:comment_id.
func (h *CommentHandler) Delete(c *gin.Context) {
	err := h.engine.DeleteComment(c.Request.Context(), c.Param("document_id"), c.Param("comment_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CommentHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errors.Is(err, collab.ErrCommentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "comment not found"})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
