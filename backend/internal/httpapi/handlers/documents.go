package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/session"
)

// DocumentHandler serves the REST surface for document lifecycle and
// state inspection. Live editing goes over the WebSocket; these routes
// exist for tooling, listing and explicit save/lock control.
type DocumentHandler struct {
	engine   *collab.Engine
	registry *session.Registry
	log      zerolog.Logger
}

func NewDocumentHandler(engine *collab.Engine, registry *session.Registry, log zerolog.Logger) *DocumentHandler {
	return &DocumentHandler{
		engine:   engine,
		registry: registry,
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

type createDocumentRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type lockRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// List serves GET /collab/documents.
func (h *DocumentHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"documents": h.engine.List()})
}

// Create serves POST /collab/documents.
func (h *DocumentHandler) Create(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	info, err := h.engine.CreateDocument(c.Request.Context(), req.ID, req.Title, c.GetString("userId"))
	if err != nil {
		if errors.Is(err, collab.ErrDocumentExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "document already exists"})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// State serves GET /collab/documents/:document_id/state with the
// authoritative content and version.
func (h *DocumentHandler) State(c *gin.Context) {
	docID := c.Param("document_id")
	content, version, err := h.engine.SnapshotOf(c.Request.Context(), docID)
	if err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.engine.Info(c.Request.Context(), docID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             docID,
		"title":          info.Title,
		"content":        content,
		"version":        version,
		"lockedBy":       info.LockedBy,
		"lastModifiedAt": info.LastModifiedAt,
		"activeSessions": h.registry.Count(docID),
	})
}

// Save serves POST /collab/documents/:document_id/save. Enqueues an
// immediate snapshot write instead of waiting for the checkpoint timer.
func (h *DocumentHandler) Save(c *gin.Context) {
	docID := c.Param("document_id")
	if err := h.engine.Save(c.Request.Context(), docID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

// Delete serves DELETE /collab/documents/:document_id. Unloads the
// document from memory; durable rows stay.
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.engine.Delete(c.Param("document_id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Lock serves POST /collab/documents/:document_id/lock.
func (h *DocumentHandler) Lock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId required"})
		return
	}
	if err := h.engine.Lock(c.Request.Context(), c.Param("document_id"), req.SessionID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "locked"})
}

// Unlock serves POST /collab/documents/:document_id/unlock.
func (h *DocumentHandler) Unlock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId required"})
		return
	}
	if err := h.engine.Unlock(c.Request.Context(), c.Param("document_id"), req.SessionID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlocked"})
}

// Users serves GET /collab/documents/:document_id/users with the active
// presence roster.
func (h *DocumentHandler) Users(c *gin.Context) {
	docID := c.Param("document_id")
	c.JSON(http.StatusOK, gin.H{"sessions": h.registry.ListActive(docID)})
}

func (h *DocumentHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errors.Is(err, collab.ErrDocumentLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "document locked by another session"})
	case errors.Is(err, collab.ErrNotLockHolder):
		c.JSON(http.StatusForbidden, gin.H{"error": "lock not held by this session"})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
