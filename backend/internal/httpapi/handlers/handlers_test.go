package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/session"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/store"
)

func newTestAPI(t *testing.T) (*gin.Engine, *collab.Engine, *session.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := collab.NewEngine(store.NewMemoryGateway(), nil, collab.Options{CreateMissing: true}, zerolog.Nop())
	registry := session.NewRegistry(session.Options{}, nil, zerolog.Nop())

	docs := NewDocumentHandler(engine, registry, zerolog.Nop())
	comments := NewCommentHandler(engine, zerolog.Nop())

	r := gin.New()
	g := r.Group("/collab")
	g.GET("/documents", docs.List)
	g.POST("/documents", docs.Create)
	g.GET("/documents/:document_id/state", docs.State)
	g.POST("/documents/:document_id/save", docs.Save)
	g.POST("/documents/:document_id/lock", docs.Lock)
	g.POST("/documents/:document_id/unlock", docs.Unlock)
	g.DELETE("/documents/:document_id", docs.Delete)
	g.GET("/documents/:document_id/users", docs.Users)
	g.GET("/documents/:document_id/comments", comments.List)
	g.POST("/documents/:document_id/comments", comments.Create)
	g.PUT("/documents/:document_id/comments/:comment_id", comments.Update)
	g.DELETE("/documents/:document_id/comments/:comment_id", comments.Delete)
	return r, engine, registry
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDocumentLifecycle(t *testing.T) {
	r, engine, _ := newTestAPI(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	w := doJSON(t, r, http.MethodPost, "/collab/documents", gin.H{"id": "doc-1", "title": "Notes"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate id conflicts.
	w = doJSON(t, r, http.MethodPost, "/collab/documents", gin.H{"id": "doc-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	_, err := engine.Apply(ctx, "doc-1", "s1", 0, collab.Operation{Kind: collab.KindInsert, Text: "hello"})
	require.NoError(t, err)

	w = doJSON(t, r, http.MethodGet, "/collab/documents/doc-1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state struct {
		Content string `json:"content"`
		Version uint64 `json:"version"`
		Title   string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, "hello", state.Content)
	assert.Equal(t, uint64(1), state.Version)
	assert.Equal(t, "Notes", state.Title)

	w = doJSON(t, r, http.MethodGet, "/collab/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "doc-1")

	w = doJSON(t, r, http.MethodPost, "/collab/documents/doc-1/save", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/collab/documents/doc-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestLockEndpoints(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/collab/documents/doc/lock", gin.H{"sessionId": "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	// Another session cannot take or release the lock.
	w = doJSON(t, r, http.MethodPost, "/collab/documents/doc/lock", gin.H{"sessionId": "s2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = doJSON(t, r, http.MethodPost, "/collab/documents/doc/unlock", gin.H{"sessionId": "s2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, r, http.MethodPost, "/collab/documents/doc/unlock", gin.H{"sessionId": "s1"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Missing body is a client error.
	w = doJSON(t, r, http.MethodPost, "/collab/documents/doc/lock", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsersEndpoint(t *testing.T) {
	r, _, registry := newTestAPI(t)

	_, err := registry.Register(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "doc", "u1", "Alice")
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodGet, "/collab/documents/doc/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Alice")
}

func TestCommentEndpoints(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/collab/documents/doc/comments", gin.H{
		"authorId":       "u1",
		"authorName":     "Alice",
		"content":        "looks wrong",
		"anchorPosition": 0,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created collab.Comment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = doJSON(t, r, http.MethodGet, "/collab/documents/doc/comments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "looks wrong")

	w = doJSON(t, r, http.MethodPut, "/collab/documents/doc/comments/"+created.ID, gin.H{"resolved": true})
	require.Equal(t, http.StatusOK, w.Code)
	var updated collab.Comment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.True(t, updated.Resolved)
	assert.Equal(t, "looks wrong", updated.Content)

	w = doJSON(t, r, http.MethodPut, "/collab/documents/doc/comments/missing", gin.H{"resolved": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/collab/documents/doc/comments/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/collab/documents/doc/comments/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommentCreateValidation(t *testing.T) {
	r, _, _ := newTestAPI(t)
	w := doJSON(t, r, http.MethodPost, "/collab/documents/doc/comments", gin.H{"anchorPosition": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
