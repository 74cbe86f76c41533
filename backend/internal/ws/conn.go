package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/session"
)

const writeTimeout = 10 * time.Second

// Conn is one session's socket. Outbound traffic goes through a bounded
// send queue; the read loop dispatches inbound envelopes and refreshes the
// session heartbeat on every message.
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	engine   *collab.Engine
	registry *session.Registry

	sess  session.Session
	docID string

	send chan OutboundMessage
	done chan struct{}
	once sync.Once

	log zerolog.Logger
}

func newConn(ws *websocket.Conn, hub *Hub, engine *collab.Engine, registry *session.Registry, sess session.Session, sendQueue int, log zerolog.Logger) *Conn {
	if sendQueue <= 0 {
		sendQueue = 64
	}
	return &Conn{
		ws:       ws,
		hub:      hub,
		engine:   engine,
		registry: registry,
		sess:     sess,
		docID:    sess.DocumentID,
		send:     make(chan OutboundMessage, sendQueue),
		done:     make(chan struct{}),
		log: log.With().
			Str("component", "ws").
			Str("docId", sess.DocumentID).
			Str("sessionId", sess.ID).
			Logger(),
	}
}

func (c *Conn) SessionID() string { return c.sess.ID }

// enqueue places msg on the outbound queue. Returns false when the queue
// is full (slow consumer) or the connection is already closed.
func (c *Conn) enqueue(msg OutboundMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// closeSlow tears the connection down because its outbound queue
// overflowed. Safe to call from the hub dispatch goroutine.
func (c *Conn) closeSlow() {
	c.shutdown(websocket.CloseInternalServerErr, "send queue overflow")
}

func (c *Conn) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.shutdown(websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env ClientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// Malformed envelope: reply and keep the connection open.
			c.enqueue(ErrorMessage{Type: "error", Message: "invalid JSON"})
			continue
		}

		// Any inbound traffic counts as liveness.
		c.registry.Heartbeat(ctx, c.docID, c.sess.ID)

		switch env.Type {
		case "operation":
			c.handleOperation(ctx, env)
		case "cursor_update":
			c.handleCursorUpdate(ctx, env)
		case "typing_start", "typing_stop":
			c.hub.Broadcast(c.docID, TypingMessage{
				Type:      env.Type,
				SessionID: c.sess.ID,
				UserID:    c.sess.UserID,
				Username:  c.sess.DisplayName,
			}, c)
		case "comment_add":
			c.handleCommentAdd(ctx, env)
		case "comment_update":
			c.handleCommentUpdate(ctx, env)
		case "comment_delete":
			c.handleCommentDelete(ctx, env)
		case "ping":
			c.enqueue(PongMessage{Type: "pong"})
		default:
			c.enqueue(ErrorMessage{Type: "error", Message: "unknown message type: " + env.Type})
		}
	}
}

func (c *Conn) handleOperation(ctx context.Context, env ClientEnvelope) {
	if env.Operation == nil {
		c.enqueue(ErrorMessage{Type: "error", Message: "operation payload missing"})
		return
	}
	op := collab.Operation{
		ID:       env.Operation.ID,
		Kind:     collab.Kind(env.Operation.Kind),
		Position: env.Operation.Position,
		Text:     env.Operation.Text,
		Length:   env.Operation.Length,
	}

	res, err := c.engine.Apply(ctx, c.docID, c.sess.ID, env.BaseVersion, op)
	if err != nil {
		switch {
		case errors.Is(err, collab.ErrDocumentLocked):
			c.enqueue(ErrorMessage{Type: "error", Message: "document is locked"})
		case errors.Is(err, collab.ErrRevisionConflict), errors.Is(err, collab.ErrInvalidOperation):
			c.enqueue(ErrorMessage{Type: "error", Message: err.Error()})
		default:
			c.log.Error().Err(err).Msg("apply failed")
			c.enqueue(ErrorMessage{Type: "error", Message: "internal error applying operation"})
		}
		return
	}

	if res.NeedsResync {
		c.enqueue(ResyncMessage{Type: "resync", Content: res.Content, Version: res.Version})
		return
	}
	if res.Duplicate {
		// The broadcast already happened the first time around; just
		// re-acknowledge so the client can settle.
		c.enqueue(OperationAppliedMessage{
			Type:      "operation_applied",
			Operation: appliedOperation(res.Op),
			Version:   res.Version,
		})
	}
	// The applied hook broadcast the fresh operation to the whole room,
	// this connection included, while the document lock was held.
}

func (c *Conn) handleCursorUpdate(ctx context.Context, env ClientEnvelope) {
	if !c.registry.UpdateCursor(ctx, c.docID, c.sess.ID, env.Position, env.SelectionStart, env.SelectionEnd) {
		return
	}
	c.hub.Broadcast(c.docID, CursorUpdateMessage{
		Type:           "cursor_update",
		SessionID:      c.sess.ID,
		UserID:         c.sess.UserID,
		Username:       c.sess.DisplayName,
		Position:       env.Position,
		SelectionStart: env.SelectionStart,
		SelectionEnd:   env.SelectionEnd,
		PresenceColor:  c.sess.PresenceColor,
	}, c)
}

func (c *Conn) handleCommentAdd(ctx context.Context, env ClientEnvelope) {
	if env.Comment == nil || env.Comment.Content == nil {
		c.enqueue(ErrorMessage{Type: "error", Message: "comment payload missing"})
		return
	}
	cm, err := c.engine.AddComment(ctx, c.docID, c.sess.UserID, c.sess.DisplayName, *env.Comment.Content, env.Comment.AnchorPosition)
	if err != nil {
		c.enqueue(ErrorMessage{Type: "error", Message: "failed to add comment"})
		return
	}
	c.hub.Broadcast(c.docID, CommentEventMessage{Type: "comment_added", Comment: &cm}, nil)
}

func (c *Conn) handleCommentUpdate(ctx context.Context, env ClientEnvelope) {
	if env.CommentID == "" || env.Comment == nil {
		c.enqueue(ErrorMessage{Type: "error", Message: "comment_id and comment required"})
		return
	}
	cm, err := c.engine.UpdateComment(ctx, c.docID, env.CommentID, env.Comment.Content, env.Comment.Resolved)
	if err != nil {
		if errors.Is(err, collab.ErrCommentNotFound) {
			c.enqueue(ErrorMessage{Type: "error", Message: "comment not found"})
		} else {
			c.enqueue(ErrorMessage{Type: "error", Message: "failed to update comment"})
		}
		return
	}
	c.hub.Broadcast(c.docID, CommentEventMessage{Type: "comment_updated", Comment: &cm}, nil)
}

func (c *Conn) handleCommentDelete(ctx context.Context, env ClientEnvelope) {
	if env.CommentID == "" {
		c.enqueue(ErrorMessage{Type: "error", Message: "comment_id required"})
		return
	}
	if err := c.engine.DeleteComment(ctx, c.docID, env.CommentID); err != nil {
		if errors.Is(err, collab.ErrCommentNotFound) {
			c.enqueue(ErrorMessage{Type: "error", Message: "comment not found"})
		} else {
			c.enqueue(ErrorMessage{Type: "error", Message: "failed to delete comment"})
		}
		return
	}
	c.hub.Broadcast(c.docID, CommentEventMessage{Type: "comment_deleted", CommentID: env.CommentID}, nil)
}
