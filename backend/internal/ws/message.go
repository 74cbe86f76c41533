package ws

import (
	"time"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/session"
)

// ClientEnvelope is every inbound message shape folded into one struct;
// Type selects which fields are meaningful.
type ClientEnvelope struct {
	Type string `json:"type"`

	// auth
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`

	// operation
	Operation   *OperationPayload `json:"operation,omitempty"`
	BaseVersion uint64            `json:"baseVersion"`

	// cursor_update
	Position       int `json:"position"`
	SelectionStart int `json:"selectionStart"`
	SelectionEnd   int `json:"selectionEnd"`

	// comment_add / comment_update / comment_delete
	Comment   *CommentPayload `json:"comment,omitempty"`
	CommentID string          `json:"comment_id,omitempty"`
}

type OperationPayload struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// CommentPayload fields are pointers where absent and empty differ: a
// comment_update without content leaves the text alone, while an explicit
// empty string clears it.
type CommentPayload struct {
	Content        *string `json:"content,omitempty"`
	AnchorPosition int     `json:"anchorPosition"`
	Resolved       *bool   `json:"resolved,omitempty"`
}

// OutboundMessage is anything the server can put on a connection's send
// queue.
type OutboundMessage interface {
	MessageType() string
}

type AuthSuccessMessage struct {
	Type       string `json:"type"` // "auth_success"
	SessionID  string `json:"sessionId"`
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Version    uint64 `json:"version"`
}

// ResyncMessage hands a client the authoritative snapshot when its
// operation could not be rebased.
type ResyncMessage struct {
	Type    string `json:"type"` // "resync"
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

type AppliedOperation struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Position        int       `json:"position"`
	Text            string    `json:"text,omitempty"`
	Length          int       `json:"length,omitempty"`
	SessionID       string    `json:"sessionId"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

type OperationAppliedMessage struct {
	Type      string           `json:"type"` // "operation_applied"
	Operation AppliedOperation `json:"operation"`
	Version   uint64           `json:"version"`
}

type ActiveUsersMessage struct {
	Type     string            `json:"type"` // "active_users"
	Sessions []session.Session `json:"sessions"`
}

type CursorUpdateMessage struct {
	Type           string `json:"type"` // "cursor_update"
	SessionID      string `json:"sessionId"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	Position       int    `json:"position"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
	PresenceColor  string `json:"presenceColor,omitempty"`
}

type TypingMessage struct {
	Type      string `json:"type"` // "typing_start" / "typing_stop"
	SessionID string `json:"sessionId"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

type CommentEventMessage struct {
	Type      string          `json:"type"` // "comment_added" / "comment_updated" / "comment_deleted"
	Comment   *collab.Comment `json:"comment,omitempty"`
	CommentID string          `json:"comment_id,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type PongMessage struct {
	Type string `json:"type"` // "pong"
}

func (m AuthSuccessMessage) MessageType() string      { return m.Type }
func (m ResyncMessage) MessageType() string           { return m.Type }
func (m OperationAppliedMessage) MessageType() string { return m.Type }
func (m ActiveUsersMessage) MessageType() string      { return m.Type }
func (m CursorUpdateMessage) MessageType() string     { return m.Type }
func (m TypingMessage) MessageType() string           { return m.Type }
func (m CommentEventMessage) MessageType() string     { return m.Type }
func (m ErrorMessage) MessageType() string            { return m.Type }
func (m PongMessage) MessageType() string             { return m.Type }

// AppliedHook returns the engine callback that fans a freshly applied
// operation out to the document's room, the author included. The echoed
// operation carries the author's sessionId and doubles as the delivery
// acknowledgement: clients match it against their pending ops, so fresh
// applies need no separate ack envelope. The engine invokes the hook
// inside the document critical section, so enqueue order matches version
// order; Broadcast itself never blocks.
func AppliedHook(h *Hub) func(docID string, res collab.ApplyResult) {
	return func(docID string, res collab.ApplyResult) {
		h.Broadcast(docID, OperationAppliedMessage{
			Type:      "operation_applied",
			Operation: appliedOperation(res.Op),
			Version:   res.Version,
		}, nil)
	}
}

func appliedOperation(op collab.Operation) AppliedOperation {
	return AppliedOperation{
		ID:              op.ID,
		Kind:            string(op.Kind),
		Position:        op.Position,
		Text:            op.Text,
		Length:          op.Length,
		SessionID:       op.AuthorSessionID,
		ServerTimestamp: op.ServerTimestamp,
	}
}
