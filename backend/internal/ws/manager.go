package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/session"
)

// Application close code for a failed auth handshake.
const CloseAuthFailure = 4401

const authHandshakeTimeout = 15 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type ManagerOptions struct {
	// JWTSecret, when set, makes the handshake verify the auth token.
	JWTSecret string
	SendQueue int
}

// Manager terminates WebSocket connections: it runs the auth handshake,
// issues the session, replies with the document snapshot, and hands the
// connection to its read/write loops.
type Manager struct {
	hub      *Hub
	engine   *collab.Engine
	registry *session.Registry
	opts     ManagerOptions
	log      zerolog.Logger
}

func NewManager(hub *Hub, engine *collab.Engine, registry *session.Registry, opts ManagerOptions, log zerolog.Logger) *Manager {
	return &Manager{
		hub:      hub,
		engine:   engine,
		registry: registry,
		opts:     opts,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

type tokenClaims struct {
	UserID   string `json:"sub"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Connect serves GET /collab/ws/docs/:document_id.
func (m *Manager) Connect(c *gin.Context) {
	docID := c.Param("document_id")
	if docID == "" {
		c.String(http.StatusBadRequest, "missing document_id")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("upgrade failed")
		return
	}

	sess, ok := m.handshake(c, ws, docID)
	if !ok {
		return
	}
	m.serve(c, ws, sess)
}

// handshake waits for the auth envelope, verifies it, registers the
// session and replies with the current snapshot.
func (m *Manager) handshake(c *gin.Context, ws *websocket.Conn, docID string) (session.Session, bool) {
	ctx := c.Request.Context()

	_ = ws.SetReadDeadline(time.Now().Add(authHandshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		closeWith(ws, CloseAuthFailure, "auth handshake timed out")
		return session.Session{}, false
	}
	_ = ws.SetReadDeadline(time.Time{})

	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "auth" {
		writeDirect(ws, ErrorMessage{Type: "error", Message: "expected auth envelope"})
		closeWith(ws, CloseAuthFailure, "authentication required")
		return session.Session{}, false
	}

	userID, username := env.UserID, env.Username
	if m.opts.JWTSecret != "" {
		token := env.Token
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		claims, err := m.verifyToken(token)
		if err != nil {
			writeDirect(ws, ErrorMessage{Type: "error", Message: "invalid token"})
			closeWith(ws, CloseAuthFailure, "authentication failed")
			return session.Session{}, false
		}
		userID, username = claims.UserID, claims.Username
	}
	if userID == "" {
		writeDirect(ws, ErrorMessage{Type: "error", Message: "user_id required"})
		closeWith(ws, CloseAuthFailure, "authentication failed")
		return session.Session{}, false
	}

	content, version, err := m.engine.SnapshotOf(ctx, docID)
	if err != nil {
		m.log.Error().Err(err).Str("docId", docID).Msg("snapshot load failed")
		closeWith(ws, websocket.CloseInternalServerErr, "document unavailable")
		return session.Session{}, false
	}

	sess, err := m.registry.Register(ctx, docID, userID, username)
	if err != nil {
		if errors.Is(err, session.ErrRoomFull) {
			writeDirect(ws, ErrorMessage{Type: "error", Message: "document session limit reached"})
		}
		closeWith(ws, websocket.CloseInternalServerErr, "session rejected")
		return session.Session{}, false
	}

	writeDirect(ws, AuthSuccessMessage{
		Type:       "auth_success",
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		Username:   sess.DisplayName,
		DocumentID: docID,
		Content:    content,
		Version:    version,
	})
	return sess, true
}

func (m *Manager) serve(c *gin.Context, ws *websocket.Conn, sess session.Session) {
	ctx := c.Request.Context()
	docID := sess.DocumentID

	conn := newConn(ws, m.hub, m.engine, m.registry, sess, m.opts.SendQueue, m.log)
	m.hub.Join(docID, conn)
	go conn.writeLoop()

	m.hub.Broadcast(docID, ActiveUsersMessage{Type: "active_users", Sessions: m.registry.ListActive(docID)}, nil)
	m.log.Info().Str("docId", docID).Str("sessionId", sess.ID).Str("userId", sess.UserID).Msg("session connected")

	conn.readLoop(ctx)

	// Disconnect: cancel pending sends, drop presence, release any lock,
	// tell the room.
	conn.shutdown(websocket.CloseNormalClosure, "")
	m.hub.Leave(docID, conn)
	m.registry.Unregister(ctx, docID, sess.ID)
	m.engine.ReleaseLocks(sess.ID)
	m.hub.Broadcast(docID, ActiveUsersMessage{Type: "active_users", Sessions: m.registry.ListActive(docID)}, nil)
	m.log.Info().Str("docId", docID).Str("sessionId", sess.ID).Msg("session disconnected")
}

func (m *Manager) verifyToken(tokenString string) (*tokenClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token missing")
	}
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(m.opts.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// writeDirect is for the handshake phase, before the write loop exists.
func writeDirect(ws *websocket.Conn, msg OutboundMessage) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = ws.WriteJSON(msg)
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
