package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type event struct {
	msg     OutboundMessage
	exclude *Conn
}

// room is one document's connection set plus its ordered dispatch queue.
// A single goroutine drains the queue, so every connection observes
// events in the exact order they were enqueued.
type room struct {
	conns map[*Conn]struct{}
	queue chan event
}

// Hub is the broadcast router: it fans applied-operation and presence
// events out to every connection registered for a document.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	log   zerolog.Logger

	queueSize int
}

func NewHub(queueSize int, log zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Hub{
		rooms:     make(map[string]*room),
		log:       log.With().Str("component", "hub").Logger(),
		queueSize: queueSize,
	}
}

func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[docID]
	if rm == nil {
		rm = &room{
			conns: make(map[*Conn]struct{}),
			queue: make(chan event, h.queueSize),
		}
		h.rooms[docID] = rm
		go h.dispatchLoop(docID, rm)
	}
	rm.conns[c] = struct{}{}
}

func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[docID]
	if !ok {
		return
	}
	delete(rm.conns, c)
	if len(rm.conns) == 0 {
		delete(h.rooms, docID)
		close(rm.queue)
	}
}

// DropSession closes the connection belonging to a session the registry
// evicted. Disconnecting is terminal: a timed-out session must not keep
// editing under an id that presence no longer lists.
func (h *Hub) DropSession(docID, sessionID string) {
	h.mu.RLock()
	var target *Conn
	if rm, ok := h.rooms[docID]; ok {
		for c := range rm.conns {
			if c.SessionID() == sessionID {
				target = c
				break
			}
		}
	}
	h.mu.RUnlock()
	if target != nil {
		h.log.Info().Str("docId", docID).Str("sessionId", sessionID).Msg("dropping timed-out session")
		target.shutdown(websocket.CloseNormalClosure, "session timed out")
	}
}

// Broadcast enqueues an event for every connection in the document's room
// except exclude (nil to reach everyone). Never blocks: the hub queue is
// bounded and an overflowing event is dropped with a log line.
func (h *Hub) Broadcast(docID string, msg OutboundMessage, exclude *Conn) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rm, ok := h.rooms[docID]
	if !ok {
		return
	}
	select {
	case rm.queue <- event{msg: msg, exclude: exclude}:
	default:
		h.log.Warn().Str("docId", docID).Str("event", msg.MessageType()).Msg("dispatch queue full, dropping event")
	}
}

func (h *Hub) dispatchLoop(docID string, rm *room) {
	for ev := range rm.queue {
		h.mu.RLock()
		targets := make([]*Conn, 0, len(rm.conns))
		for c := range rm.conns {
			if c != ev.exclude {
				targets = append(targets, c)
			}
		}
		h.mu.RUnlock()

		for _, c := range targets {
			if !c.enqueue(ev.msg) {
				// Bounded outbound queue overflowed: drop the slow client
				// rather than stall the room.
				h.log.Warn().Str("docId", docID).Str("sessionId", c.SessionID()).Msg("slow consumer, closing connection")
				c.closeSlow()
			}
		}
	}
}
