package collab

import "time"

// DocOpEvent is the applied-operation record published to the doc-ops
// topic, keyed by document id so consumers see per-document order.
type DocOpEvent struct {
	EventType       string    `json:"eventType"`
	DocID           string    `json:"docId"`
	OperationID     string    `json:"operationId"`
	Kind            string    `json:"kind"`
	Position        int       `json:"position"`
	Length          int       `json:"length,omitempty"`
	Text            string    `json:"text,omitempty"`
	Version         uint64    `json:"version"`
	BaseVersion     uint64    `json:"baseVersion"`
	AuthorSessionID string    `json:"sessionId"`
	AppliedAt       time.Time `json:"appliedAt"`
}
