package cache

import "fmt"

// Key layout:
// - roomKey(docID):   room members (ZSet<sessionId, expireAtUnix>, score = logical TTL)
// - namesKey(docID):  sessionId -> displayName (Hash)
// - cursorKey(...):   per-session cursor payload (String with TTL)

const (
	keyRoomFmt   = "presence:room:{docID:%s}"
	keyNamesFmt  = "presence:room:names:{docID:%s}"
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"
)

func roomKey(docID string) string              { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string             { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, sessionID string) string { return fmt.Sprintf(keyCursorFmt, docID, sessionID) }
