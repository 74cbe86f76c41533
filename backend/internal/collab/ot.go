package collab

import (
	"time"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

// Operation is a single positional edit against a known document version.
// Position and Length are rune offsets, not byte offsets.
type Operation struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	Position        int       `json:"position"`
	Text            string    `json:"text,omitempty"`
	Length          int       `json:"length,omitempty"`
	AuthorSessionID string    `json:"sessionId,omitempty"`
	ServerTimestamp time.Time `json:"serverTimestamp,omitempty"`
	// Version is assigned by the engine once the operation is applied.
	Version uint64 `json:"version,omitempty"`
}

func (op Operation) textLen() int { return len([]rune(op.Text)) }

// orderedBefore is the deterministic tie-break for operations landing on the
// same rebased position: (serverTimestamp, authorSessionId) ascending.
func orderedBefore(a, b Operation) bool {
	if !a.ServerTimestamp.Equal(b.ServerTimestamp) {
		return a.ServerTimestamp.Before(b.ServerTimestamp)
	}
	return a.AuthorSessionID < b.AuthorSessionID
}

// transformAgainst rebases op against one already-applied operation.
// The second return value is false when the rebase consumed op entirely
// (or is structurally impossible) and the op must become a no-op.
func transformAgainst(op, applied Operation) (Operation, bool) {
	switch applied.Kind {
	case KindInsert:
		return transformAgainstInsert(op, applied)
	case KindDelete:
		return transformAgainstDelete(op, applied)
	case KindReplace:
		// Whole-document replace invalidates every position the client
		// observed; there is nothing meaningful to rebase onto.
		return op, false
	}
	return op, true
}

func transformAgainstInsert(op, applied Operation) (Operation, bool) {
	shift := applied.textLen()
	switch op.Kind {
	case KindInsert:
		if applied.Position < op.Position {
			op.Position += shift
		} else if applied.Position == op.Position && orderedBefore(applied, op) {
			op.Position += shift
		}
		return op, true
	case KindDelete:
		if applied.Position <= op.Position {
			op.Position += shift
		}
		// An insert landing inside the delete range leaves the range
		// untouched: the delete consumes part of the inserted text.
		return op, true
	}
	return op, false
}

func transformAgainstDelete(op, applied Operation) (Operation, bool) {
	aStart, aEnd := applied.Position, applied.Position+applied.Length
	switch op.Kind {
	case KindInsert:
		if op.Position >= aEnd {
			op.Position -= applied.Length
		} else if op.Position > aStart {
			op.Position = aStart
		}
		return op, true
	case KindDelete:
		oStart, oEnd := op.Position, op.Position+op.Length
		if aEnd <= oStart {
			op.Position -= applied.Length
			return op, true
		}
		if aStart >= oEnd {
			return op, true
		}
		// Overlapping deletes: drop the portion already removed.
		overlap := min(oEnd, aEnd) - max(oStart, aStart)
		op.Length -= overlap
		if op.Length <= 0 {
			return op, false
		}
		if oStart > aStart {
			op.Position = aStart
		}
		return op, true
	}
	return op, false
}

// transformHistory rebases op against every applied operation in order.
func transformHistory(op Operation, history []Operation) (Operation, bool) {
	for _, applied := range history {
		var ok bool
		op, ok = transformAgainst(op, applied)
		if !ok {
			return op, false
		}
	}
	return op, true
}

// spliceContent applies a rebased operation to the document content.
// Out-of-range positions are clamped rather than rejected so that a
// rebased edit near the document tail never faults.
func spliceContent(content []rune, op Operation) []rune {
	switch op.Kind {
	case KindInsert:
		pos := clamp(op.Position, 0, len(content))
		text := []rune(op.Text)
		out := make([]rune, 0, len(content)+len(text))
		out = append(out, content[:pos]...)
		out = append(out, text...)
		out = append(out, content[pos:]...)
		return out
	case KindDelete:
		start := clamp(op.Position, 0, len(content))
		end := clamp(op.Position+op.Length, start, len(content))
		out := make([]rune, 0, len(content)-(end-start))
		out = append(out, content[:start]...)
		out = append(out, content[end:]...)
		return out
	case KindReplace:
		return []rune(op.Text)
	}
	return content
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
