package version

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quillworks/quill/internal/notebook"
)

// ErrTruncated reports that a requested range has been pruned from the
// history buffer. The affected client must re-sync rather than rebase.
var ErrTruncated = errors.New("history: range truncated")

// DefaultCapacity bounds the history buffer. One stalled subscriber must
// not pin unbounded history, so the ring evicts oldest entries past this
// regardless of the low watermark.
const DefaultCapacity = 4096

// Entry is one applied edit in the global order.
type Entry struct {
	Version  notebook.Version
	EditorID int
	Edit     notebook.Edit
}

// History is the append-only bounded log of applied edits, keyed by the
// versions the sequencer assigned. Appends must carry strictly successive
// versions; Range serves the rebase fold.
//
// Thread-safety: safe for concurrent use. The sequencer is the only
// appender; sessions read ranges while rebasing.
type History struct {
	mu      sync.RWMutex
	entries []Entry // entries[i].Version == entries[0].Version + i (mod wrap)
	cap     int
}

// NewHistory creates a history buffer with the given capacity
// (DefaultCapacity if cap <= 0).
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{cap: capacity}
}

// Append records an applied edit. The version must be the successor of the
// previously appended version; anything else indicates sequencer
// corruption and returns an error the caller treats as fatal.
func (h *History) Append(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n > 0 {
		last := h.entries[n-1].Version
		if !last.IsSuccessor(e.Version) {
			return fmt.Errorf("history: version gap: appended %d after %d", e.Version, last)
		}
	}
	h.entries = append(h.entries, e)
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
	return nil
}

// Range returns the entries with versions in (from, to], ascending. The
// interval is taken in wrapping version order: to must be reachable from
// from by successive increments within the buffered window.
func (h *History) Range(from, to notebook.Version) ([]Entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if from == to {
		return nil, nil
	}
	if len(h.entries) == 0 {
		return nil, ErrTruncated
	}
	oldest := h.entries[0].Version
	newest := h.entries[len(h.entries)-1].Version

	start, ok := h.offsetOf(oldest, from.Next())
	if !ok {
		return nil, ErrTruncated
	}
	end, ok := h.offsetOf(oldest, to)
	if !ok || end < start {
		return nil, fmt.Errorf("history: version %d not buffered (have %d..%d): %w",
			to, oldest, newest, ErrTruncated)
	}
	out := make([]Entry, end-start+1)
	copy(out, h.entries[start:end+1])
	return out, nil
}

// PruneBelow discards entries older than v (exclusive: the entry for v
// itself is kept). Called by the sequencer with the minimum delivery
// cursor across active subscribers, the low watermark.
func (h *History) PruneBelow(v notebook.Version) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) == 0 {
		return
	}
	i, ok := h.offsetOf(h.entries[0].Version, v)
	if !ok || i == 0 {
		return
	}
	h.entries = append(h.entries[:0], h.entries[i:]...)
}

// Len returns the number of buffered entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// offsetOf converts a version to an index relative to oldest, within the
// buffered window. Wrapping distance keeps this correct across the modulo
// boundary.
func (h *History) offsetOf(oldest, v notebook.Version) (int, bool) {
	d := int32(v) - int32(oldest)
	if d < 0 {
		d += int32(notebook.MaxVersion)
	}
	if int(d) >= len(h.entries) {
		return 0, false
	}
	return int(d), true
}
