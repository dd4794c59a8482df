// Package version provides the global version counter and the bounded
// history buffer that backs rebasing.
//
// The counter is the sequencer's logical clock: one tick per applied edit,
// strictly gapless, wrapping modulo notebook.MaxVersion. Any observed gap
// is an internal-consistency fault, never something to retry.
package version

import (
	"sync/atomic"

	"github.com/quillworks/quill/internal/notebook"
)

// Counter is a wrapping monotonic version counter.
//
// Thread-safety: safe for concurrent use, though the sequencer's
// single-writer design means only one goroutine calls Next.
type Counter struct {
	v atomic.Int32
}

// NewCounter returns a counter positioned at start. The first Next call
// returns start+1 (mod wrap).
func NewCounter(start notebook.Version) *Counter {
	c := &Counter{}
	c.v.Store(int32(start))
	return c
}

// Next advances the counter and returns the new version.
func (c *Counter) Next() notebook.Version {
	for {
		cur := c.v.Load()
		next := int32(notebook.Version(cur).Next())
		if c.v.CompareAndSwap(cur, next) {
			return notebook.Version(next)
		}
	}
}

// Current returns the current version without advancing.
func (c *Counter) Current() notebook.Version {
	return notebook.Version(c.v.Load())
}
