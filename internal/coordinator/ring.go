package coordinator

import (
	"sync"

	"github.com/quillworks/quill/internal/notebook"
)

// DefaultRingCapacity bounds the per-execution replay buffer.
const DefaultRingCapacity = 1000

// ring is the bounded per-execution result buffer: capacity N, oldest
// discarded first. Owned by the coordinator until the execution
// completes, at which point its final contents replace the cell's result
// list and the ring is discarded.
type ring struct {
	mu  sync.Mutex
	buf []notebook.Result
	cap int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &ring{cap: capacity}
}

func (r *ring) add(res notebook.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == r.cap {
		copy(r.buf, r.buf[1:])
		r.buf[len(r.buf)-1] = res
		return
	}
	r.buf = append(r.buf, res)
}

func (r *ring) snapshot() notebook.Results {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(notebook.Results, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
