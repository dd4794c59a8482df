// Package handle manages opaque, expiring handles for paginated access to
// large or streamed values.
//
// Handles for live paginated streams are process-local: the registry owns
// their cursors directly. Every other handle kind lives in the kernel's
// own long-lived handle table, which the registry fronts.
package handle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quillworks/quill/internal/notebook"
)

// ErrNotFound is returned for reads of released, expired, or unknown
// handles. Local to the single requester, never fatal.
var ErrNotFound = errors.New("handle: not found")

// DefaultTTL is how long an untouched local handle survives before the
// janitor reclaims it. Reads refresh the deadline.
const DefaultTTL = 10 * time.Minute

// Cursor yields successive encoded chunks of a local streaming value.
type Cursor interface {
	// Next returns up to count chunks; an empty result means exhausted.
	Next(count int) ([][]byte, error)
}

// KernelTable is the slice of the kernel capability the registry needs to
// front remote handle kinds.
type KernelTable interface {
	ReadHandle(ctx context.Context, kind notebook.HandleKind, id int32, count int) ([][]byte, error)
	ReleaseHandle(ctx context.Context, kind notebook.HandleKind, id int32) error
}

type entry struct {
	cursor   Cursor
	deadline time.Time
}

// Registry is the process-local handle table plus pass-through to the
// kernel's. Thread-safe.
type Registry struct {
	kernel KernelTable
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	nextID  int32
	entries map[int32]*entry
}

// NewRegistry creates a registry fronting the given kernel table.
// ttl <= 0 selects DefaultTTL.
func NewRegistry(kernel KernelTable, ttl time.Duration, log *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		kernel:  kernel,
		ttl:     ttl,
		log:     log.With("component", "handles"),
		now:     time.Now,
		entries: make(map[int32]*entry),
	}
}

// Register adds a local streaming cursor and returns its handle id.
func (r *Registry) Register(c Cursor) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.entries[id] = &entry{cursor: c, deadline: r.now().Add(r.ttl)}
	return id
}

// GetData reads up to count encoded chunks. Streaming handles are served
// from the local table when present; everything else goes to the kernel.
func (r *Registry) GetData(ctx context.Context, kind notebook.HandleKind, id int32, count int) ([][]byte, error) {
	if kind == notebook.StreamingHandle {
		r.mu.Lock()
		ent, ok := r.entries[id]
		if ok {
			ent.deadline = r.now().Add(r.ttl)
		}
		r.mu.Unlock()
		if ok {
			chunks, err := ent.cursor.Next(count)
			if err != nil {
				return nil, fmt.Errorf("handle %d: %w", id, err)
			}
			return chunks, nil
		}
		return nil, fmt.Errorf("streaming handle %d: %w", id, ErrNotFound)
	}
	if r.kernel == nil {
		return nil, fmt.Errorf("handle kind %d id %d: %w", kind, id, ErrNotFound)
	}
	return r.kernel.ReadHandle(ctx, kind, id, count)
}

// Release frees a handle. Streaming handles are process-local, so their
// release never reaches the kernel: releasing one that is unknown or
// already released is a no-op, and further reads fail with ErrNotFound.
func (r *Registry) Release(ctx context.Context, kind notebook.HandleKind, id int32) error {
	if kind == notebook.StreamingHandle {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		return nil
	}
	if r.kernel == nil {
		return nil
	}
	return r.kernel.ReleaseHandle(ctx, kind, id)
}

// Sweep removes expired local handles and returns how many it reclaimed.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, ent := range r.entries {
		if now.After(ent.deadline) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Run sweeps expired handles at the given interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug("reclaimed expired handles", "count", n)
			}
		}
	}
}

// Len returns the number of live local handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
