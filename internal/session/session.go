// Package session tracks one attached client's view of a document.
//
// A session observes the document topic and decides, per broadcast edit,
// whether to rebase it forward, forward it unchanged, or suppress it,
// based on the client's last-known global version. It owns no document
// state — only a cursor into it.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/quillworks/quill/internal/broadcast"
	"github.com/quillworks/quill/internal/message"
	"github.com/quillworks/quill/internal/notebook"
	"github.com/quillworks/quill/internal/version"
)

// Sink delivers messages to the client connection. A Send error detaches
// the session.
type Sink interface {
	Send(message.Message) error
}

// Session is one client's ephemeral attachment: created on attach,
// destroyed on detach, never persisted.
type Session struct {
	id   int
	name string

	hist *version.History
	sub  *broadcast.Subscription[message.Message]
	sink Sink
	log  *slog.Logger

	closed atomic.Bool
	done   chan struct{}

	mu          sync.Mutex
	knownGlobal notebook.Version
	delivered   notebook.Version
	local       notebook.Version
}

// New creates a session attached at the given global version.
func New(id int, name string, attachedAt notebook.Version, hist *version.History,
	sub *broadcast.Subscription[message.Message], sink Sink, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:          id,
		name:        name,
		hist:        hist,
		sub:         sub,
		sink:        sink,
		log:         log.With("component", "session", "subscriber", id),
		done:        make(chan struct{}),
		knownGlobal: attachedAt,
		delivered:   attachedAt,
	}
}

// ID returns the per-connection subscriber id.
func (s *Session) ID() int { return s.id }

// Name returns the display name given at attach.
func (s *Session) Name() string { return s.name }

// KnownGlobal returns the client's last-known global version.
func (s *Session) KnownGlobal() notebook.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownGlobal
}

// Delivered returns the last topic version this session has consumed.
// It trails KnownGlobal while broadcasts sit queued in the subscription
// buffer: the known version jumps the moment the client's own edit is
// applied, but those queued broadcasts still need the history entries
// behind it to rebase. Pruning keys on this cursor, never on KnownGlobal.
func (s *Session) Delivered() notebook.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// LocalVersion returns the count of edits the client has applied.
func (s *Session) LocalVersion() notebook.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// AdvanceOwn is called by the sequencer when this client's own edit is
// applied: the client already has that edit, so the known version jumps
// to it and the local count bumps without any forwarding.
func (s *Session) AdvanceOwn(v notebook.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownGlobal = v
	s.local = s.local.Next()
}

// Done is closed when the session stops forwarding.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops forwarding immediately. Broadcasts still buffered for the
// session are dropped, not errors. Idempotent.
func (s *Session) Close() {
	s.closed.Store(true)
}

// Run forwards topic messages to the sink until detach or sink failure.
// Call from one goroutine per session.
func (s *Session) Run() {
	defer close(s.done)
	for msg := range s.sub.C {
		if s.closed.Load() {
			return
		}
		if !s.handle(msg) {
			return
		}
	}
	if s.sub.Overflowed() {
		s.log.Warn("session dropped: broadcast buffer overflow")
	}
}

func (s *Session) handle(msg message.Message) bool {
	up, ok := msg.(message.Update)
	if !ok {
		// Status traffic (tasks, results, symbols) carries no version
		// bookkeeping; forward as-is.
		return s.send(msg)
	}

	// The delivery cursor advances for every update consumed, including
	// suppressed ones: once an update is out of the buffer nothing below
	// its version can still be needed here.
	s.mu.Lock()
	s.delivered = up.Version
	known := s.knownGlobal
	s.mu.Unlock()

	// The client's own edits come back on the topic too; the sequencer
	// already advanced our bookkeeping for them.
	if up.EditorID == s.id {
		return true
	}

	switch {
	case up.Version == known:
		// Already known to the client; suppress.
		return true
	case behind(up.Version, known):
		// Causally behind what the client has: rebase forward so the
		// client applies edits in non-decreasing version order.
		rebased, err := version.Rebase(s.hist, up.Edit, up.Version, known)
		if err != nil {
			s.log.Warn("cannot rebase broadcast; closing session", "error", err,
				"from", up.Version, "to", known)
			return false
		}
		up.Edit = rebased
		up.Version = known
		return s.forward(up, known)
	default:
		// Ahead of the client; forward unchanged. The client transforms
		// against its own pending edits locally.
		return s.forward(up, up.Version)
	}
}

func (s *Session) forward(up message.Update, newKnown notebook.Version) bool {
	if !s.send(up) {
		return false
	}
	s.mu.Lock()
	// AdvanceOwn may have moved the known version while the send was in
	// flight; never regress it.
	if behind(s.knownGlobal, newKnown) {
		s.knownGlobal = newKnown
	}
	s.local = s.local.Next()
	s.mu.Unlock()
	return true
}

func (s *Session) send(msg message.Message) bool {
	if err := s.sink.Send(msg); err != nil {
		s.log.Warn("sink failed; detaching", "error", err)
		return false
	}
	return true
}

// behind reports whether v is causally behind known in the wrapping
// version space: the wrapping distance from v forward to known is shorter
// than the other way around.
func behind(v, known notebook.Version) bool {
	d := int32(known) - int32(v)
	if d < 0 {
		d += int32(notebook.MaxVersion)
	}
	return d > 0 && d < int32(notebook.MaxVersion)/2
}
