// Package sequencer implements the update sequencer: the single
// serialization point for document mutation.
//
// Any number of producers submit edits; exactly one consumer loop assigns
// each a strictly increasing global version, applies it to the canonical
// notebook value, logs it to the history buffer, and publishes it on the
// document topic. Nothing else writes document state, which is what lets
// every other component read lock-free immutable snapshots.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/quillworks/quill/internal/broadcast"
	"github.com/quillworks/quill/internal/message"
	"github.com/quillworks/quill/internal/notebook"
	"github.com/quillworks/quill/internal/version"
)

// ErrClosed is returned by Submit after the sequencer has stopped.
var ErrClosed = errors.New("sequencer: closed")

// ErrVersionGap is the fatal internal-consistency fault: the counter
// produced something other than the successor of the previous version.
// It aborts the sequencer and is never retried.
var ErrVersionGap = errors.New("sequencer: version sequence gap")

// Pending resolves a submitted edit: the version the sequencer assigned,
// or the reason it was rejected.
type Pending struct {
	Version notebook.Version
	Err     error
}

// Subscriber is the sequencer's view of an attached session. The
// sequencer updates the submitter's bookkeeping when its edit is applied
// and reads delivery cursors to compute the pruning low watermark.
type Subscriber interface {
	ID() int
	// Delivered is the last topic version the subscriber has consumed.
	// Broadcasts past it may still sit in its buffer and need the history
	// entries behind its known version to rebase, so pruning keys on this
	// cursor rather than on the known version.
	Delivered() notebook.Version
	// AdvanceOwn records that the subscriber's own edit was applied at v:
	// its known global version becomes v and its local count increments.
	AdvanceOwn(v notebook.Version)
}

type eventKind int

const (
	evSubmit eventKind = iota + 1
	evAttach
	evDetach
)

type event struct {
	kind     eventKind
	editorID int
	edit     notebook.Edit
	done     chan Pending
	sub      Subscriber
	attached chan notebook.Version
	detached chan struct{}
}

// Sequencer owns the canonical notebook value, the version counter, the
// history buffer, and the subscriber table. All of them are mutated only
// inside Run.
type Sequencer struct {
	queue   *submitQueue
	counter *version.Counter
	history *version.History
	topic   *broadcast.Topic[message.Message]
	log     *slog.Logger

	current atomic.Value // notebook.Notebook snapshot
	subs    map[int]Subscriber
}

// New creates a sequencer over an initial notebook value.
func New(nb notebook.Notebook, hist *version.History, topic *broadcast.Topic[message.Message], log *slog.Logger) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	s := &Sequencer{
		queue:   newSubmitQueue(),
		counter: version.NewCounter(0),
		history: hist,
		topic:   topic,
		log:     log.With("component", "sequencer"),
		subs:    make(map[int]Subscriber),
	}
	s.current.Store(nb)
	return s
}

// Snapshot returns the current notebook value. Lock-free; the returned
// value is immutable.
func (s *Sequencer) Snapshot() notebook.Notebook {
	return s.current.Load().(notebook.Notebook)
}

// Version returns the current global version.
func (s *Sequencer) Version() notebook.Version {
	return s.counter.Current()
}

// Submit queues an edit for sequencing. The returned channel resolves
// with the assigned version once the consumer loop has applied the edit.
// Safe from any goroutine.
func (s *Sequencer) Submit(ctx context.Context, editorID int, e notebook.Edit) (<-chan Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan Pending, 1)
	if !s.queue.enqueue(event{kind: evSubmit, editorID: editorID, edit: e, done: done}) {
		return nil, ErrClosed
	}
	return done, nil
}

// Attach registers a subscriber and returns the global version current at
// the moment of attachment, which is the version its session starts from.
func (s *Sequencer) Attach(sub Subscriber) (notebook.Version, error) {
	reply := make(chan notebook.Version, 1)
	if !s.queue.enqueue(event{kind: evAttach, sub: sub, attached: reply}) {
		return 0, ErrClosed
	}
	return <-reply, nil
}

// Detach removes a subscriber and re-evaluates the pruning watermark.
// Idempotent; detaching an unknown id is a no-op.
func (s *Sequencer) Detach(id int) {
	done := make(chan struct{}, 1)
	if s.queue.enqueue(event{kind: evDetach, editorID: id, detached: done}) {
		<-done
	}
}

// Run is the single consumer loop. Must be called from exactly one
// goroutine; returns when ctx is cancelled or on a fatal invariant
// violation. Outstanding submissions are resolved with ErrClosed on the
// way out.
func (s *Sequencer) Run(ctx context.Context) error {
	defer s.drain()
	for {
		for {
			e, ok := s.queue.tryDequeue()
			if !ok {
				break
			}
			if err := s.process(e); err != nil {
				s.log.Error("sequencer aborting", "error", err)
				return err
			}
		}
		if err := s.queue.wait(ctx); err != nil {
			return nil
		}
	}
}

func (s *Sequencer) drain() {
	for _, e := range s.queue.close() {
		s.resolve(e, Pending{Err: ErrClosed})
	}
	for {
		e, ok := s.queue.tryDequeue()
		if !ok {
			return
		}
		s.resolve(e, Pending{Err: ErrClosed})
	}
}

func (s *Sequencer) resolve(e event, p Pending) {
	switch e.kind {
	case evSubmit:
		e.done <- p
	case evAttach:
		e.attached <- s.counter.Current()
	case evDetach:
		e.detached <- struct{}{}
	}
}

func (s *Sequencer) process(e event) error {
	switch e.kind {
	case evAttach:
		s.subs[e.sub.ID()] = e.sub
		e.attached <- s.counter.Current()
		return nil
	case evDetach:
		delete(s.subs, e.editorID)
		s.prune()
		e.detached <- struct{}{}
		return nil
	case evSubmit:
		return s.apply(e)
	default:
		return fmt.Errorf("sequencer: unknown event kind %d", e.kind)
	}
}

// apply is the one place document state changes.
func (s *Sequencer) apply(e event) error {
	cur := s.counter.Current()
	edit := e.edit

	// An edit computed against an older version is rebased over the
	// intervening history before it touches canonical state. A truncated
	// range (or a declared version ahead of the sequencer) rejects the
	// edit; the client must re-sync.
	if from := edit.EditStamp().Global; from != cur {
		rebased, err := version.Rebase(s.history, edit, from, cur)
		if err != nil {
			e.done <- Pending{Err: fmt.Errorf("rebase from %d to %d: %w", from, cur, err)}
			return nil
		}
		edit = rebased
	}

	newVersion := s.counter.Next()
	if !cur.IsSuccessor(newVersion) {
		e.done <- Pending{Err: ErrVersionGap}
		return fmt.Errorf("%w: %d after %d", ErrVersionGap, newVersion, cur)
	}

	nb := s.Snapshot()
	prepared := notebook.Prepare(nb, edit)
	s.current.Store(notebook.Apply(nb, prepared))

	if err := s.history.Append(version.Entry{Version: newVersion, EditorID: e.editorID, Edit: prepared}); err != nil {
		e.done <- Pending{Err: ErrVersionGap}
		return fmt.Errorf("%w: %v", ErrVersionGap, err)
	}

	if sub, ok := s.subs[e.editorID]; ok {
		sub.AdvanceOwn(newVersion)
	}

	s.topic.Publish(message.Update{Version: newVersion, EditorID: e.editorID, Edit: prepared})
	e.done <- Pending{Version: newVersion}
	s.prune()
	return nil
}

// prune discards history below the low watermark: the delivery cursor of
// the most-behind subscriber, measured as wrapping distance from the
// current version. A subscriber's known version can run ahead of its
// cursor (its own edit applies while older broadcasts are still queued),
// so the cursor is what pins history. With no subscribers the ring's own
// capacity is the only bound.
func (s *Sequencer) prune() {
	if len(s.subs) == 0 {
		return
	}
	cur := s.counter.Current()
	var maxBehind int32
	for _, sub := range s.subs {
		d := int32(cur) - int32(sub.Delivered())
		if d < 0 {
			d += int32(notebook.MaxVersion)
		}
		if d > maxBehind {
			maxBehind = d
		}
	}
	low := int32(cur) - maxBehind
	if low < 0 {
		low += int32(notebook.MaxVersion)
	}
	s.history.PruneBelow(notebook.Version(low))
}
