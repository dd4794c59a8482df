// Package server hosts one notebook: it owns the sequencer, the
// document topic, the execution coordinator, the handle registry, and
// the attached sessions, and enforces the shutdown order between them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quillworks/quill/internal/broadcast"
	"github.com/quillworks/quill/internal/config"
	"github.com/quillworks/quill/internal/coordinator"
	"github.com/quillworks/quill/internal/handle"
	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/message"
	"github.com/quillworks/quill/internal/notebook"
	"github.com/quillworks/quill/internal/sequencer"
	"github.com/quillworks/quill/internal/session"
	"github.com/quillworks/quill/internal/storage"
	"github.com/quillworks/quill/internal/version"
)

// Persister is the slice of the storage layer the server uses to save
// the document on shutdown. Nil disables persistence.
type Persister interface {
	Save(ctx context.Context, nb notebook.Notebook, v notebook.Version) error
}

var _ Persister = (*storage.Store)(nil)

type attachment struct {
	sess *session.Session
	sub  *broadcast.Subscription[message.Message]
}

// Server is one running document host.
type Server struct {
	log     *slog.Logger
	topic   *broadcast.Topic[message.Message]
	hist    *version.History
	seq     *sequencer.Sequencer
	coord   *coordinator.Coordinator
	handles *handle.Registry
	store   Persister

	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[int]attachment
	nextID   int
	closing  bool

	done chan struct{}
}

// New assembles a server around an initial notebook value. launcher
// provides the computation engine; store may be nil for an ephemeral
// document.
func New(cfg config.Config, nb notebook.Notebook, launcher kernel.Launcher, store Persister, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	topic := broadcast.NewTopic[message.Message]()
	hist := version.NewHistory(cfg.History.Capacity)
	seq := sequencer.New(nb, hist, topic, log)
	coord := coordinator.New(launcher, seq, topic, log,
		coordinator.WithRingCapacity(cfg.Executor.RingCapacity))

	return &Server{
		log:           log.With("component", "server", "notebook", nb.Path),
		topic:         topic,
		hist:          hist,
		seq:           seq,
		coord:         coord,
		handles:       handle.NewRegistry(coord, time.Duration(cfg.Handles.TTLSeconds)*time.Second, log),
		store:         store,
		sweepInterval: time.Duration(cfg.Handles.SweepSeconds) * time.Second,
		sessions:      make(map[int]attachment),
		done:          make(chan struct{}),
	}
}

// Run drives the server's component loops until ctx is done, then shuts
// down in order: sessions first, then the kernel, then persistence,
// then the done signal.
func (s *Server) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.seq.Run(loopCtx); err != nil {
			// A sequencer abort is a fatal invariant violation; bring the
			// whole server down rather than serving stale state.
			select {
			case errCh <- err:
			default:
			}
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.coord.Run(loopCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.handles.Run(loopCtx, s.sweepInterval)
	}()

	select {
	case <-ctx.Done():
	case <-loopCtx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	s.shutdown(shutdownCtx)

	cancel()
	wg.Wait()
	close(s.done)

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Done is closed once shutdown has fully completed.
func (s *Server) Done() <-chan struct{} { return s.done }

// shutdown closes sessions before the kernel so no post-mortem
// broadcast can reach a closing session, then persists the document.
func (s *Server) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	atts := make([]attachment, 0, len(s.sessions))
	for _, att := range s.sessions {
		atts = append(atts, att)
	}
	s.sessions = make(map[int]attachment)
	s.mu.Unlock()

	for _, att := range atts {
		att.sess.Close()
		s.topic.Unsubscribe(att.sub)
		s.seq.Detach(att.sess.ID())
	}

	if err := s.coord.Shutdown(ctx); err != nil {
		s.log.Warn("kernel shutdown failed", "error", err)
	}

	if s.store != nil {
		nb := s.seq.Snapshot()
		if err := s.store.Save(ctx, nb, s.seq.Version()); err != nil {
			s.log.Error("persisting notebook failed", "error", err)
		}
	}
}

// Attach creates a session for a client connection. Session ids start
// at 1; id 0 is the server's own editor id. The returned session is
// already forwarding.
func (s *Server) Attach(name string, sink session.Sink) (*session.Session, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, fmt.Errorf("attach %q: %w", name, sequencer.ErrClosed)
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	// Subscribing before reading the version means an edit landing in
	// between is delivered through the topic rather than lost; the
	// session forwards it as ahead-of-known.
	sub := s.topic.Subscribe(broadcast.DefaultBuffer)
	sess := session.New(id, name, s.seq.Version(), s.hist, sub, sink, s.log)

	if _, err := s.seq.Attach(sess); err != nil {
		s.topic.Unsubscribe(sub)
		return nil, fmt.Errorf("attach %q: %w", name, err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.topic.Unsubscribe(sub)
		s.seq.Detach(id)
		return nil, fmt.Errorf("attach %q: %w", name, sequencer.ErrClosed)
	}
	s.sessions[id] = attachment{sess: sess, sub: sub}
	s.mu.Unlock()

	go sess.Run()
	go func() {
		// A session that stops on its own (sink failure, unrebasable
		// broadcast) still needs its slot released.
		<-sess.Done()
		s.Detach(id)
	}()

	s.log.Info("session attached", "subscriber", id, "name", name)
	return sess, nil
}

// Detach closes a session and releases its slot immediately. In-flight
// broadcasts still buffered for it are dropped. Idempotent.
func (s *Server) Detach(id int) {
	s.mu.Lock()
	att, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	att.sess.Close()
	s.topic.Unsubscribe(att.sub)
	s.seq.Detach(id)
	s.log.Info("session detached", "subscriber", id)
}

// Sessions returns the number of attached sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Snapshot returns the current document value.
func (s *Server) Snapshot() notebook.Notebook { return s.seq.Snapshot() }

// Version returns the current global version.
func (s *Server) Version() notebook.Version { return s.seq.Version() }

// Submit sequences an edit on behalf of a client.
func (s *Server) Submit(ctx context.Context, editorID int, e notebook.Edit) (<-chan sequencer.Pending, error) {
	return s.seq.Submit(ctx, editorID, e)
}

// Execute queues a cell for execution.
func (s *Server) Execute(ctx context.Context, id notebook.CellID) (coordinator.Submission, error) {
	return s.coord.Execute(ctx, id)
}

// Replay returns an open execution's buffered results plus a live tail.
func (s *Server) Replay(taskID string) ([]notebook.Result, <-chan notebook.Result, bool) {
	return s.coord.Replay(taskID)
}

// CancelAll interrupts in-flight executions.
func (s *Server) CancelAll(ctx context.Context) error {
	return s.coord.CancelAll(ctx)
}

// Completions asks the kernel for completions at a position.
func (s *Server) Completions(ctx context.Context, id notebook.CellID, offset int) ([]kernel.Completion, error) {
	return s.coord.Completions(ctx, id, offset)
}

// ParameterHints asks the kernel for signature help at a position.
func (s *Server) ParameterHints(ctx context.Context, id notebook.CellID, offset int) (*kernel.ParameterHints, error) {
	return s.coord.ParameterHints(ctx, id, offset)
}

// Symbols returns the kernel's current symbol table.
func (s *Server) Symbols(ctx context.Context) ([]kernel.Symbol, error) {
	return s.coord.Symbols(ctx)
}

// Tasks returns the live task table.
func (s *Server) Tasks() []kernel.Task { return s.coord.Tasks() }

// IsIdle reports whether the kernel has in-flight work.
func (s *Server) IsIdle(ctx context.Context) (bool, error) { return s.coord.IsIdle(ctx) }

// KernelInfo returns the kernel's diagnostic map.
func (s *Server) KernelInfo(ctx context.Context) (map[string]string, error) {
	return s.coord.Info(ctx)
}

// HandleData reads chunks from a streaming or kernel handle.
func (s *Server) HandleData(ctx context.Context, kind notebook.HandleKind, id int32, count int) ([][]byte, error) {
	return s.handles.GetData(ctx, kind, id, count)
}

// ReleaseHandle frees a handle.
func (s *Server) ReleaseHandle(ctx context.Context, kind notebook.HandleKind, id int32) error {
	return s.handles.Release(ctx, kind, id)
}

// RegisterCursor adds a local streaming cursor and returns its handle.
func (s *Server) RegisterCursor(c handle.Cursor) int32 {
	return s.handles.Register(c)
}
