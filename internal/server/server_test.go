package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill/internal/config"
	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/kernel/kerneltest"
	"github.com/quillworks/quill/internal/message"
	"github.com/quillworks/quill/internal/notebook"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []message.Message
	fail bool
}

func (c *captureSink) Send(m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection gone")
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSink) failNext() {
	c.mu.Lock()
	c.fail = true
	c.mu.Unlock()
}

func (c *captureSink) updates() []message.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message.Update
	for _, m := range c.msgs {
		if up, ok := m.(message.Update); ok {
			out = append(out, up)
		}
	}
	return out
}

func (c *captureSink) results() []message.CellResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message.CellResult
	for _, m := range c.msgs {
		if r, ok := m.(message.CellResult); ok {
			out = append(out, r)
		}
	}
	return out
}

// orderedKernel records how many sessions were still attached when the
// kernel was told to shut down.
type orderedKernel struct {
	*kerneltest.Fake
	srv                *Server
	sessionsAtShutdown int
}

func (o *orderedKernel) Shutdown(ctx context.Context) error {
	o.sessionsAtShutdown = o.srv.Sessions()
	return o.Fake.Shutdown(ctx)
}

type recordingStore struct {
	mu      sync.Mutex
	saved   bool
	nb      notebook.Notebook
	version notebook.Version
}

func (r *recordingStore) Save(ctx context.Context, nb notebook.Notebook, v notebook.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = true
	r.nb = nb
	r.version = v
	return nil
}

type launcherFunc func(ctx context.Context, doc kernel.DocumentAccessor, sink kernel.StatusSink, cfg notebook.Config) (kernel.Kernel, error)

func (f launcherFunc) Launch(ctx context.Context, doc kernel.DocumentAccessor, sink kernel.StatusSink, cfg notebook.Config) (kernel.Kernel, error) {
	return f(ctx, doc, sink, cfg)
}

type fixture struct {
	srv   *Server
	fake  *kerneltest.Fake
	store *recordingStore
	ord   *orderedKernel

	cancel context.CancelFunc
	runErr chan error
}

func newFixture(t *testing.T, nb notebook.Notebook) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Handles.SweepSeconds = 1

	fake := kerneltest.New()
	ord := &orderedKernel{Fake: fake, sessionsAtShutdown: -1}
	store := &recordingStore{}

	launcher := launcherFunc(func(ctx context.Context, doc kernel.DocumentAccessor, sink kernel.StatusSink, _ notebook.Config) (kernel.Kernel, error) {
		return ord, nil
	})

	srv := New(cfg, nb, launcher, store, nil)
	ord.srv = srv

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx); close(runErr) }()

	f := &fixture{srv: srv, fake: fake, store: store, ord: ord, cancel: cancel, runErr: runErr}
	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return f
}

func oneCell() notebook.Notebook {
	return notebook.Notebook{
		Path:  "demo.qnb",
		Cells: []notebook.Cell{{ID: 1, Language: "go", Content: "1+1"}},
	}
}

func TestServer_BroadcastReachesOtherSessionsOnly(t *testing.T) {
	f := newFixture(t, oneCell())

	alice := &captureSink{}
	bob := &captureSink{}
	sa, err := f.srv.Attach("alice", alice)
	require.NoError(t, err)
	_, err = f.srv.Attach("bob", bob)
	require.NoError(t, err)

	assert.Equal(t, 1, sa.ID(), "session ids start at 1")

	pending, err := f.srv.Submit(context.Background(), sa.ID(), notebook.UpdateContent{
		Stamp:   notebook.Stamp{Global: f.srv.Version()},
		ID:      1,
		Content: "2+2",
	})
	require.NoError(t, err)
	p := <-pending
	require.NoError(t, p.Err)
	assert.Equal(t, notebook.Version(1), p.Version)

	require.Eventually(t, func() bool {
		return len(bob.updates()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, notebook.Version(1), bob.updates()[0].Version)

	// The originator never sees its own edit come back.
	assert.Empty(t, alice.updates())

	cell, ok := f.srv.Snapshot().Cell(1)
	require.True(t, ok)
	assert.Equal(t, "2+2", cell.Content)
}

func TestServer_ExecutionResultsFanOutToAllSessions(t *testing.T) {
	f := newFixture(t, oneCell())
	f.fake.SetResults(1, notebook.Output{ContentType: "text/plain", Text: "2"})

	alice := &captureSink{}
	bob := &captureSink{}
	_, err := f.srv.Attach("alice", alice)
	require.NoError(t, err)
	_, err = f.srv.Attach("bob", bob)
	require.NoError(t, err)

	sub, err := f.srv.Execute(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, <-sub.Accepted)

	for _, sink := range []*captureSink{alice, bob} {
		require.Eventually(t, func() bool {
			for _, r := range sink.results() {
				if _, ok := r.Result.(notebook.StreamEnd); ok {
					return true
				}
			}
			return false
		}, 2*time.Second, 5*time.Millisecond)
	}

	// The fold arrives at every session as a server-originated edit.
	require.Eventually(t, func() bool {
		ups := bob.updates()
		return len(ups) > 0 && ups[len(ups)-1].EditorID == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_SinkFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, oneCell())

	alice := &captureSink{}
	bob := &captureSink{}
	_, err := f.srv.Attach("alice", alice)
	require.NoError(t, err)
	sb, err := f.srv.Attach("bob", bob)
	require.NoError(t, err)
	require.Equal(t, 2, f.srv.Sessions())

	bob.failNext()
	pending, err := f.srv.Submit(context.Background(), 1, notebook.SetLanguage{
		Stamp:    notebook.Stamp{Global: f.srv.Version()},
		ID:       1,
		Language: "sql",
	})
	require.NoError(t, err)
	require.NoError(t, (<-pending).Err)

	require.Eventually(t, func() bool {
		return f.srv.Sessions() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Detaching an already-detached id is a no-op.
	f.srv.Detach(sb.ID())
	assert.Equal(t, 1, f.srv.Sessions())
}

func TestServer_ShutdownClosesSessionsBeforeKernel(t *testing.T) {
	f := newFixture(t, oneCell())
	f.fake.SetResults(1, notebook.Output{Text: "done"})

	sink := &captureSink{}
	_, err := f.srv.Attach("alice", sink)
	require.NoError(t, err)

	// Start the kernel so shutdown has something to stop.
	sub, err := f.srv.Execute(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, <-sub.Accepted)
	for range sub.Results {
	}

	f.cancel()
	select {
	case err := <-f.runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	<-f.srv.Done()

	assert.Equal(t, 0, f.ord.sessionsAtShutdown,
		"sessions must be closed before the kernel stops")

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.True(t, f.store.saved)
	assert.Equal(t, "demo.qnb", f.store.nb.Path)

	_, err = f.srv.Attach("late", &captureSink{})
	assert.Error(t, err, "attach after shutdown is rejected")
}

func TestServer_HandleRegistryFrontsKernelTable(t *testing.T) {
	f := newFixture(t, oneCell())
	f.fake.SetHandle(5, []byte("a"), []byte("b"))

	// Kernel not started yet: kernel-table reads fail locally.
	_, err := f.srv.HandleData(context.Background(), notebook.LazyHandle, 5, 1)
	require.Error(t, err)

	sub, err := f.srv.Execute(context.Background(), 1)
	require.NoError(t, err)
	for range sub.Results {
	}

	chunks, err := f.srv.HandleData(context.Background(), notebook.LazyHandle, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, chunks)

	require.NoError(t, f.srv.ReleaseHandle(context.Background(), notebook.LazyHandle, 5))
	_, err = f.srv.HandleData(context.Background(), notebook.LazyHandle, 5, 1)
	assert.Error(t, err)
}
