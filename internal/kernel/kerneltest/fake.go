// Package kerneltest provides a scripted in-process kernel for tests.
package kerneltest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/notebook"
)

// Fake is a scripted kernel. Script results per cell with SetResults,
// keep an execution's stream open with Hold, and interrupt held
// executions with CancelAll, the way a real engine would.
type Fake struct {
	// StartErr fails Start when set.
	StartErr error
	// StartDelay stretches Start, for racing lazy-launch callers.
	StartDelay time.Duration
	// ConcurrentCalls is what Concurrent() reports.
	ConcurrentCalls bool

	mu       sync.Mutex
	started  bool
	shutdown bool
	starts   int
	executed []notebook.CellID
	results  map[notebook.CellID][]notebook.Result
	held     map[notebook.CellID]*holder
	watches  map[int32]chan kernel.HandleUpdate
	handles  map[int32][][]byte
	released []int32
	canceled bool
}

// holder keeps one execution's stream open until released. Release and
// CancelAll may race; the once makes either path safe.
type holder struct {
	ch   chan struct{}
	once sync.Once
}

func (h *holder) release() { h.once.Do(func() { close(h.ch) }) }

// New returns an empty scripted kernel.
func New() *Fake {
	return &Fake{
		results: make(map[notebook.CellID][]notebook.Result),
		held:    make(map[notebook.CellID]*holder),
		watches: make(map[int32]chan kernel.HandleUpdate),
		handles: make(map[int32][][]byte),
	}
}

// SetResults scripts the results an execution of id will stream.
func (f *Fake) SetResults(id notebook.CellID, rs ...notebook.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = rs
}

// Hold keeps id's result stream open after its scripted results until
// CancelAll (or Release of the returned func).
func (f *Fake) Hold(id notebook.CellID) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &holder{ch: make(chan struct{})}
	f.held[id] = h
	return h.release
}

// Starts reports how many Start side effects happened.
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Executed returns the order cells reached the kernel.
func (f *Fake) Executed() []notebook.CellID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notebook.CellID(nil), f.executed...)
}

// Canceled reports whether CancelAll was called.
func (f *Fake) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

// Released returns handle ids released through the kernel table.
func (f *Fake) Released() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.released...)
}

// SetHandle scripts chunks served by ReadHandle for id.
func (f *Fake) SetHandle(id int32, chunks ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[id] = chunks
}

// PushHandleUpdate feeds a live-value update to watchers of id.
func (f *Fake) PushHandleUpdate(id int32, u kernel.HandleUpdate) {
	f.mu.Lock()
	ch := f.watches[id]
	f.mu.Unlock()
	if ch != nil {
		ch <- u
		if u.Final {
			close(ch)
			f.mu.Lock()
			delete(f.watches, id)
			f.mu.Unlock()
		}
	}
}

func (f *Fake) Start(ctx context.Context) error {
	if f.StartDelay > 0 {
		select {
		case <-time.After(f.StartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.started = true
	f.starts++
	return nil
}

func (f *Fake) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	f.started = false
	return nil
}

func (f *Fake) PrepareUnit(ctx context.Context, id notebook.CellID) (<-chan notebook.Result, error) {
	ch := make(chan notebook.Result)
	close(ch)
	return ch, nil
}

func (f *Fake) Execute(ctx context.Context, id notebook.CellID) (kernel.Execution, error) {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return kernel.Execution{}, errors.New("kerneltest: not started")
	}
	f.executed = append(f.executed, id)
	scripted := append([]notebook.Result(nil), f.results[id]...)
	hold := f.held[id]
	f.mu.Unlock()

	accepted := make(chan error, 1)
	results := make(chan notebook.Result)
	go func() {
		accepted <- nil
		for _, r := range scripted {
			results <- r
		}
		if hold != nil {
			<-hold.ch
		}
		close(results)
	}()
	return kernel.Execution{Accepted: accepted, Results: results}, nil
}

func (f *Fake) CompletionsAt(ctx context.Context, id notebook.CellID, offset int) ([]kernel.Completion, error) {
	return []kernel.Completion{{Name: "println", TypeName: "func"}}, nil
}

func (f *Fake) ParametersAt(ctx context.Context, id notebook.CellID, offset int) (*kernel.ParameterHints, error) {
	return nil, nil
}

func (f *Fake) CurrentSymbols(ctx context.Context) ([]kernel.Symbol, error) {
	return nil, nil
}

func (f *Fake) CurrentTasks(ctx context.Context) ([]kernel.Task, error) {
	return nil, nil
}

func (f *Fake) IsIdle(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held) == 0, nil
}

func (f *Fake) Info(ctx context.Context) (map[string]string, error) {
	return map[string]string{"kernel": "fake"}, nil
}

func (f *Fake) ReadHandle(ctx context.Context, kind notebook.HandleKind, id int32, count int) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chunks, ok := f.handles[id]
	if !ok {
		return nil, errors.New("kerneltest: no such handle")
	}
	if count > len(chunks) {
		count = len(chunks)
	}
	out := chunks[:count]
	f.handles[id] = chunks[count:]
	return out, nil
}

func (f *Fake) ModifyStream(ctx context.Context, id int32, ops []kernel.TableOp) (int32, bool, error) {
	return 0, false, nil
}

func (f *Fake) ReleaseHandle(ctx context.Context, kind notebook.HandleKind, id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	delete(f.handles, id)
	return nil
}

func (f *Fake) HandleUpdates(id int32) <-chan kernel.HandleUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan kernel.HandleUpdate, 16)
	f.watches[id] = ch
	return ch
}

// CancelAll interrupts held executions, releasing their streams the way a
// real engine's best-effort interruption would.
func (f *Fake) CancelAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	for id, h := range f.held {
		h.release()
		delete(f.held, id)
	}
	return nil
}

func (f *Fake) Concurrent() bool { return f.ConcurrentCalls }

// Launcher launches Fake kernels, reporting a dependency-resolution task
// to the status sink first the way a real launcher does.
type Launcher struct {
	// Kernel is what Launch returns; nil constructs a fresh Fake.
	Kernel *Fake
	// Err fails the launch when set.
	Err error

	mu       sync.Mutex
	launches int
}

// Launches reports how many launch side effects occurred.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *Launcher) Launch(ctx context.Context, doc kernel.DocumentAccessor, sink kernel.StatusSink, cfg notebook.Config) (kernel.Kernel, error) {
	l.mu.Lock()
	l.launches++
	l.mu.Unlock()

	task := kernel.Task{ID: "deps", Label: "Resolving dependencies", State: kernel.TaskRunning}
	sink.TaskUpdate(task)
	if l.Err != nil {
		task.State = kernel.TaskError
		task.Detail = l.Err.Error()
		sink.TaskUpdate(task)
		return nil, l.Err
	}
	task.State = kernel.TaskComplete
	task.Progress = 1
	sink.TaskUpdate(task)

	k := l.Kernel
	if k == nil {
		k = New()
	}
	return k, nil
}
