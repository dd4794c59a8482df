// Package coordinator manages the lifecycle of the single computation
// kernel and orchestrates cell execution against it.
//
// The kernel starts lazily, at most once, under mutual exclusion: the
// first caller wins the Starting phase and everyone else waits on its
// outcome. Execution submissions serialize into requested order at the
// kernel boundary, while each execution's results stream independently —
// fanned out to the document topic, buffered in a bounded per-execution
// ring for replay, and folded back into document state through the
// sequencer when the stream completes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quillworks/quill/internal/broadcast"
	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/message"
	"github.com/quillworks/quill/internal/notebook"
	"github.com/quillworks/quill/internal/sequencer"
)

// State is the kernel lifecycle. ShuttingDown is irreversible; a restart
// means a fresh kernel instance, never reuse.
type State int32

const (
	// StateNotStarted means no kernel exists yet (or the last launch
	// failed and may be retried).
	StateNotStarted State = iota
	// StateStarting means one caller is launching; others wait.
	StateStarting
	// StateReady means the kernel accepts work. Busy/idle within Ready
	// is queried from the kernel, not transitioned here.
	StateReady
	// StateShuttingDown means Shutdown is in progress.
	StateShuttingDown
	// StateStopped is terminal.
	StateStopped
)

// ErrStopped rejects work after shutdown has begun.
var ErrStopped = errors.New("coordinator: kernel stopped")

// ErrNotReady rejects handle reads before the kernel exists; a kernel
// that never ran has no handles to serve.
var ErrNotReady = errors.New("coordinator: kernel not ready")

// EditorID is the editor id the coordinator submits edits under. Session
// ids start at 1, so 0 is reserved for the server itself.
const EditorID = 0

// DocumentSource is the slice of the sequencer the coordinator needs:
// snapshot reads and the single write path for folding results.
type DocumentSource interface {
	Snapshot() notebook.Notebook
	Version() notebook.Version
	Submit(ctx context.Context, editorID int, e notebook.Edit) (<-chan sequencer.Pending, error)
}

// Coordinator owns the kernel lifecycle, the task table, and all open
// executions.
type Coordinator struct {
	launcher kernel.Launcher
	doc      DocumentSource
	topic    *broadcast.Topic[message.Message]
	log      *slog.Logger
	ringCap  int

	mu        sync.Mutex // guards state, kernel, startDone
	state     State
	kernel    kernel.Kernel
	startDone chan struct{}

	callMu sync.Mutex // serializes kernel calls when it is not concurrent

	execMu  sync.Mutex
	queue   chan *execution
	open    map[string]*execution
	tasks   map[string]kernel.Task
	running int
}

// Option configures a coordinator.
type Option func(*Coordinator)

// WithRingCapacity overrides the per-execution replay buffer size.
func WithRingCapacity(n int) Option {
	return func(c *Coordinator) { c.ringCap = n }
}

// New creates a coordinator. Run must be started for executions to make
// progress.
func New(launcher kernel.Launcher, doc DocumentSource, topic *broadcast.Topic[message.Message], log *slog.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		launcher: launcher,
		doc:      doc,
		topic:    topic,
		log:      log.With("component", "coordinator"),
		ringCap:  DefaultRingCapacity,
		queue:    make(chan *execution, 128),
		open:     make(map[string]*execution),
		tasks:    make(map[string]kernel.Task),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CurrentState returns the lifecycle state.
func (c *Coordinator) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ensureStarted returns the ready kernel, launching it if this is the
// first caller. Exactly one launch side effect happens no matter how many
// callers race; losers block until the winner's outcome and then either
// use the kernel or retry a failed launch themselves.
func (c *Coordinator) ensureStarted(ctx context.Context) (kernel.Kernel, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateReady:
			k := c.kernel
			c.mu.Unlock()
			return k, nil

		case StateStarting:
			done := c.startDone
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case StateNotStarted:
			done := make(chan struct{})
			c.state = StateStarting
			c.startDone = done
			c.mu.Unlock()

			k, err := c.launch(ctx)

			c.mu.Lock()
			if err != nil {
				c.state = StateNotStarted
			} else {
				c.state = StateReady
				c.kernel = k
			}
			c.mu.Unlock()
			close(done)
			if err != nil {
				return nil, err
			}
			return k, nil

		default:
			c.mu.Unlock()
			return nil, ErrStopped
		}
	}
}

// launch runs the launcher and starts the kernel, reporting the whole
// thing as a task on the status topic. A failure surfaces as an Error
// task and leaves the lifecycle retryable.
func (c *Coordinator) launch(ctx context.Context) (kernel.Kernel, error) {
	task := kernel.Task{ID: "kernel", Label: "Starting kernel", State: kernel.TaskRunning}
	c.taskUpdate(task)

	cfg := c.doc.Snapshot().Config
	k, err := c.launcher.Launch(ctx, docAccessor{c.doc}, sinkFunc(c.taskUpdate), cfg)
	if err == nil {
		err = k.Start(ctx)
	}
	if err != nil {
		task.State = kernel.TaskError
		task.Detail = err.Error()
		c.taskUpdate(task)
		c.log.Error("kernel launch failed", "error", err)
		return nil, fmt.Errorf("launch kernel: %w", err)
	}
	task.State = kernel.TaskComplete
	task.Progress = 1
	c.taskUpdate(task)
	return k, nil
}

// Shutdown stops the kernel after the caller has closed all sessions.
// Terminal: the coordinator accepts no further work.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateShuttingDown || c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	k := c.kernel
	c.state = StateShuttingDown
	c.mu.Unlock()

	var err error
	if k != nil {
		err = k.Shutdown(ctx)
	}

	c.mu.Lock()
	c.state = StateStopped
	c.kernel = nil
	c.mu.Unlock()
	return err
}

// taskUpdate records a task in the owned table and publishes it.
func (c *Coordinator) taskUpdate(t kernel.Task) {
	c.execMu.Lock()
	if t.State.Terminal() {
		delete(c.tasks, t.ID)
	} else {
		c.tasks[t.ID] = t
	}
	c.execMu.Unlock()
	c.topic.Publish(message.TaskStatus{Task: t})
}

// markRunning tracks how many executions are pumping and publishes the
// busy/idle transition on the document topic.
func (c *Coordinator) markRunning(delta int) {
	c.execMu.Lock()
	was := c.running
	c.running += delta
	now := c.running
	c.execMu.Unlock()
	switch {
	case was == 0 && now > 0:
		c.topic.Publish(message.KernelStatus{Busy: true})
	case was > 0 && now == 0:
		c.topic.Publish(message.KernelStatus{Busy: false})
	}
}

// Tasks returns the live (non-terminal) tasks the coordinator owns.
func (c *Coordinator) Tasks() []kernel.Task {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	out := make([]kernel.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out
}

// IsIdle queries the kernel; a kernel that was never started is idle.
func (c *Coordinator) IsIdle(ctx context.Context) (bool, error) {
	c.mu.Lock()
	k := c.kernel
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return true, nil
	}
	defer c.lockKernel(k)()
	return k.IsIdle(ctx)
}

// Info returns the kernel's diagnostic map, or nil before start.
func (c *Coordinator) Info(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	k := c.kernel
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return nil, nil
	}
	defer c.lockKernel(k)()
	return k.Info(ctx)
}

// Completions asks the kernel for completions, starting it if needed.
func (c *Coordinator) Completions(ctx context.Context, id notebook.CellID, offset int) ([]kernel.Completion, error) {
	k, err := c.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	defer c.lockKernel(k)()
	return k.CompletionsAt(ctx, id, offset)
}

// ParameterHints asks the kernel for signature help, starting it if needed.
func (c *Coordinator) ParameterHints(ctx context.Context, id notebook.CellID, offset int) (*kernel.ParameterHints, error) {
	k, err := c.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	defer c.lockKernel(k)()
	return k.ParametersAt(ctx, id, offset)
}

// Symbols publishes and returns the kernel's current symbol table.
func (c *Coordinator) Symbols(ctx context.Context) ([]kernel.Symbol, error) {
	c.mu.Lock()
	k := c.kernel
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return nil, nil
	}
	unlock := c.lockKernel(k)
	syms, err := k.CurrentSymbols(ctx)
	unlock()
	if err != nil {
		return nil, err
	}
	c.topic.Publish(message.SymbolUpdate{Symbols: syms})
	return syms, nil
}

// Prepare readies the interpreter for a cell's language without running
// it, draining any setup results onto the document topic.
func (c *Coordinator) Prepare(ctx context.Context, id notebook.CellID) error {
	k, err := c.ensureStarted(ctx)
	if err != nil {
		return err
	}
	unlock := c.lockKernel(k)
	stream, err := k.PrepareUnit(ctx, id)
	unlock()
	if err != nil {
		return err
	}
	go func() {
		for r := range stream {
			c.topic.Publish(message.CellResult{CellID: id, Result: r})
		}
	}()
	return nil
}

// ReadHandle passes a handle read through to the kernel's handle table.
func (c *Coordinator) ReadHandle(ctx context.Context, kind notebook.HandleKind, id int32, count int) ([][]byte, error) {
	c.mu.Lock()
	k := c.kernel
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return nil, ErrNotReady
	}
	defer c.lockKernel(k)()
	return k.ReadHandle(ctx, kind, id, count)
}

// ModifyStream passes a stream modification through to the kernel.
func (c *Coordinator) ModifyStream(ctx context.Context, id int32, ops []kernel.TableOp) (int32, bool, error) {
	c.mu.Lock()
	k := c.kernel
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return 0, false, ErrNotReady
	}
	defer c.lockKernel(k)()
	return k.ModifyStream(ctx, id, ops)
}

// ReleaseHandle releases a kernel-table handle. Releasing against a
// kernel that never started is a no-op.
func (c *Coordinator) ReleaseHandle(ctx context.Context, kind notebook.HandleKind, id int32) error {
	c.mu.Lock()
	k := c.kernel
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return nil
	}
	defer c.lockKernel(k)()
	return k.ReleaseHandle(ctx, kind, id)
}

// lockKernel serializes calls when the kernel does not tolerate
// concurrency. Returns the unlock func.
func (c *Coordinator) lockKernel(k kernel.Kernel) func() {
	if k.Concurrent() {
		return func() {}
	}
	c.callMu.Lock()
	return c.callMu.Unlock
}

type docAccessor struct {
	doc DocumentSource
}

func (d docAccessor) Snapshot() notebook.Notebook { return d.doc.Snapshot() }

type sinkFunc func(kernel.Task)

func (f sinkFunc) TaskUpdate(t kernel.Task) { f(t) }
