package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/quill/internal/broadcast"
	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/message"
	"github.com/quillworks/quill/internal/notebook"
)

// Submission is the caller's handle on an accepted execution. Accepted
// resolves once the kernel has queued the cell; Results is a private
// subscription to the execution's stream. A caller that only awaits
// Accepted never buffers results — the subscription is simply dropped on
// overflow without affecting any other consumer.
type Submission struct {
	TaskID   string
	CellID   notebook.CellID
	Accepted <-chan error
	Results  <-chan notebook.Result
}

type execution struct {
	taskID   string
	cellID   notebook.CellID
	accepted chan error
	results  <-chan notebook.Result // the kernel's stream, set at submit
	ring     *ring
	stream   *broadcast.Topic[notebook.Result]
	canceled chan struct{} // closed by CancelAll
	done     chan struct{} // closed when the pump finishes
}

func (e *execution) cancel() {
	select {
	case <-e.canceled:
	default:
		close(e.canceled)
	}
}

func (e *execution) isCanceled() bool {
	select {
	case <-e.canceled:
		return true
	default:
		return false
	}
}

// Execute queues a cell for execution, lazily starting the kernel. The
// returned submission's acceptance and result stream resolve
// independently.
func (c *Coordinator) Execute(ctx context.Context, id notebook.CellID) (Submission, error) {
	if _, err := c.ensureStarted(ctx); err != nil {
		return Submission{}, err
	}
	if _, ok := c.doc.Snapshot().Cell(id); !ok {
		return Submission{}, fmt.Errorf("execute: no cell %d", id)
	}

	exec := &execution{
		taskID:   uuid.NewString(),
		cellID:   id,
		accepted: make(chan error, 1),
		ring:     newRing(c.ringCap),
		stream:   broadcast.NewTopic[notebook.Result](),
		canceled: make(chan struct{}),
		done:     make(chan struct{}),
	}
	sub := exec.stream.Subscribe(c.ringCap + 2)

	c.execMu.Lock()
	c.open[exec.taskID] = exec
	c.execMu.Unlock()
	c.taskUpdate(kernel.Task{ID: exec.taskID, Label: fmt.Sprintf("Cell %d", id), State: kernel.TaskQueued})

	select {
	case c.queue <- exec:
	case <-ctx.Done():
		c.dropExecution(exec)
		return Submission{}, ctx.Err()
	}

	return Submission{TaskID: exec.taskID, CellID: id, Accepted: exec.accepted, Results: sub.C}, nil
}

// Replay returns the buffered results so far for an open execution plus
// a live subscription for the remainder — the latecomer path. The bool
// reports whether the execution is still open.
func (c *Coordinator) Replay(taskID string) ([]notebook.Result, <-chan notebook.Result, bool) {
	c.execMu.Lock()
	exec, ok := c.open[taskID]
	c.execMu.Unlock()
	if !ok {
		return nil, nil, false
	}
	// Snapshot before subscribing: anything published between the two is
	// delivered twice at worst, never lost. Consumers treat results as
	// append-only and idempotent at the boundary.
	past := exec.ring.snapshot()
	sub := exec.stream.Subscribe(c.ringCap + 2)
	if sub == nil {
		return past, nil, false
	}
	return past, sub.C, true
}

// Run consumes the submission queue in order, handing one cell at a time
// to the kernel. Result pumps run concurrently; only submission order is
// serialized. Returns when ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case exec := <-c.queue:
			c.submit(ctx, exec)
		}
	}
}

// submit hands one execution to the kernel and waits for acceptance, so
// kernel-side execution order matches request order. The pump then owns
// the execution.
func (c *Coordinator) submit(ctx context.Context, exec *execution) {
	c.mu.Lock()
	k := c.kernel
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		c.failExecution(exec, ErrStopped)
		return
	}

	unlock := c.lockKernel(k)
	kexec, err := k.Execute(ctx, exec.cellID)
	unlock()
	if err != nil {
		c.failExecution(exec, err)
		return
	}

	select {
	case err := <-kexec.Accepted:
		exec.accepted <- err
		if err != nil {
			c.failExecution(exec, err)
			return
		}
	case <-ctx.Done():
		c.failExecution(exec, ctx.Err())
		return
	}

	exec.results = kexec.Results
	c.taskUpdate(kernel.Task{ID: exec.taskID, Label: fmt.Sprintf("Cell %d", exec.cellID), State: kernel.TaskRunning})
	c.markRunning(1)
	go c.pump(ctx, k, exec)
}

// pump consumes one execution's result stream to completion. Every
// result is simultaneously ring-buffered, broadcast on the document
// topic, broadcast on the execution's own stream, and — for timing
// results — folded into the cell's metadata. On stream end the ring's
// final contents replace the cell's result list and the end-of-stream
// sentinel goes to all consumers.
func (c *Coordinator) pump(ctx context.Context, k kernel.Kernel, exec *execution) {
	defer close(exec.done)
	defer c.markRunning(-1)
	sawError := false

loop:
	for {
		select {
		case r, ok := <-exec.results:
			if !ok {
				break loop
			}
			exec.ring.add(r)
			c.publishResult(exec, r)

			switch res := r.(type) {
			case notebook.Timing:
				c.foldTiming(ctx, exec.cellID, res)
			case notebook.ErrorResult:
				sawError = true
			case notebook.Value:
				if res.LiveHandle != 0 {
					go c.watchLive(k, res.LiveHandle)
				}
			}

		case <-exec.canceled:
			// Cancellation is advisory to the kernel; terminal resolution
			// must not wait for it to comply. Abandon its stream and drain
			// it in the background so the kernel side never blocks.
			go func(rs <-chan notebook.Result) {
				for range rs {
				}
			}(exec.results)
			break loop
		}
	}

	if exec.isCanceled() && !sawError {
		// Cancellation is advisory to the kernel, but consumers must
		// still see a terminal result.
		r := notebook.ErrorResult{Message: "execution canceled"}
		exec.ring.add(r)
		c.publishResult(exec, r)
		sawError = true
	}

	c.foldResults(ctx, exec)
	c.publishResult(exec, notebook.StreamEnd{})

	state := kernel.TaskComplete
	if sawError {
		state = kernel.TaskError
	}
	c.taskUpdate(kernel.Task{ID: exec.taskID, Label: fmt.Sprintf("Cell %d", exec.cellID), State: state, Progress: 1})

	c.execMu.Lock()
	delete(c.open, exec.taskID)
	c.execMu.Unlock()
	exec.stream.Close()
}

func (c *Coordinator) publishResult(exec *execution, r notebook.Result) {
	c.topic.Publish(message.CellResult{CellID: exec.cellID, TaskID: exec.taskID, Result: r})
	exec.stream.Publish(r)
}

// foldTiming updates the cell's execution info; the most recent timing
// result wins.
func (c *Coordinator) foldTiming(ctx context.Context, id notebook.CellID, t notebook.Timing) {
	cell, ok := c.doc.Snapshot().Cell(id)
	if !ok {
		return
	}
	meta := cell.Metadata
	meta.Execution = &notebook.ExecutionInfo{StartMillis: t.StartMillis, EndMillis: t.EndMillis}
	c.submitEdit(ctx, notebook.SetMetadata{
		Stamp:    notebook.Stamp{Global: c.doc.Version()},
		ID:       id,
		Metadata: meta,
	})
}

// foldResults replaces the cell's result list with the ring's final
// contents — only the most recent ringCap results survive eviction.
func (c *Coordinator) foldResults(ctx context.Context, exec *execution) {
	c.submitEdit(ctx, notebook.SetResults{
		Stamp:   notebook.Stamp{Global: c.doc.Version()},
		ID:      exec.cellID,
		Results: exec.ring.snapshot(),
	})
}

// submitEdit routes a coordinator-originated edit through the sequencer —
// the only write path to document state.
func (c *Coordinator) submitEdit(ctx context.Context, e notebook.Edit) {
	pending, err := c.doc.Submit(ctx, EditorID, e)
	if err != nil {
		c.log.Warn("result fold rejected", "error", err)
		return
	}
	select {
	case p := <-pending:
		if p.Err != nil {
			c.log.Warn("result fold failed", "error", p.Err)
		}
	case <-time.After(10 * time.Second):
		c.log.Warn("result fold timed out")
	}
}

// watchLive re-broadcasts updates of a live-updating value on its own
// notification path until the backing store finalizes it. Runs
// independently of the main result stream.
func (c *Coordinator) watchLive(k kernel.Kernel, handleID int32) {
	final := false
	for u := range k.HandleUpdates(handleID) {
		c.topic.Publish(message.LiveUpdate{Handle: handleID, Data: u.Data, Final: u.Final})
		if u.Final {
			final = true
		}
	}
	if !final {
		// The kernel closed the watch without finalizing (shutdown,
		// cancel). Consumers still need the close signal.
		c.topic.Publish(message.LiveUpdate{Handle: handleID, Final: true})
	}
}

// CancelAll asks the kernel to interrupt in-flight work. Advisory: the
// kernel may ignore it, but every open execution is marked so its stream
// resolves with a terminal result rather than leaving consumers stuck.
func (c *Coordinator) CancelAll(ctx context.Context) error {
	c.execMu.Lock()
	for _, exec := range c.open {
		exec.cancel()
	}
	c.execMu.Unlock()

	c.mu.Lock()
	k := c.kernel
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return nil
	}
	unlock := c.lockKernel(k)
	defer unlock()
	return k.CancelAll(ctx)
}

// failExecution resolves an execution that never produced a stream.
func (c *Coordinator) failExecution(exec *execution, err error) {
	select {
	case exec.accepted <- err:
	default:
	}
	r := notebook.ErrorResult{Message: err.Error()}
	exec.ring.add(r)
	c.publishResult(exec, r)
	c.publishResult(exec, notebook.StreamEnd{})
	c.taskUpdate(kernel.Task{ID: exec.taskID, State: kernel.TaskError, Detail: err.Error()})
	c.dropExecution(exec)
	close(exec.done)
}

func (c *Coordinator) dropExecution(exec *execution) {
	c.execMu.Lock()
	delete(c.open, exec.taskID)
	c.execMu.Unlock()
	exec.stream.Close()
}
