// Package kernel defines the capability interface to the computation
// engine. The engine itself (language execution, completion internals,
// dependency resolution) is an external collaborator; the server only
// ever talks to it through these interfaces.
package kernel

import (
	"context"

	"github.com/quillworks/quill/internal/notebook"
)

// TaskState is the lifecycle of a unit of kernel work.
type TaskState int

const (
	// TaskQueued means the task is accepted but not yet running.
	TaskQueued TaskState = iota + 1
	// TaskRunning means the kernel has begun work.
	TaskRunning
	// TaskComplete is terminal success.
	TaskComplete
	// TaskError is terminal failure.
	TaskError
)

// Terminal reports whether the state is Complete or Error.
func (s TaskState) Terminal() bool {
	return s == TaskComplete || s == TaskError
}

// Task describes one unit of kernel work: an execution, a dependency
// download, an interpreter start. No transition skips Running except a
// cancellation that forces a terminal state directly.
type Task struct {
	ID       string
	Label    string
	Detail   string
	State    TaskState
	Progress float64 // 0..1
}

// Symbol is one entry of the kernel's current symbol table.
type Symbol struct {
	Name     string
	TypeName string
	CellID   notebook.CellID
}

// Completion is one code-completion candidate.
type Completion struct {
	Name     string
	TypeName string
}

// ParameterHints describes the signature at a call site.
type ParameterHints struct {
	Name       string
	Doc        string
	Parameters []Parameter
}

// Parameter is one parameter of a signature hint.
type Parameter struct {
	Name     string
	TypeName string
}

// Execution is a kernel's handle on an accepted cell execution. Accepted
// resolves (nil or an error) once the kernel has queued the work, so a
// caller observing only status need not consume Results. Results is
// unbounded from the caller's perspective and is closed by the kernel
// when the execution finishes, successfully or not.
type Execution struct {
	Accepted <-chan error
	Results  <-chan notebook.Result
}

// HandleUpdate is one change to a live-updating value. Final marks the
// backing store's finalization signal; no updates follow it.
type HandleUpdate struct {
	Data  []byte
	Final bool
}

// Kernel is the computation engine capability consumed by the execution
// coordinator. Concurrent declares whether the implementation tolerates
// concurrent calls; if false the coordinator serializes access.
type Kernel interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// PrepareUnit readies the interpreter for a cell's language without
	// executing it, streaming any setup results.
	PrepareUnit(ctx context.Context, id notebook.CellID) (<-chan notebook.Result, error)

	// Execute queues a cell for execution. The kernel processes one cell
	// at a time; acceptance and result consumption are decoupled.
	Execute(ctx context.Context, id notebook.CellID) (Execution, error)

	CompletionsAt(ctx context.Context, id notebook.CellID, offset int) ([]Completion, error)
	ParametersAt(ctx context.Context, id notebook.CellID, offset int) (*ParameterHints, error)
	CurrentSymbols(ctx context.Context) ([]Symbol, error)
	CurrentTasks(ctx context.Context) ([]Task, error)
	IsIdle(ctx context.Context) (bool, error)

	// Info returns diagnostic key/value pairs (e.g. UI links), or nil.
	Info(ctx context.Context) (map[string]string, error)

	// ReadHandle returns up to count encoded chunks from one of the
	// kernel's handle tables.
	ReadHandle(ctx context.Context, kind notebook.HandleKind, id int32, count int) ([][]byte, error)

	// ModifyStream applies table operations to a streaming handle and
	// returns the new handle id, or ok=false if unsupported for it.
	ModifyStream(ctx context.Context, id int32, ops []TableOp) (newID int32, ok bool, err error)

	ReleaseHandle(ctx context.Context, kind notebook.HandleKind, id int32) error

	// HandleUpdates observes a live-updating value until finalization;
	// the kernel closes the channel after the Final update.
	HandleUpdates(id int32) <-chan HandleUpdate

	// CancelAll is advisory: best-effort interruption of in-flight work.
	CancelAll(ctx context.Context) error

	// Concurrent reports whether the kernel tolerates concurrent calls.
	Concurrent() bool
}

// TableOp is one operation of a stream modification (grouping,
// aggregation, sampling). Opaque to the server.
type TableOp struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// DocumentAccessor gives the kernel read access to document snapshots
// without exposing any mutable state.
type DocumentAccessor interface {
	Snapshot() notebook.Notebook
}

// StatusSink receives task lifecycle events from a launcher before the
// kernel is usable (dependency resolution, interpreter warm-up).
type StatusSink interface {
	TaskUpdate(Task)
}

// Launcher constructs kernels. Dependency resolution and download happen
// inside Launch, with progress reported through the sink.
type Launcher interface {
	Launch(ctx context.Context, doc DocumentAccessor, sink StatusSink, cfg notebook.Config) (Kernel, error)
}
