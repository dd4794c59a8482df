package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/notebook"
)

// Launcher launches kernels by dialing an out-of-process engine. The
// connect attempt is reported through the status sink as a task, the
// same way an in-process launcher reports dependency resolution.
type Launcher struct {
	// URL is the engine's websocket endpoint.
	URL string
	Log *slog.Logger
}

var _ kernel.Launcher = Launcher{}

// Launch dials the engine and returns the connected kernel adapter.
func (l Launcher) Launch(ctx context.Context, doc kernel.DocumentAccessor, sink kernel.StatusSink, _ notebook.Config) (kernel.Kernel, error) {
	task := kernel.Task{ID: "engine-connect", Label: "Connecting to engine", Detail: l.URL, State: kernel.TaskRunning}
	sink.TaskUpdate(task)

	k, err := Dial(ctx, l.URL, doc, l.Log)
	if err != nil {
		task.State = kernel.TaskError
		task.Detail = err.Error()
		sink.TaskUpdate(task)
		return nil, fmt.Errorf("connect engine at %s: %w", l.URL, err)
	}

	task.State = kernel.TaskComplete
	task.Progress = 1
	sink.TaskUpdate(task)
	return k, nil
}
