package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill/internal/broadcast"
	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/kernel/kerneltest"
	"github.com/quillworks/quill/internal/message"
	"github.com/quillworks/quill/internal/notebook"
	"github.com/quillworks/quill/internal/sequencer"
	"github.com/quillworks/quill/internal/version"
)

type fixture struct {
	coord    *Coordinator
	seq      *sequencer.Sequencer
	topic    *broadcast.Topic[message.Message]
	fake     *kerneltest.Fake
	launcher *kerneltest.Launcher
}

func newFixture(t *testing.T, nb notebook.Notebook, opts ...Option) *fixture {
	t.Helper()
	fake := kerneltest.New()
	launcher := &kerneltest.Launcher{Kernel: fake}
	f := startFixture(t, nb, launcher, opts...)
	f.fake = fake
	f.launcher = launcher
	return f
}

// startFixture wires a coordinator around an arbitrary launcher, for
// tests that need a kernel the stock fake cannot script.
func startFixture(t *testing.T, nb notebook.Notebook, launcher kernel.Launcher, opts ...Option) *fixture {
	t.Helper()
	topic := broadcast.NewTopic[message.Message]()
	seq := sequencer.New(nb, version.NewHistory(256), topic, nil)
	coord := New(launcher, seq, topic, nil, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	seqDone := make(chan error, 1)
	coordDone := make(chan error, 1)
	go func() { seqDone <- seq.Run(ctx) }()
	go func() { coordDone <- coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-seqDone:
		case <-time.After(time.Second):
			t.Error("sequencer did not stop")
		}
		select {
		case <-coordDone:
		case <-time.After(time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return &fixture{coord: coord, seq: seq, topic: topic}
}

func oneCell() notebook.Notebook {
	return notebook.Notebook{Cells: []notebook.Cell{{ID: 1, Language: "go", Content: "1+1"}}}
}

func collect(t *testing.T, ch <-chan notebook.Result) []notebook.Result {
	t.Helper()
	var out []notebook.Result
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
			if _, end := r.(notebook.StreamEnd); end {
				return out
			}
		case <-time.After(2 * time.Second):
			t.Fatal("result stream stalled")
		}
	}
}

func TestCoordinator_LazyStartExactlyOnce(t *testing.T) {
	f := newFixture(t, oneCell())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := f.coord.Execute(context.Background(), 1)
			require.NoError(t, err)
			require.NoError(t, <-sub.Accepted)
			collect(t, sub.Results)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.launcher.Launches(), "exactly one launch side effect")
	assert.Equal(t, 1, f.fake.Starts())
	assert.Equal(t, StateReady, f.coord.CurrentState())
}

func TestCoordinator_StreamsAndFoldsResults(t *testing.T) {
	f := newFixture(t, oneCell())
	f.fake.SetResults(1,
		notebook.Output{ContentType: "text/plain", Text: "2"},
		notebook.Timing{StartMillis: 100, EndMillis: 150},
	)

	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, <-sub.Accepted)

	got := collect(t, sub.Results)
	require.Len(t, got, 3)
	assert.Equal(t, notebook.Output{ContentType: "text/plain", Text: "2"}, got[0])
	assert.Equal(t, notebook.StreamEnd{}, got[2])

	// Final ring contents replace the cell's result list, and the timing
	// result lands in metadata — both via sequencer edits.
	require.Eventually(t, func() bool {
		cell, _ := f.seq.Snapshot().Cell(1)
		return len(cell.Results) == 2 && cell.Metadata.Execution != nil
	}, 2*time.Second, 5*time.Millisecond)

	cell, _ := f.seq.Snapshot().Cell(1)
	assert.Equal(t, int64(100), cell.Metadata.Execution.StartMillis)
	assert.Equal(t, int64(150), cell.Metadata.Execution.EndMillis)
}

func TestCoordinator_RingEvictsOldest(t *testing.T) {
	f := newFixture(t, oneCell(), WithRingCapacity(3))
	f.fake.SetResults(1,
		notebook.Output{Text: "1"}, notebook.Output{Text: "2"}, notebook.Output{Text: "3"},
		notebook.Output{Text: "4"}, notebook.Output{Text: "5"},
	)

	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	collect(t, sub.Results)

	require.Eventually(t, func() bool {
		cell, _ := f.seq.Snapshot().Cell(1)
		return len(cell.Results) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cell, _ := f.seq.Snapshot().Cell(1)
	assert.Equal(t, notebook.Results{
		notebook.Output{Text: "3"}, notebook.Output{Text: "4"}, notebook.Output{Text: "5"},
	}, cell.Results, "only the most recent N survive")
}

func TestCoordinator_SubmissionsSerializedInOrder(t *testing.T) {
	nb := notebook.Notebook{Cells: []notebook.Cell{{ID: 1}, {ID: 2}, {ID: 3}}}
	f := newFixture(t, nb)

	var subs []Submission
	for _, id := range []notebook.CellID{1, 2, 3} {
		sub, err := f.coord.Execute(context.Background(), id)
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		collect(t, sub.Results)
	}
	assert.Equal(t, []notebook.CellID{1, 2, 3}, f.fake.Executed())
}

func TestCoordinator_CancelDeliversTerminalResult(t *testing.T) {
	f := newFixture(t, oneCell())
	f.fake.SetResults(1, notebook.Output{Text: "partial"})
	release := f.fake.Hold(1)
	defer release()

	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, <-sub.Accepted)

	// First result arrives while the stream is held open.
	first := <-sub.Results
	assert.Equal(t, notebook.Output{Text: "partial"}, first)

	require.NoError(t, f.coord.CancelAll(context.Background()))
	assert.True(t, f.fake.Canceled())

	rest := collect(t, sub.Results)
	require.Len(t, rest, 2)
	assert.Equal(t, notebook.ErrorResult{Message: "execution canceled"}, rest[0],
		"canceled stream still resolves with a terminal result")
	assert.Equal(t, notebook.StreamEnd{}, rest[1])
}

// deafKernel swallows CancelAll: in-flight streams stay open.
type deafKernel struct{ *kerneltest.Fake }

func (deafKernel) CancelAll(context.Context) error { return nil }

type staticLauncher struct{ k kernel.Kernel }

func (l staticLauncher) Launch(ctx context.Context, doc kernel.DocumentAccessor, sink kernel.StatusSink, cfg notebook.Config) (kernel.Kernel, error) {
	return l.k, nil
}

// A kernel that ignores cancellation entirely must not leave consumers
// blocked: the coordinator resolves the stream itself.
func TestCoordinator_CancelResolvesWithoutKernelCooperation(t *testing.T) {
	fake := kerneltest.New()
	fake.SetResults(1, notebook.Output{Text: "partial"})
	release := fake.Hold(1)
	defer release()
	f := startFixture(t, oneCell(), staticLauncher{deafKernel{fake}})

	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, <-sub.Accepted)
	assert.Equal(t, notebook.Output{Text: "partial"}, <-sub.Results)

	require.NoError(t, f.coord.CancelAll(context.Background()))

	rest := collect(t, sub.Results)
	require.Len(t, rest, 2)
	assert.Equal(t, notebook.ErrorResult{Message: "execution canceled"}, rest[0])
	assert.Equal(t, notebook.StreamEnd{}, rest[1])
	assert.False(t, fake.Canceled(), "the kernel never honored the cancel")
}

func TestCoordinator_LaunchFailureIsRetryable(t *testing.T) {
	f := newFixture(t, oneCell())
	f.launcher.Err = errors.New("dependency fetch failed")

	statusSub := f.topic.Subscribe(64)

	_, err := f.coord.Execute(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, StateNotStarted, f.coord.CurrentState(), "failed launch stays retryable")

	// The failure surfaced as an Error task on the status topic.
	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-statusSub.C:
				if ts, ok := msg.(message.TaskStatus); ok && ts.Task.State == kernel.TaskError {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)

	f.launcher.Err = nil
	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	collect(t, sub.Results)
	assert.Equal(t, StateReady, f.coord.CurrentState())
}

func TestCoordinator_LiveValueUpdatesUntilFinalized(t *testing.T) {
	f := newFixture(t, oneCell())
	f.fake.SetResults(1, notebook.Value{Name: "table", LiveHandle: 7})

	statusSub := f.topic.Subscribe(64)

	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	collect(t, sub.Results)

	// The watch attaches asynchronously after the Value result.
	require.Eventually(t, func() bool {
		f.fake.PushHandleUpdate(7, kernel.HandleUpdate{Data: []byte("row")})
		for {
			select {
			case msg := <-statusSub.C:
				if lu, ok := msg.(message.LiveUpdate); ok && !lu.Final {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	f.fake.PushHandleUpdate(7, kernel.HandleUpdate{Data: []byte("done"), Final: true})
	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-statusSub.C:
				if lu, ok := msg.(message.LiveUpdate); ok && lu.Final {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_PublishesBusyThenIdle(t *testing.T) {
	f := newFixture(t, oneCell())
	f.fake.SetResults(1, notebook.Output{Text: "2"})

	statusSub := f.topic.Subscribe(64)

	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	collect(t, sub.Results)

	var transitions []bool
	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-statusSub.C:
				if ks, ok := msg.(message.KernelStatus); ok {
					transitions = append(transitions, ks.Busy)
				}
			default:
				return len(transitions) >= 2
			}
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []bool{true, false}, transitions)
}

func TestCoordinator_ReplayServesLatecomers(t *testing.T) {
	f := newFixture(t, oneCell())
	f.fake.SetResults(1, notebook.Output{Text: "early"})
	release := f.fake.Hold(1)
	defer release()

	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, <-sub.Accepted)
	assert.Equal(t, notebook.Output{Text: "early"}, <-sub.Results)

	past, live, open := f.coord.Replay(sub.TaskID)
	require.True(t, open)
	require.NotNil(t, live)
	assert.Equal(t, []notebook.Result{notebook.Output{Text: "early"}}, past)

	release()
	var tail []notebook.Result
	for r := range live {
		tail = append(tail, r)
		if _, end := r.(notebook.StreamEnd); end {
			break
		}
	}
	assert.Equal(t, notebook.StreamEnd{}, tail[len(tail)-1])

	collect(t, sub.Results)
	require.Eventually(t, func() bool {
		_, _, stillOpen := f.coord.Replay(sub.TaskID)
		return !stillOpen
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_ExecuteUnknownCellFails(t *testing.T) {
	f := newFixture(t, oneCell())
	_, err := f.coord.Execute(context.Background(), 99)
	assert.Error(t, err)
}

func TestCoordinator_ShutdownIsTerminal(t *testing.T) {
	f := newFixture(t, oneCell())
	sub, err := f.coord.Execute(context.Background(), 1)
	require.NoError(t, err)
	collect(t, sub.Results)

	require.NoError(t, f.coord.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, f.coord.CurrentState())

	_, err = f.coord.Execute(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStopped)

	// Idempotent.
	require.NoError(t, f.coord.Shutdown(context.Background()))
}
