package remote

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/kernel/kerneltest"
	"github.com/quillworks/quill/internal/notebook"
)

type staticDoc struct {
	nb notebook.Notebook
}

func (d staticDoc) Snapshot() notebook.Notebook { return d.nb }

// dialFixture runs a Host around a scripted kernel and dials it.
func dialFixture(t *testing.T, fake *kerneltest.Fake, doc kernel.DocumentAccessor) (*Kernel, *Host) {
	t.Helper()
	require.NoError(t, fake.Start(context.Background()))

	host := NewHost(fake, "ws://127.0.0.1:9007", nil)
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	k, err := Dial(context.Background(), url, doc, nil)
	require.NoError(t, err)
	t.Cleanup(func() { k.conn.close() })
	return k, host
}

func TestRemote_AnnouncesAddressOnConnect(t *testing.T) {
	k, _ := dialFixture(t, kerneltest.New(), staticDoc{})
	assert.Equal(t, "ws://127.0.0.1:9007", k.Addr())
}

func TestRemote_ExecuteStreamsResults(t *testing.T) {
	fake := kerneltest.New()
	fake.SetResults(1,
		notebook.Output{ContentType: "text/plain", Text: "hello"},
		notebook.Timing{StartMillis: 10, EndMillis: 20},
	)
	k, _ := dialFixture(t, fake, staticDoc{})

	exec, err := k.Execute(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, <-exec.Accepted)

	var got []notebook.Result
	for r := range exec.Results {
		got = append(got, r)
	}
	assert.Equal(t, []notebook.Result{
		notebook.Output{ContentType: "text/plain", Text: "hello"},
		notebook.Timing{StartMillis: 10, EndMillis: 20},
	}, got)
}

func TestRemote_PerRequestErrorKeepsConnectionOpen(t *testing.T) {
	fake := kerneltest.New()
	k, _ := dialFixture(t, fake, staticDoc{})

	_, err := k.ReadHandle(context.Background(), notebook.StreamingHandle, 404, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such handle")

	// Same connection still serves requests.
	info, err := k.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", info["kernel"])
}

func TestRemote_HandleDataRoundTrip(t *testing.T) {
	fake := kerneltest.New()
	fake.SetHandle(5, []byte("one"), []byte("two"), []byte("three"))
	k, _ := dialFixture(t, fake, staticDoc{})

	chunks, err := k.ReadHandle(context.Background(), notebook.StreamingHandle, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, chunks)

	require.NoError(t, k.ReleaseHandle(context.Background(), notebook.StreamingHandle, 5))
	assert.Equal(t, []int32{5}, fake.Released())
}

func TestRemote_CompletionsAndIdle(t *testing.T) {
	k, _ := dialFixture(t, kerneltest.New(), staticDoc{})

	comps, err := k.CompletionsAt(context.Background(), 1, 4)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "println", comps[0].Name)

	idle, err := k.IsIdle(context.Background())
	require.NoError(t, err)
	assert.True(t, idle)
}

func TestRemote_WatchHandleStreamsUntilFinal(t *testing.T) {
	fake := kerneltest.New()
	k, _ := dialFixture(t, fake, staticDoc{})

	updates := k.HandleUpdates(9)
	fake.PushHandleUpdate(9, kernel.HandleUpdate{Data: []byte("row")})
	fake.PushHandleUpdate(9, kernel.HandleUpdate{Data: []byte("done"), Final: true})

	var got []kernel.HandleUpdate
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				require.Len(t, got, 2)
				assert.Equal(t, []byte("row"), got[0].Data)
				assert.True(t, got[1].Final)
				return
			}
			got = append(got, u)
		case <-time.After(2 * time.Second):
			t.Fatal("handle updates stalled")
		}
	}
}

func TestRemote_HostFetchesInitialNotebook(t *testing.T) {
	nb := notebook.Notebook{
		Path:  "demo.qnb",
		Cells: []notebook.Cell{{ID: 1, Language: "go", Content: "1+1"}},
	}
	_, host := dialFixture(t, kerneltest.New(), staticDoc{nb: nb})

	// Force one exchange so the connection is fully established.
	got, err := host.Document(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "demo.qnb", got.Path)
	require.Len(t, got.Cells, 1)
	assert.Equal(t, "1+1", got.Cells[0].Content)
}

func TestRemote_CancelAllReachesKernel(t *testing.T) {
	fake := kerneltest.New()
	k, _ := dialFixture(t, fake, staticDoc{})

	require.NoError(t, k.CancelAll(context.Background()))
	assert.True(t, fake.Canceled())
}

func TestRemote_ShutdownClosesConnection(t *testing.T) {
	fake := kerneltest.New()
	k, _ := dialFixture(t, fake, staticDoc{})

	require.NoError(t, k.Shutdown(context.Background()))
	_, err := k.Info(context.Background())
	assert.Error(t, err)
}
