package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/notebook"
)

// Kernel adapts a remote engine connection to the kernel capability. It
// also answers the engine's own requests: the only one an engine issues
// is initial_notebook, served from the document accessor.
type Kernel struct {
	conn *conn
	doc  kernel.DocumentAccessor
	log  *slog.Logger
	addr string
}

var _ kernel.Kernel = (*Kernel)(nil)

// Dial connects to an out-of-process engine, waits for its address
// announcement, and returns the kernel adapter. The context bounds the
// dial and handshake only.
func Dial(ctx context.Context, url string, doc kernel.DocumentAccessor, log *slog.Logger) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial engine: %w", err)
	}

	// The peer announces before accepting requests; nothing is sent
	// until the announcement arrives.
	var first Frame
	if err := ws.ReadJSON(&first); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read announcement: %w", err)
	}
	if first.Type != FrameAnnounce {
		_ = ws.Close()
		return nil, fmt.Errorf("expected announcement, got %q", first.Type)
	}
	var ann Announce
	if err := DecodePayload(first, &ann); err != nil {
		_ = ws.Close()
		return nil, err
	}

	k := &Kernel{
		conn: newConn(ws, log),
		doc:  doc,
		log:  log.With("component", "remote-kernel", "engine", ann.Addr),
		addr: ann.Addr,
	}
	go k.conn.readLoop(context.Background(), k.handle)
	return k, nil
}

// Addr is the address the engine announced on connect.
func (k *Kernel) Addr() string { return k.addr }

// handle serves requests initiated by the engine peer.
func (k *Kernel) handle(ctx context.Context, c *conn, f Frame) {
	switch f.Type {
	case ReqInitialNotebook:
		nb := k.doc.Snapshot()
		if err := c.sendPayload(FrameResponse, f.ID, NotebookResponse{Notebook: nb}); err != nil {
			k.log.Warn("initial notebook not delivered", "error", err)
		}
	default:
		c.sendError(f.ID, fmt.Errorf("unsupported request %q", f.Type))
	}
}

// Start is satisfied by the connection itself: a dialable engine is a
// started engine.
func (k *Kernel) Start(ctx context.Context) error { return nil }

// Shutdown asks the engine to stop and closes the connection.
func (k *Kernel) Shutdown(ctx context.Context) error {
	_, err := k.conn.call(ctx, ReqShutdown, nil)
	k.conn.close()
	return err
}

// PrepareUnit streams interpreter-setup results for a cell's language.
func (k *Kernel) PrepareUnit(ctx context.Context, id notebook.CellID) (<-chan notebook.Result, error) {
	frames, err := k.conn.callStream(ctx, ReqStartInterpreterFor, CellRequest{Cell: id})
	if err != nil {
		return nil, err
	}
	return k.decodeResults(frames), nil
}

// Execute queues a cell on the engine. The response frame is the
// acceptance; results stream under the same request id.
func (k *Kernel) Execute(ctx context.Context, id notebook.CellID) (kernel.Execution, error) {
	accepted := make(chan error, 1)
	results := make(chan notebook.Result)

	frames, err := k.conn.callStream(ctx, ReqQueueCell, CellRequest{Cell: id})
	if err != nil {
		return kernel.Execution{}, err
	}
	accepted <- nil

	go func() {
		defer close(results)
		for f := range frames {
			r, err := notebook.DecodeResult(f.Data)
			if err != nil {
				k.log.Warn("undecodable result element", "error", err)
				continue
			}
			results <- r
		}
	}()
	return kernel.Execution{Accepted: accepted, Results: results}, nil
}

func (k *Kernel) decodeResults(frames <-chan Frame) <-chan notebook.Result {
	out := make(chan notebook.Result)
	go func() {
		defer close(out)
		for f := range frames {
			r, err := notebook.DecodeResult(f.Data)
			if err != nil {
				k.log.Warn("undecodable result element", "error", err)
				continue
			}
			out <- r
		}
	}()
	return out
}

func (k *Kernel) CompletionsAt(ctx context.Context, id notebook.CellID, offset int) ([]kernel.Completion, error) {
	data, err := k.conn.call(ctx, ReqCompletionsAt, PositionRequest{Cell: id, Offset: offset})
	if err != nil {
		return nil, err
	}
	var resp CompletionsResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return nil, err
	}
	return resp.Completions, nil
}

func (k *Kernel) ParametersAt(ctx context.Context, id notebook.CellID, offset int) (*kernel.ParameterHints, error) {
	data, err := k.conn.call(ctx, ReqParametersAt, PositionRequest{Cell: id, Offset: offset})
	if err != nil {
		return nil, err
	}
	var resp ParametersResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return nil, err
	}
	return resp.Hints, nil
}

func (k *Kernel) CurrentSymbols(ctx context.Context) ([]kernel.Symbol, error) {
	data, err := k.conn.call(ctx, ReqCurrentSymbols, nil)
	if err != nil {
		return nil, err
	}
	var resp SymbolsResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

func (k *Kernel) CurrentTasks(ctx context.Context) ([]kernel.Task, error) {
	data, err := k.conn.call(ctx, ReqCurrentTasks, nil)
	if err != nil {
		return nil, err
	}
	var resp TasksResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (k *Kernel) IsIdle(ctx context.Context) (bool, error) {
	data, err := k.conn.call(ctx, ReqIdle, nil)
	if err != nil {
		return false, err
	}
	var resp IdleResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return false, err
	}
	return resp.Idle, nil
}

func (k *Kernel) Info(ctx context.Context) (map[string]string, error) {
	data, err := k.conn.call(ctx, ReqInfo, nil)
	if err != nil {
		return nil, err
	}
	var resp InfoResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return nil, err
	}
	return resp.Info, nil
}

func (k *Kernel) ReadHandle(ctx context.Context, kind notebook.HandleKind, id int32, count int) ([][]byte, error) {
	data, err := k.conn.call(ctx, ReqGetHandleData, HandleDataRequest{Kind: kind, Handle: id, Count: count})
	if err != nil {
		return nil, err
	}
	var resp HandleDataResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}

func (k *Kernel) ModifyStream(ctx context.Context, id int32, ops []kernel.TableOp) (int32, bool, error) {
	data, err := k.conn.call(ctx, ReqModifyStream, ModifyStreamRequest{Handle: id, Ops: ops})
	if err != nil {
		return 0, false, err
	}
	var resp ModifyStreamResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return 0, false, err
	}
	return resp.Handle, resp.OK, nil
}

func (k *Kernel) ReleaseHandle(ctx context.Context, kind notebook.HandleKind, id int32) error {
	_, err := k.conn.call(ctx, ReqReleaseHandle, ReleaseHandleRequest{Kind: kind, Handle: id})
	return err
}

// HandleUpdates watches a live value over the wire. A watch the engine
// rejects yields a closed channel; the capability has no error path.
func (k *Kernel) HandleUpdates(id int32) <-chan kernel.HandleUpdate {
	out := make(chan kernel.HandleUpdate)
	frames, err := k.conn.callStream(context.Background(), ReqWatchHandle, WatchHandleRequest{Handle: id})
	if err != nil {
		k.log.Warn("handle watch rejected", "handle", id, "error", err)
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for f := range frames {
			var ev HandleUpdateEvent
			if err := DecodePayload(f, &ev); err != nil {
				k.log.Warn("undecodable handle update", "handle", id, "error", err)
				continue
			}
			out <- kernel.HandleUpdate{Data: ev.Data, Final: ev.Final}
		}
	}()
	return out
}

func (k *Kernel) CancelAll(ctx context.Context) error {
	_, err := k.conn.call(ctx, ReqCancelTasks, nil)
	return err
}

// Concurrent is always true: the connection multiplexes correlated
// requests, so callers never need external serialization.
func (k *Kernel) Concurrent() bool { return true }
