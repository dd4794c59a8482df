package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/notebook"
)

// Host exposes a local kernel over the wire protocol — the engine side
// of the connection. It announces its reachable address on every new
// connection before serving requests.
type Host struct {
	kernel   kernel.Kernel
	addr     string
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *conn // the active server peer; one at a time
}

// NewHost wraps a kernel for remote consumption. addr is the address
// announced to the connecting server.
func NewHost(k kernel.Kernel, addr string, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		kernel: k,
		addr:   addr,
		log:    log.With("component", "remote-host"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the connection, announces, and serves requests
// until the peer disconnects.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("upgrade failed", "error", err)
		return
	}
	c := newConn(ws, h.log)

	// Registered before the announcement so the peer can issue requests
	// the moment it sees the address.
	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()

	if err := c.sendPayload(FrameAnnounce, 0, Announce{Addr: h.addr}); err != nil {
		h.log.Error("announcement failed", "error", err)
		c.close()
		return
	}

	c.readLoop(r.Context(), h.handle)

	h.mu.Lock()
	if h.conn == c {
		h.conn = nil
	}
	h.mu.Unlock()
}

// Document fetches the current notebook from the connected server. The
// engine calls this once at startup instead of holding document state.
func (h *Host) Document(ctx context.Context) (notebook.Notebook, error) {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c == nil {
		return notebook.Notebook{}, ErrConnClosed
	}
	data, err := c.call(ctx, ReqInitialNotebook, nil)
	if err != nil {
		return notebook.Notebook{}, err
	}
	var resp NotebookResponse
	if err := DecodePayload(Frame{Type: FrameResponse, Data: data}, &resp); err != nil {
		return notebook.Notebook{}, err
	}
	return resp.Notebook, nil
}

// handle serves one request frame. Per-request failures go back as
// error frames; the connection stays open.
func (h *Host) handle(ctx context.Context, c *conn, f Frame) {
	switch f.Type {
	case ReqShutdown:
		h.respond(c, f.ID, nil, h.kernel.Shutdown(ctx))

	case ReqStartInterpreterFor:
		var req CellRequest
		if err := DecodePayload(f, &req); err != nil {
			c.sendError(f.ID, err)
			return
		}
		stream, err := h.kernel.PrepareUnit(ctx, req.Cell)
		if err != nil {
			c.sendError(f.ID, err)
			return
		}
		h.respond(c, f.ID, nil, nil)
		h.streamResults(c, f.ID, stream)

	case ReqQueueCell:
		var req CellRequest
		if err := DecodePayload(f, &req); err != nil {
			c.sendError(f.ID, err)
			return
		}
		exec, err := h.kernel.Execute(ctx, req.Cell)
		if err != nil {
			c.sendError(f.ID, err)
			return
		}
		if err := <-exec.Accepted; err != nil {
			c.sendError(f.ID, err)
			return
		}
		// The response frame is the acceptance; results follow as the
		// stream under the same id.
		h.respond(c, f.ID, nil, nil)
		h.streamResults(c, f.ID, exec.Results)

	case ReqCompletionsAt:
		var req PositionRequest
		if err := DecodePayload(f, &req); err != nil {
			c.sendError(f.ID, err)
			return
		}
		comps, err := h.kernel.CompletionsAt(ctx, req.Cell, req.Offset)
		h.respond(c, f.ID, CompletionsResponse{Completions: comps}, err)

	case ReqParametersAt:
		var req PositionRequest
		if err := DecodePayload(f, &req); err != nil {
			c.sendError(f.ID, err)
			return
		}
		hints, err := h.kernel.ParametersAt(ctx, req.Cell, req.Offset)
		h.respond(c, f.ID, ParametersResponse{Hints: hints}, err)

	case ReqCurrentSymbols:
		syms, err := h.kernel.CurrentSymbols(ctx)
		h.respond(c, f.ID, SymbolsResponse{Symbols: syms}, err)

	case ReqCurrentTasks:
		tasks, err := h.kernel.CurrentTasks(ctx)
		h.respond(c, f.ID, TasksResponse{Tasks: tasks}, err)

	case ReqIdle:
		idle, err := h.kernel.IsIdle(ctx)
		h.respond(c, f.ID, IdleResponse{Idle: idle}, err)

	case ReqInfo:
		info, err := h.kernel.Info(ctx)
		h.respond(c, f.ID, InfoResponse{Info: info}, err)

	case ReqGetHandleData:
		var req HandleDataRequest
		if err := DecodePayload(f, &req); err != nil {
			c.sendError(f.ID, err)
			return
		}
		chunks, err := h.kernel.ReadHandle(ctx, req.Kind, req.Handle, req.Count)
		h.respond(c, f.ID, HandleDataResponse{Chunks: chunks}, err)

	case ReqModifyStream:
		var req ModifyStreamRequest
		if err := DecodePayload(f, &req); err != nil {
			c.sendError(f.ID, err)
			return
		}
		newID, ok, err := h.kernel.ModifyStream(ctx, req.Handle, req.Ops)
		h.respond(c, f.ID, ModifyStreamResponse{Handle: newID, OK: ok}, err)

	case ReqReleaseHandle:
		var req ReleaseHandleRequest
		if err := DecodePayload(f, &req); err != nil {
			c.sendError(f.ID, err)
			return
		}
		h.respond(c, f.ID, nil, h.kernel.ReleaseHandle(ctx, req.Kind, req.Handle))

	case ReqWatchHandle:
		var req WatchHandleRequest
		if err := DecodePayload(f, &req); err != nil {
			c.sendError(f.ID, err)
			return
		}
		updates := h.kernel.HandleUpdates(req.Handle)
		h.respond(c, f.ID, nil, nil)
		h.streamUpdates(c, f.ID, updates)

	case ReqCancelTasks:
		h.respond(c, f.ID, nil, h.kernel.CancelAll(ctx))

	default:
		c.sendError(f.ID, fmt.Errorf("unsupported request %q", f.Type))
	}
}

// respond sends either the response or the error frame for a request.
func (h *Host) respond(c *conn, id int64, payload any, err error) {
	if err != nil {
		c.sendError(id, err)
		return
	}
	if werr := c.sendPayload(FrameResponse, id, payload); werr != nil {
		h.log.Warn("response not delivered", "id", id, "error", werr)
	}
}

// streamResults frames a result channel as a streamed response.
func (h *Host) streamResults(c *conn, id int64, results <-chan notebook.Result) {
	if err := c.sendPayload(FrameStreamStarted, id, nil); err != nil {
		h.log.Warn("stream start not delivered", "id", id, "error", err)
		return
	}
	for r := range results {
		data, err := notebook.EncodeResult(r)
		if err != nil {
			h.log.Warn("unencodable result", "id", id, "error", err)
			continue
		}
		if err := c.send(Frame{Type: FrameStreamElement, ID: id, Data: data}); err != nil {
			h.log.Warn("stream element not delivered", "id", id, "error", err)
			return
		}
	}
	if err := c.sendPayload(FrameStreamEnded, id, nil); err != nil {
		h.log.Warn("stream end not delivered", "id", id, "error", err)
	}
}

// streamUpdates frames a handle-update channel as a streamed response.
func (h *Host) streamUpdates(c *conn, id int64, updates <-chan kernel.HandleUpdate) {
	if err := c.sendPayload(FrameStreamStarted, id, nil); err != nil {
		return
	}
	for u := range updates {
		if err := c.sendPayload(FrameStreamElement, id, HandleUpdateEvent{Data: u.Data, Final: u.Final}); err != nil {
			return
		}
	}
	if err := c.sendPayload(FrameStreamEnded, id, nil); err != nil {
		h.log.Warn("stream end not delivered", "id", id, "error", err)
	}
}
