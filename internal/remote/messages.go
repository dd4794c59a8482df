// Package remote frames the kernel capability over a websocket so the
// computation engine can run out of process. Requests and responses are
// correlated by an integer request id; a request resolves with exactly
// one response, or with a streamed response framed as StreamStarted,
// repeated StreamElement, StreamEnded. A per-request failure travels
// back as an error frame tagged with the originating id and leaves the
// connection open.
//
// On connect the engine peer announces its reachable address before any
// request is accepted.
package remote

import (
	"encoding/json"
	"fmt"

	"github.com/quillworks/quill/internal/kernel"
	"github.com/quillworks/quill/internal/notebook"
)

// Frame is the wire envelope. ID is zero only for the announce frame and
// unsolicited notifications.
type Frame struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Control frame types.
const (
	FrameAnnounce      = "announce"
	FrameResponse      = "response"
	FrameError         = "error"
	FrameStreamStarted = "stream_started"
	FrameStreamElement = "stream_element"
	FrameStreamEnded   = "stream_ended"
)

// Request catalog. Every request carries a fresh id and resolves with a
// response or error frame; the streamed ones follow the response with
// stream frames under the same id.
const (
	ReqInitialNotebook     = "initial_notebook"
	ReqShutdown            = "shutdown"
	ReqStartInterpreterFor = "start_interpreter_for" // streamed
	ReqQueueCell           = "queue_cell"            // streamed
	ReqCompletionsAt       = "completions_at"
	ReqParametersAt        = "parameters_at"
	ReqCurrentSymbols      = "current_symbols"
	ReqCurrentTasks        = "current_tasks"
	ReqIdle                = "idle"
	ReqInfo                = "info"
	ReqGetHandleData       = "get_handle_data"
	ReqModifyStream        = "modify_stream"
	ReqReleaseHandle       = "release_handle"
	ReqCancelTasks         = "cancel_tasks"
	ReqWatchHandle         = "watch_handle" // streamed
)

// Announce is the first frame on every connection, engine to server.
type Announce struct {
	Addr string `json:"addr"`
}

// WireError is the payload of an error frame.
type WireError struct {
	Message string `json:"message"`
}

func (e WireError) Error() string { return e.Message }

// CellRequest targets one cell (queue_cell, start_interpreter_for).
type CellRequest struct {
	Cell notebook.CellID `json:"cell"`
}

// PositionRequest targets an offset within a cell (completions_at,
// parameters_at).
type PositionRequest struct {
	Cell   notebook.CellID `json:"cell"`
	Offset int             `json:"offset"`
}

// HandleDataRequest asks for up to Count chunks of a handle.
type HandleDataRequest struct {
	Kind   notebook.HandleKind `json:"kind"`
	Handle int32               `json:"handle"`
	Count  int                 `json:"count"`
}

// HandleDataResponse carries encoded chunks.
type HandleDataResponse struct {
	Chunks [][]byte `json:"chunks"`
}

// ModifyStreamRequest applies table operations to a streaming handle.
type ModifyStreamRequest struct {
	Handle int32            `json:"handle"`
	Ops    []kernel.TableOp `json:"ops"`
}

// ModifyStreamResponse returns the derived handle, or OK=false when the
// handle does not support modification.
type ModifyStreamResponse struct {
	Handle int32 `json:"handle"`
	OK     bool  `json:"ok"`
}

// ReleaseHandleRequest releases a handle in one of the engine's tables.
type ReleaseHandleRequest struct {
	Kind   notebook.HandleKind `json:"kind"`
	Handle int32               `json:"handle"`
}

// WatchHandleRequest subscribes to a live-updating value; updates stream
// back as HandleUpdateEvent elements until the final one.
type WatchHandleRequest struct {
	Handle int32 `json:"handle"`
}

// HandleUpdateEvent is one streamed element of a watch_handle response.
type HandleUpdateEvent struct {
	Data  []byte `json:"data,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// IdleResponse answers an idle request.
type IdleResponse struct {
	Idle bool `json:"idle"`
}

// InfoResponse answers an info request.
type InfoResponse struct {
	Info map[string]string `json:"info,omitempty"`
}

// CompletionsResponse answers completions_at.
type CompletionsResponse struct {
	Completions []kernel.Completion `json:"completions,omitempty"`
}

// ParametersResponse answers parameters_at; Hints is nil when the
// engine has nothing for the position.
type ParametersResponse struct {
	Hints *kernel.ParameterHints `json:"hints,omitempty"`
}

// SymbolsResponse answers current_symbols.
type SymbolsResponse struct {
	Symbols []kernel.Symbol `json:"symbols,omitempty"`
}

// TasksResponse answers current_tasks.
type TasksResponse struct {
	Tasks []kernel.Task `json:"tasks,omitempty"`
}

// NotebookResponse answers initial_notebook.
type NotebookResponse struct {
	Notebook notebook.Notebook `json:"notebook"`
}

// EncodeFrame builds a frame with a marshaled payload. A nil payload
// leaves Data empty.
func EncodeFrame(typ string, id int64, payload any) (Frame, error) {
	f := Frame{Type: typ, ID: id}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", typ, err)
	}
	f.Data = data
	return f, nil
}

// DecodePayload unmarshals a frame's payload into out.
func DecodePayload(f Frame, out any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("decode %s frame: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}
