package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ErrConnClosed resolves every request outstanding when the transport
// drops.
var ErrConnClosed = errors.New("remote: connection closed")

// streamBuffer bounds how far a stream producer can run ahead of its
// consumer before writes into the demux channel block the read loop.
const streamBuffer = 256

// handlerFunc serves one incoming request frame. Implementations reply
// through the conn themselves; the read loop only dispatches.
type handlerFunc func(ctx context.Context, c *conn, f Frame)

// conn is one correlated websocket: requests issued here wait in the
// pending table, streamed responses demux into per-id channels, and
// incoming requests from the peer dispatch to the handler. Both sides of
// the protocol use the same conn; only the handler differs.
type conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	wmu sync.Mutex // one frame on the wire at a time

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan Frame
	streams map[int64]chan Frame
	err     error
	done    chan struct{}
}

func newConn(ws *websocket.Conn, log *slog.Logger) *conn {
	if log == nil {
		log = slog.Default()
	}
	return &conn{
		ws:      ws,
		log:     log,
		pending: make(map[int64]chan Frame),
		streams: make(map[int64]chan Frame),
		done:    make(chan struct{}),
	}
}

func (c *conn) send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *conn) sendPayload(typ string, id int64, payload any) error {
	f, err := EncodeFrame(typ, id, payload)
	if err != nil {
		return err
	}
	return c.send(f)
}

// sendError reports a per-request failure. The connection stays open.
func (c *conn) sendError(id int64, err error) {
	if werr := c.sendPayload(FrameError, id, WireError{Message: err.Error()}); werr != nil {
		c.log.Warn("error frame not delivered", "id", id, "error", werr)
	}
}

// call issues one request and waits for its single response frame.
func (c *conn) call(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	_, data, err := c.request(ctx, typ, payload, false)
	return data, err
}

// callStream issues a streamed request: the returned channel delivers
// the stream frames (elements, then exactly one ended frame) after the
// acceptance response. The caller owns draining the channel.
func (c *conn) callStream(ctx context.Context, typ string, payload any) (<-chan Frame, error) {
	ch, _, err := c.request(ctx, typ, payload, true)
	return ch, err
}

func (c *conn) request(ctx context.Context, typ string, payload any, streamed bool) (<-chan Frame, json.RawMessage, error) {
	id := c.nextID.Add(1)
	reply := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, nil, err
	}
	c.pending[id] = reply
	var stream chan Frame
	if streamed {
		// Registered before the request goes out so no element can race
		// past the demux.
		stream = make(chan Frame, streamBuffer)
		c.streams[id] = stream
	}
	c.mu.Unlock()

	if err := c.sendPayload(typ, id, payload); err != nil {
		c.forget(id)
		return nil, nil, err
	}

	select {
	case f := <-reply:
		if f.Type == FrameError {
			c.forget(id)
			var werr WireError
			if err := DecodePayload(f, &werr); err != nil {
				return nil, nil, fmt.Errorf("%s request failed: undecodable error frame: %w", typ, err)
			}
			return nil, nil, fmt.Errorf("%s request failed: %w", typ, werr)
		}
		return stream, f.Data, nil
	case <-c.done:
		c.forget(id)
		return nil, nil, ErrConnClosed
	case <-ctx.Done():
		c.forget(id)
		return nil, nil, ctx.Err()
	}
}

func (c *conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	if ch, ok := c.streams[id]; ok {
		delete(c.streams, id)
		close(ch)
	}
	c.mu.Unlock()
}

// readLoop demultiplexes incoming frames until the transport fails.
// Responses and stream frames resolve local requests; everything else is
// a request from the peer and goes to the handler, each on its own
// goroutine so a long-running stream response never stalls the loop.
func (c *conn) readLoop(ctx context.Context, handler handlerFunc) {
	defer c.shutdown()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrConnClosed, err)
			c.mu.Unlock()
			return
		}
		switch f.Type {
		case FrameResponse, FrameError:
			c.mu.Lock()
			reply, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			if f.Type == FrameError {
				// Failed streamed request: resolve the stream too.
				if stream, open := c.streams[f.ID]; open {
					delete(c.streams, f.ID)
					close(stream)
				}
			}
			c.mu.Unlock()
			if ok {
				reply <- f
			} else {
				c.log.Debug("response for unknown request", "id", f.ID)
			}

		case FrameStreamStarted:
			// Informational; the stream channel was registered at request
			// time.

		case FrameStreamElement, FrameStreamEnded:
			c.mu.Lock()
			stream, ok := c.streams[f.ID]
			if f.Type == FrameStreamEnded {
				delete(c.streams, f.ID)
			}
			c.mu.Unlock()
			if !ok {
				// Detached consumer; elements for it are dropped, not error.
				continue
			}
			if f.Type == FrameStreamEnded {
				close(stream)
				continue
			}
			select {
			case stream <- f:
			case <-c.done:
				return
			}

		default:
			if handler == nil {
				c.sendError(f.ID, fmt.Errorf("unsupported request %q", f.Type))
				continue
			}
			go handler(ctx, c, f)
		}
	}
}

// shutdown fails every outstanding request and stream exactly once.
func (c *conn) shutdown() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	if c.err == nil {
		c.err = ErrConnClosed
	}
	errFrame, _ := EncodeFrame(FrameError, 0, WireError{Message: c.err.Error()})
	pending := c.pending
	streams := c.streams
	c.pending = make(map[int64]chan Frame)
	c.streams = make(map[int64]chan Frame)
	close(c.done)
	c.mu.Unlock()

	for id, reply := range pending {
		f := errFrame
		f.ID = id
		reply <- f
	}
	for _, stream := range streams {
		close(stream)
	}
	_ = c.ws.Close()
}

// close tears the connection down from the local side.
func (c *conn) close() {
	_ = c.ws.Close()
	c.shutdown()
}
