package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// errMalformedFrame marks a frame whose header could not be parsed. The
// read loop skips such frames instead of tearing the connection down.
var errMalformedFrame = errors.New("missing Content-Length header")

// Conn frames a duplex byte stream into a JSON-RPC 2.0 request/notification
// protocol with Content-Length headers. Requests are correlated by id;
// notifications are fire-and-forget, routed by method name, and delivered
// to handlers in arrival order.
type Conn struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	mu       sync.Mutex
	nextID   atomic.Int64
	pending  map[int64]chan *response
	handlers map[string]Handler

	notifyCh chan notification

	closed atomic.Bool
	done   chan struct{}
}

// notification is one queued handler invocation.
type notification struct {
	handler Handler
	payload string
}

// Handler receives a notification's payload. The payload is opaque to the
// connection: a JSON string parameter arrives unquoted, anything else
// arrives as raw JSON text.
type Handler func(payload string)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// NewConn creates a connection over the given streams. The reader and
// writer are typically a child process's stdout and stdin.
func NewConn(r io.Reader, w io.Writer, c io.Closer) *Conn {
	return &Conn{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		closer:   c,
		pending:  make(map[int64]chan *response),
		handlers: make(map[string]Handler),
		notifyCh: make(chan notification, 16),
		done:     make(chan struct{}),
	}
}

// Start begins reading frames from the stream.
func (c *Conn) Start() {
	go c.readLoop()
	go c.notifyLoop()
}

// Close closes the connection and the underlying stream. It is idempotent.
// All pending calls fail with ErrSessionClosed.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	// Drop the pending map rather than closing its channels; waiters
	// unblock via the done channel.
	c.mu.Lock()
	c.pending = make(map[int64]chan *response)
	c.mu.Unlock()

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// IsClosed returns true once the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Call sends a request and waits for the correlated response. A remote
// error object is returned as *RemoteError; a stream that ends before the
// reply arrives fails the call with ErrSessionClosed.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := &request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := c.send(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrSessionClosed
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Notify sends a notification. No reply is expected.
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	return c.send(&request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// OnNotification registers the handler for a notification channel.
// Exactly one handler is held per channel name: a second registration on
// the same name replaces the previous one (last writer wins).
func (c *Conn) OnNotification(channel string, handler Handler) {
	c.mu.Lock()
	c.handlers[channel] = handler
	c.mu.Unlock()
}

// send writes a frame with a Content-Length header.
func (c *Conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := io.WriteString(c.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readLoop reads frames until the stream ends or the connection closes.
func (c *Conn) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		msg, err := c.readFrame()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				continue
			}
			// The stream ended underneath us: fail pending calls.
			c.Close()
			return
		}

		c.dispatch(msg)
	}
}

// readFrame reads one Content-Length framed message.
func (c *Conn) readFrame() ([]byte, error) {
	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if length, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
					contentLength = length
				}
			}
		}
		// Other headers are ignored.
	}

	if contentLength == 0 {
		return nil, errMalformedFrame
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// dispatch routes a frame to a pending call or a notification handler.
func (c *Conn) dispatch(data []byte) {
	id := gjson.GetBytes(data, "id")
	method := gjson.GetBytes(data, "method")

	switch {
	case id.Exists() && !method.Exists():
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		c.handleResponse(&resp)

	case method.Exists() && !id.Exists():
		c.handleNotification(method.String(), gjson.GetBytes(data, "params"))

	default:
		// Server-to-client requests are not part of this protocol.
	}
}

// handleResponse delivers a response to its waiting caller.
func (c *Conn) handleResponse(resp *response) {
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// handleNotification routes a notification to its registered handler.
// Unhandled channels are dropped.
func (c *Conn) handleNotification(channel string, params gjson.Result) {
	c.mu.Lock()
	handler, ok := c.handlers[channel]
	c.mu.Unlock()

	if !ok || handler == nil {
		return
	}

	payload := params.Raw
	if params.Type == gjson.String {
		payload = params.String()
	}

	// Queue rather than invoke: the dispatch goroutine keeps slow
	// handlers off the framing path without reordering frames.
	select {
	case c.notifyCh <- notification{handler: handler, payload: payload}:
	case <-c.done:
	}
}

// notifyLoop invokes queued notification handlers one at a time, in wire
// order. A busy frame is therefore always applied before the ready frame
// that followed it.
func (c *Conn) notifyLoop() {
	for {
		select {
		case <-c.done:
			return
		case n := <-c.notifyCh:
			n.handler(n.payload)
		}
	}
}
