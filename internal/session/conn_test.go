package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockPipe is one direction of a duplex stream.
type mockPipe struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func newMockPipe() *mockPipe {
	r, w := io.Pipe()
	return &mockPipe{reader: r, writer: w}
}

func (p *mockPipe) Close() error {
	p.reader.Close()
	p.writer.Close()
	return nil
}

// writeFrame writes a Content-Length framed message to the pipe. Write
// errors surface as timeouts in the waiting test.
func writeFrame(w io.Writer, body string) {
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(body), body)
}

// readFrameBody reads one framed message sent by the connection under
// test. Safe to call from scripted-server goroutines that may outlive the
// test: errors are returned, never reported via t.
func readFrameBody(r *io.PipeReader) ([]byte, error) {
	buf := make([]byte, 0, 512)
	one := make([]byte, 1)
	for !strings.HasSuffix(string(buf), "\r\n\r\n") {
		if _, err := r.Read(one); err != nil {
			return nil, err
		}
		buf = append(buf, one[0])
	}

	var contentLength int
	fmt.Sscanf(string(buf), "Content-Length: %d", &contentLength)
	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length in header %q", buf)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func TestConn_Notify_Framing(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)
	defer conn.Close()

	var wg sync.WaitGroup
	var body []byte
	var readErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		body, readErr = readFrameBody(toServer.reader)
	}()

	if err := conn.Notify("status/ack", map[string]string{"message": "hello"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	wg.Wait()
	if readErr != nil {
		t.Fatalf("read frame: %v", readErr)
	}

	var msg struct {
		JSONRPC string         `json:"jsonrpc"`
		Method  string         `json:"method"`
		Params  map[string]any `json:"params"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if msg.JSONRPC != "2.0" {
		t.Errorf("expected jsonrpc 2.0, got %q", msg.JSONRPC)
	}
	if msg.Method != "status/ack" {
		t.Errorf("expected method status/ack, got %q", msg.Method)
	}
	if msg.Params["message"] != "hello" {
		t.Errorf("expected params.message hello, got %v", msg.Params)
	}
}

func TestConn_Call_Roundtrip(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)
	defer conn.Close()
	conn.Start()

	// Scripted server: read the request, echo a result carrying its id.
	go func() {
		body, err := readFrameBody(toServer.reader)
		if err != nil {
			return
		}
		var req struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return
		}
		writeFrame(fromServer.writer,
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"value":42}}`, req.ID))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result struct {
		Value int `json:"value"`
	}
	if err := conn.Call(ctx, "compute", map[string]int{"input": 7}, &result); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Value != 42 {
		t.Errorf("expected result value 42, got %d", result.Value)
	}
}

func TestConn_Call_RemoteError(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)
	defer conn.Close()
	conn.Start()

	go func() {
		body, err := readFrameBody(toServer.reader)
		if err != nil {
			return
		}
		var req struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return
		}
		writeFrame(fromServer.writer,
			fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"no such method"}}`, req.ID))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Call(ctx, "bogus", nil, nil)
	if err == nil {
		t.Fatal("expected remote error")
	}

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %T: %v", err, err)
	}
	if remote.Code != CodeMethodNotFound {
		t.Errorf("expected code %d, got %d", CodeMethodNotFound, remote.Code)
	}
}

func TestConn_Call_FailsWhenStreamEnds(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)
	conn.Start()

	go func() {
		// Consume the request, then hang up without replying.
		readFrameBody(toServer.reader)
		fromServer.writer.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Call(ctx, "compute", nil, nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestConn_Notification_StringPayload(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)
	defer conn.Close()

	got := make(chan string, 1)
	conn.OnNotification("status/busy", func(payload string) {
		got <- payload
	})
	conn.Start()

	writeFrame(fromServer.writer, `{"jsonrpc":"2.0","method":"status/busy","params":"indexing packages"}`)

	select {
	case payload := <-got:
		if payload != "indexing packages" {
			t.Errorf("expected unquoted string payload, got %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConn_Notification_RawPayload(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)
	defer conn.Close()

	got := make(chan string, 1)
	conn.OnNotification("status/ready", func(payload string) {
		got <- payload
	})
	conn.Start()

	writeFrame(fromServer.writer, `{"jsonrpc":"2.0","method":"status/ready","params":{"count":3}}`)

	select {
	case payload := <-got:
		if payload != `{"count":3}` {
			t.Errorf("expected raw JSON payload, got %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConn_Notification_LastWriterWins(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)
	defer conn.Close()

	first := make(chan string, 1)
	second := make(chan string, 1)
	conn.OnNotification("status/busy", func(payload string) {
		first <- payload
	})
	conn.OnNotification("status/busy", func(payload string) {
		second <- payload
	})
	conn.Start()

	writeFrame(fromServer.writer, `{"jsonrpc":"2.0","method":"status/busy","params":"x"}`)

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement handler not invoked")
	}

	select {
	case <-first:
		t.Error("replaced handler must not be invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_Notification_OrderPreserved(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)
	defer conn.Close()

	var mu sync.Mutex
	var order []string
	record := func(prefix string) Handler {
		return func(payload string) {
			mu.Lock()
			order = append(order, prefix+payload)
			mu.Unlock()
		}
	}
	conn.OnNotification("status/busy", record("busy:"))
	conn.OnNotification("status/ready", record("ready:"))
	conn.Start()

	const pairs = 200
	go func() {
		for i := 0; i < pairs; i++ {
			writeFrame(fromServer.writer, fmt.Sprintf(`{"jsonrpc":"2.0","method":"status/busy","params":"%d"}`, i))
			writeFrame(fromServer.writer, fmt.Sprintf(`{"jsonrpc":"2.0","method":"status/ready","params":"%d"}`, i))
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2*pairs {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: delivered %d of %d notifications", n, 2*pairs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Every busy must land before the ready that followed it on the wire.
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < pairs; i++ {
		wantBusy := fmt.Sprintf("busy:%d", i)
		wantReady := fmt.Sprintf("ready:%d", i)
		if order[2*i] != wantBusy || order[2*i+1] != wantReady {
			t.Fatalf("pair %d out of order: got %q then %q", i, order[2*i], order[2*i+1])
		}
	}
}

func TestConn_Close_Idempotent(t *testing.T) {
	toServer := newMockPipe()
	fromServer := newMockPipe()

	conn := NewConn(fromServer.reader, toServer.writer, nil)

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !conn.IsClosed() {
		t.Error("expected IsClosed() after Close")
	}

	if err := conn.Notify("status/busy", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after close, got %v", err)
	}
	if err := conn.Call(context.Background(), "compute", nil, nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after close, got %v", err)
	}
}
