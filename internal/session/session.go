package session

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/mseaton/lodestar/internal/proc"
)

// Handle is the surface a session exposes to the manager and to feature
// modules. Exactly one Handle is current at any instant; a superseded
// handle is closed, never reused.
type Handle interface {
	// ID returns the session's identity. Identities are never reused; a
	// relaunch always produces a new Handle with a new ID.
	ID() string

	// Handshake performs the protocol initialization exchange. Ordinary
	// requests are valid only after it returns; notification channels may
	// be registered before it completes.
	Handshake(ctx context.Context) error

	// On registers the handler for a named notification channel for this
	// session's lifetime. One handler per channel: a later registration on
	// the same name replaces the earlier one.
	On(channel string, handler Handler)

	// Request performs a correlated call and unmarshals the reply into
	// result. Server-side failures surface as *RemoteError; a stream that
	// ends first fails the call with ErrSessionClosed.
	Request(ctx context.Context, method string, params, result any) error

	// Notify sends a fire-and-forget notification to the server.
	Notify(method string, params any) error

	// Close tears the session down: the stream is closed, pending requests
	// fail with ErrSessionClosed, and the server process is asked to
	// terminate. Close is idempotent.
	Close() error
}

// Session is one run of the analysis server process plus its open protocol
// connection.
type Session struct {
	id   string
	conn *Conn
	proc *proc.Process

	mu         sync.Mutex
	serverInfo *ServerInfo

	closeOnce sync.Once
	closeErr  error
}

// ServerInfo identifies the remote server, as reported at handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProcessID int    `json:"processId"`
	ClientID  string `json:"clientId"`
}

type initializeResult struct {
	ServerInfo *ServerInfo `json:"serverInfo,omitempty"`
}

// New wraps a launched server process in a Session and starts reading
// its protocol stream. The session owns the process from here on.
func New(p *proc.Process) *Session {
	s := &Session{
		id:   p.ID,
		conn: NewConn(p.Stdout, p.Stdin, nil),
		proc: p,
	}
	s.conn.Start()
	return s
}

// NewFromStreams builds a session over an arbitrary duplex stream with no
// owned process. Used by tests and by in-process servers.
func NewFromStreams(r io.Reader, w io.Writer, c io.Closer) *Session {
	s := &Session{
		id:   uuid.New().String(),
		conn: NewConn(r, w, c),
	}
	s.conn.Start()
	return s
}

// ID returns the session identity.
func (s *Session) ID() string {
	return s.id
}

// Handshake sends the initialize request and confirms with the initialized
// notification once the server replies. Failures are reported as
// *HandshakeError.
func (s *Session) Handshake(ctx context.Context) error {
	params := initializeParams{
		ProcessID: os.Getpid(),
		ClientID:  s.id,
	}

	var result initializeResult
	if err := s.conn.Call(ctx, "initialize", params, &result); err != nil {
		return &HandshakeError{Err: err}
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	if err := s.conn.Notify("initialized", struct{}{}); err != nil {
		return &HandshakeError{Err: err}
	}
	return nil
}

// ServerInfo returns the server identity from the handshake, or nil if the
// handshake has not completed or the server did not report one.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// On registers a notification handler. See Handle.On for replacement
// semantics.
func (s *Session) On(channel string, handler Handler) {
	s.conn.OnNotification(channel, handler)
}

// Request performs a correlated call against the server.
func (s *Session) Request(ctx context.Context, method string, params, result any) error {
	return s.conn.Call(ctx, method, params, result)
}

// Notify sends a fire-and-forget notification.
func (s *Session) Notify(method string, params any) error {
	return s.conn.Notify(method, params)
}

// PID returns the server process ID, or -1 if the session has no process.
func (s *Session) PID() int {
	if s.proc == nil {
		return -1
	}
	return s.proc.PID()
}

// Close tears down the session. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.proc != nil {
			if err := s.proc.Close(); err != nil {
				errs = append(errs, err)
			}
			if s.proc.IsRunning() {
				if err := s.proc.Terminate(); err != nil && !errors.Is(err, proc.ErrNotStarted) {
					errs = append(errs, err)
				}
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

var _ Handle = (*Session)(nil)
