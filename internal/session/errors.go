package session

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the session package.
var (
	// ErrSessionClosed indicates an operation was attempted after the
	// protocol stream ended. Pending requests fail with this error when
	// the session closes or the server process dies mid-flight.
	ErrSessionClosed = errors.New("session closed")

	// ErrSuperseded indicates a start request was overtaken by a newer
	// start or stop before it could install its session.
	ErrSuperseded = errors.New("start superseded by a newer request")

	// ErrNoSession indicates no session is currently active.
	ErrNoSession = errors.New("no active session")

	// ErrNoEntryScript indicates the settings name no server entry
	// script, so there is nothing to launch.
	ErrNoEntryScript = errors.New("no entry script configured")
)

// RemoteError is an error object returned by the server for a request.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("remote error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used by the protocol.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// HandshakeError reports that the server process started but the protocol
// initialization exchange did not complete.
type HandshakeError struct {
	Err error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}
