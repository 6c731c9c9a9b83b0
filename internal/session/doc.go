// Package session keeps exactly one analysis server session running and
// exposes its status and RPC channel to the rest of the host.
//
// The package is organized around three components:
//
//   - Conn: JSON-RPC 2.0 framing over the server's stdio, with
//     request/response correlation and named notification channels
//   - Session: one run of the server process plus its open connection,
//     identified by an ID that is never reused
//   - Manager: the state machine that resolves, launches, handshakes,
//     monitors, and restarts sessions
//
// # Lifecycle
//
// The manager moves through Stopped → Resolving → Launching → Handshaking
// → Active on a successful start; any failure along the chain lands in
// Failed with a single user-facing report and no automatic retry. A start
// request issued while another is in flight supersedes it: the stale
// attempt closes whatever it created and steps aside.
//
// # Status channels
//
// The server pushes "status/busy" and "status/ready" notifications with an
// opaque payload. The manager binds both channels to the current session's
// identity, so a late frame from an already-superseded session is dropped
// rather than corrupting the display state.
//
// # Quick start
//
//	provider, _ := config.NewProvider(path)
//	m := session.NewManager(provider,
//	    resolve.DefaultExecutable(),
//	    resolve.DefaultWorkspace(""),
//	    session.WithLogger(log))
//	m.AddObserver(module)
//
//	if err := m.Start(ctx); err != nil {
//	    // reported once; manager is idle until the next Start
//	}
//	defer m.Stop()
package session
