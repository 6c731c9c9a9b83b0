// Package proc launches and tracks the analysis server child process.
//
// The package has two halves: Spec, which assembles the launch contract
// (argument order, environment overrides, working directory) for a single
// server run, and Process, which wraps the started exec.Cmd with lifecycle
// state, exit tracking, and signal helpers.
//
// Launch is the only way to create a running Process. It performs no
// retries and no path validation; callers resolve the executable first
// and own the returned handle, including terminating it.
package proc
