// Package resolve locates the analysis server runtime and the workspace
// directory required to launch it.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mseaton/lodestar/internal/config"
)

// ResolutionError reports that a launch prerequisite could not be
// determined, typically a misconfiguration.
type ResolutionError struct {
	// Kind is "executable" or "workspace".
	Kind   string
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying error.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Executable resolves the filesystem path of the server runtime.
type Executable struct {
	// Names are candidate binary names tried on PATH, in order.
	Names []string

	// SearchDirs are well-known install directories probed after PATH.
	SearchDirs []string
}

// DefaultExecutable returns a resolver with the standard candidates.
func DefaultExecutable() *Executable {
	return &Executable{
		Names: []string{"analysis-server", "analyzer"},
		SearchDirs: []string{
			"/usr/local/bin",
			"/opt/analyzer/bin",
		},
	}
}

// ResolveExecutable determines the server runtime path. An explicit path
// in the settings wins; otherwise candidates are tried on PATH and then in
// the search directories. Failure is a *ResolutionError.
func (r *Executable) ResolveExecutable(ctx context.Context, snap config.Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ResolutionError{Kind: "executable", Detail: "canceled", Err: err}
	}

	if snap.ExecutablePath != "" {
		if err := checkExecutable(snap.ExecutablePath); err != nil {
			return "", &ResolutionError{
				Kind:   "executable",
				Detail: fmt.Sprintf("configured path %q is not usable", snap.ExecutablePath),
				Err:    err,
			}
		}
		return snap.ExecutablePath, nil
	}

	for _, name := range r.Names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	for _, dir := range r.SearchDirs {
		for _, name := range r.Names {
			candidate := filepath.Join(dir, name)
			if err := checkExecutable(candidate); err == nil {
				return candidate, nil
			}
		}
	}

	return "", &ResolutionError{
		Kind:   "executable",
		Detail: fmt.Sprintf("no server runtime found (tried %v on PATH and %v)", r.Names, r.SearchDirs),
	}
}

// checkExecutable verifies that path names an executable regular file.
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}
	if info.Mode()&0o111 == 0 {
		return errors.New("not executable")
	}
	return nil
}

// Workspace resolves the package/search-path directory passed to the
// server at startup.
type Workspace struct {
	// Start is the directory the walk begins from. Empty means the
	// current working directory.
	Start string

	// Markers are file or directory names that identify a workspace root.
	Markers []string
}

// DefaultWorkspace returns a resolver with the standard project markers.
func DefaultWorkspace(start string) *Workspace {
	return &Workspace{
		Start:   start,
		Markers: []string{"project.toml", ".git"},
	}
}

// ResolveWorkspacePath walks up from the start directory looking for a
// project marker and returns the first directory that carries one. If no
// marker is found the start directory itself is the workspace. Failure is
// a *ResolutionError.
func (r *Workspace) ResolveWorkspacePath(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ResolutionError{Kind: "workspace", Detail: "canceled", Err: err}
	}

	start := r.Start
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", &ResolutionError{Kind: "workspace", Detail: "cannot determine working directory", Err: err}
		}
		start = cwd
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return "", &ResolutionError{Kind: "workspace", Detail: fmt.Sprintf("bad start directory %q", start), Err: err}
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", &ResolutionError{
			Kind:   "workspace",
			Detail: fmt.Sprintf("start directory %q does not exist", abs),
			Err:    err,
		}
	}

	dir := abs
	for {
		for _, marker := range r.Markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		dir = parent
	}
}
