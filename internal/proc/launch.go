package proc

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DepotPathEnv names the environment variable pointing the server at its
// isolated data directory. The server never shares state with other tools.
const DepotPathEnv = "ANALYSIS_DEPOT_PATH"

// Spec describes one launch of the analysis server. A Spec is built fresh
// for every launch attempt and never mutated after construction.
type Spec struct {
	// Executable is the resolved path of the server runtime.
	Executable string

	// EntryScript is the path of the server's entry script, passed as the
	// first positional argument.
	EntryScript string

	// WorkspacePath is the resolved package/search-path directory, passed
	// as the second positional argument.
	WorkspacePath string

	// Debug selects the server's runtime mode flag.
	Debug bool

	// WorkDir is the working directory for the child process. Empty means
	// the workspace path.
	WorkDir string

	// DepotDir is the server-local data directory exported through
	// DepotPathEnv. Empty means DefaultDepotDir.
	DepotDir string

	// Env holds additional environment overrides, applied last.
	Env map[string]string

	// Log receives the server's stderr lines. The pipe is drained either
	// way so a chatty server cannot fill it and stall.
	Log *zap.Logger
}

// Args assembles the server's argument list. The shape and order are an
// external contract with the server and must match on both sides:
//
//	--startup-file=no --history-file=no <entry-script> <workspace-path>
//	--debug=<yes|no> <host-pid>
//
// The host process ID lets the server detect an orphaning host and
// self-terminate.
func (s Spec) Args() []string {
	debug := "no"
	if s.Debug {
		debug = "yes"
	}
	return []string{
		"--startup-file=no",
		"--history-file=no",
		s.EntryScript,
		s.WorkspacePath,
		"--debug=" + debug,
		strconv.Itoa(os.Getpid()),
	}
}

// Environ builds the child's environment: the ambient environment plus the
// depot override, a HOME fallback when none is set, and Spec.Env last.
func (s Spec) Environ() []string {
	env := os.Environ()

	depot := s.DepotDir
	if depot == "" {
		depot = DefaultDepotDir()
	}
	if depot != "" {
		env = append(env, DepotPathEnv+"="+depot)
	}

	// Some minimal environments lack HOME; the server requires one.
	if _, ok := os.LookupEnv("HOME"); !ok {
		env = append(env, "HOME="+os.TempDir())
	}

	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// DefaultDepotDir returns the default server-local data directory, or the
// empty string if no user cache directory can be determined.
func DefaultDepotDir() string {
	cache, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(cache, "lodestar", "depot")
}

// SpawnError reports an OS-level failure to create the server process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Launch spawns the analysis server described by spec and returns the
// running Process. Any failure, from pipe creation through the OS start,
// is reported as a *SpawnError. The caller owns the returned handle and is
// responsible for terminating it; Launch never retries.
func Launch(spec Spec) (*Process, error) {
	cmd := exec.Command(spec.Executable, spec.Args()...)
	cmd.Env = spec.Environ()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	} else {
		cmd.Dir = spec.WorkspacePath
	}

	p := &Process{
		ID:   uuid.New().String(),
		Cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Executable, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Path: spec.Executable, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Path: spec.Executable, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	p.Stdin = stdin
	p.Stdout = stdout
	p.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Path: spec.Executable, Err: err}
	}

	p.Started = time.Now()
	p.state.Store(int32(StateRunning))
	go p.waitLoop()

	log := spec.Log
	if log == nil {
		log = zap.NewNop()
	}
	go p.drainStderr(log)

	return p, nil
}

// drainStderr consumes the stderr pipe for the life of the process and
// logs whatever arrives. Exits when the pipe closes.
func (p *Process) drainStderr(log *zap.Logger) {
	r := bufio.NewReader(p.Stderr)
	for {
		line, err := r.ReadString('\n')
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			log.Debug("server stderr", zap.String("line", trimmed))
		}
		if err != nil {
			return
		}
	}
}
