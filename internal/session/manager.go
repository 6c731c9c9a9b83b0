package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mseaton/lodestar/internal/config"
	"github.com/mseaton/lodestar/internal/proc"
	"github.com/mseaton/lodestar/internal/status"
)

// State is the session manager's lifecycle state.
type State int32

const (
	// StateStopped means no session is wanted or running.
	StateStopped State = iota
	// StateResolving means the executable and workspace resolvers are running.
	StateResolving
	// StateLaunching means the server process is being spawned.
	StateLaunching
	// StateHandshaking means the protocol initialization exchange is in flight.
	StateHandshaking
	// StateActive means the session is installed and serving requests.
	StateActive
	// StateFailed means resolution, launch, or handshake failed. The manager
	// stays idle until the next explicit start request.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateResolving:
		return "resolving"
	case StateLaunching:
		return "launching"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DisplayState is the two-valued status indicator owned by the manager.
type DisplayState int32

const (
	// DisplayReady means the server is idle.
	DisplayReady DisplayState = iota
	// DisplayBusy means the server reported it is working.
	DisplayBusy
)

// String returns a human-readable display state name.
func (d DisplayState) String() string {
	if d == DisplayBusy {
		return "busy"
	}
	return "ready"
}

// Well-known notification channels. The names are an external contract
// with the analysis server and must not change independently on either side.
const (
	ChannelBusy  = "status/busy"
	ChannelReady = "status/ready"
)

// SettingsProvider supplies the current settings snapshot.
type SettingsProvider interface {
	Load() config.Snapshot
}

// ExecutableResolver resolves the server runtime path from settings.
type ExecutableResolver interface {
	ResolveExecutable(ctx context.Context, snap config.Snapshot) (string, error)
}

// WorkspaceResolver resolves the workspace directory passed to the server.
type WorkspaceResolver interface {
	ResolveWorkspacePath(ctx context.Context) (string, error)
}

// Observer is a feature module that consumes the active session.
// SessionChanged is invoked once per transition into Active with the new
// handle and once per transition out with nil; nil means no requests are
// possible right now. SettingsChanged delivers every new settings snapshot.
type Observer interface {
	SessionChanged(h Handle)
	SettingsChanged(snap config.Snapshot)
}

// Launcher spawns a server process for a launch spec and wraps it in a
// session handle. Replaced by tests.
type Launcher func(spec proc.Spec) (Handle, error)

// Manager owns at most one active session and drives the
// launch/handshake/monitor/restart state machine around it.
//
// All session mutation flows through the manager: starts supersede
// in-flight starts via a generation counter, a superseded start closes its
// session instead of installing it, and the previous session is always
// closed before the next one is created.
type Manager struct {
	provider SettingsProvider
	execRes  ExecutableResolver
	wsRes    WorkspaceResolver
	launch   Launcher
	sink     status.Sink
	log      *zap.Logger
	report   func(error)

	// startMu serializes the resolve/launch/handshake chain so that no
	// two launch attempts overlap.
	startMu sync.Mutex

	mu         sync.Mutex
	observers  []Observer
	settings   config.Snapshot
	current    Handle
	generation uint64
	baseCtx    context.Context

	state   atomic.Int32
	display atomic.Int32
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithStatusSink sets the status indicator driven by the busy/ready
// notification channels.
func WithStatusSink(sink status.Sink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithLauncher replaces the process launcher.
func WithLauncher(launch Launcher) Option {
	return func(m *Manager) {
		m.launch = launch
	}
}

// WithErrorReporter sets the user-facing error reporter. Each failed start
// produces exactly one report.
func WithErrorReporter(report func(error)) Option {
	return func(m *Manager) {
		m.report = report
	}
}

// NewManager creates a session manager. No session is started until an
// explicit Start.
func NewManager(provider SettingsProvider, execRes ExecutableResolver, wsRes WorkspaceResolver, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		execRes:  execRes,
		wsRes:    wsRes,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.launch == nil {
		m.launch = func(spec proc.Spec) (Handle, error) {
			p, err := proc.Launch(spec)
			if err != nil {
				return nil, err
			}
			return New(p), nil
		}
	}
	if m.report == nil {
		m.report = func(err error) {
			m.log.Error("analysis server unavailable", zap.Error(err))
		}
	}
	m.state.Store(int32(StateStopped))
	m.display.Store(int32(DisplayReady))
	return m
}

// AddObserver registers a feature module. Observers added after a session
// is active receive the current handle immediately.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	cur := m.current
	m.mu.Unlock()

	if cur != nil {
		o.SessionChanged(cur)
	}
}

// Start stops any current session and brings up a new one: resolve the
// executable and workspace, launch the process, perform the handshake,
// install the session, and notify observers.
//
// A Start that is overtaken by a newer Start or Stop abandons its work,
// closes any session it created, and returns ErrSuperseded. Resolution,
// spawn, and handshake failures leave the manager in StateFailed, produce
// exactly one user-facing report, and are never retried automatically.
func (m *Manager) Start(ctx context.Context) error {
	gen := m.newGeneration(ctx)

	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.stale(gen) {
		return ErrSuperseded
	}

	// Stop-before-start: the old session is fully closed before any part
	// of the new one exists.
	old := m.takeCurrent(StateResolving)
	if old != nil {
		_ = old.Close()
		m.notifySession(nil)
	}

	snap := m.provider.Load()
	m.mu.Lock()
	m.settings = snap
	m.mu.Unlock()

	if snap.EntryScript == "" {
		return m.fail(gen, fmt.Errorf("%w (settings key server.entry_script)", ErrNoEntryScript))
	}

	exe, err := m.execRes.ResolveExecutable(ctx, snap)
	if err != nil {
		return m.fail(gen, err)
	}
	wsPath, err := m.wsRes.ResolveWorkspacePath(ctx)
	if err != nil {
		return m.fail(gen, err)
	}
	if err := m.advance(gen, StateLaunching); err != nil {
		return err
	}

	spec := proc.Spec{
		Executable:    exe,
		EntryScript:   snap.EntryScript,
		WorkspacePath: wsPath,
		Debug:         snap.Debug,
		DepotDir:      snap.DepotDir,
		Log:           m.log,
	}
	m.log.Info("launching analysis server",
		zap.String("executable", exe),
		zap.String("workspace", wsPath),
		zap.Bool("debug", snap.Debug))

	h, err := m.launch(spec)
	if err != nil {
		return m.fail(gen, err)
	}

	if err := m.advance(gen, StateHandshaking); err != nil {
		_ = h.Close()
		return err
	}
	if err := h.Handshake(ctx); err != nil {
		_ = h.Close()
		return m.fail(gen, err)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		_ = h.Close()
		return ErrSuperseded
	}
	m.current = h
	m.state.Store(int32(StateActive))
	m.display.Store(int32(DisplayReady))
	m.mu.Unlock()

	m.log.Info("analysis session active", zap.String("session", h.ID()))

	// Observers learn about the handle before any status notification
	// can be processed for it.
	m.notifySession(h)
	m.bindStatus(h)
	return nil
}

// Stop closes the current session, supersedes any in-flight start, and
// leaves the manager in StateStopped.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.generation++
	old := m.current
	m.current = nil
	m.state.Store(int32(StateStopped))
	m.display.Store(int32(DisplayReady))
	m.mu.Unlock()

	if old == nil {
		return nil
	}

	err := old.Close()
	m.notifySession(nil)
	m.log.Info("analysis session stopped", zap.String("session", old.ID()))
	return err
}

// HandleSettingsChange reacts to a new settings snapshot. The snapshot is
// always forwarded to observers; the session is restarted only when the
// executable path differs from the previously loaded one. Changing any
// other field never touches the session.
func (m *Manager) HandleSettingsChange(snap config.Snapshot) {
	m.mu.Lock()
	prev := m.settings
	m.settings = snap
	ctx := m.baseCtx
	m.mu.Unlock()

	m.notifySettings(snap)

	if prev.ExecutablePath == snap.ExecutablePath {
		return
	}

	m.log.Info("server executable changed, restarting session",
		zap.String("previous", prev.ExecutablePath),
		zap.String("next", snap.ExecutablePath))

	if ctx == nil {
		ctx = context.Background()
	}
	// Start reports its own failures.
	_ = m.Start(ctx)
}

// State returns the manager's lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Display returns the current busy/ready display state.
func (m *Manager) Display() DisplayState {
	return DisplayState(m.display.Load())
}

// Current returns the active session handle, or nil.
func (m *Manager) Current() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Request performs a correlated call against the active session. With no
// session active it fails with ErrNoSession.
func (m *Manager) Request(ctx context.Context, method string, params, result any) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	if cur == nil {
		return ErrNoSession
	}
	return cur.Request(ctx, method, params, result)
}

// Settings returns the most recently loaded snapshot.
func (m *Manager) Settings() config.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// newGeneration marks every older start as superseded and records the
// base context used for settings-change restarts.
func (m *Manager) newGeneration(ctx context.Context) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.baseCtx = ctx
	return m.generation
}

// stale reports whether gen has been superseded.
func (m *Manager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.generation
}

// takeCurrent detaches the current session and sets the given state.
func (m *Manager) takeCurrent(st State) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.current
	m.current = nil
	m.state.Store(int32(st))
	return old
}

// advance moves to the next state unless the start was superseded.
func (m *Manager) advance(gen uint64, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return ErrSuperseded
	}
	m.state.Store(int32(st))
	return nil
}

// fail records a start failure and reports it to the user exactly once.
// A superseded start fails silently.
func (m *Manager) fail(gen uint64, err error) error {
	m.mu.Lock()
	stale := gen != m.generation
	if !stale {
		m.state.Store(int32(StateFailed))
	}
	m.mu.Unlock()

	if stale {
		return ErrSuperseded
	}
	m.report(err)
	return err
}

// bindStatus registers the busy/ready channels on the new handle. The
// handlers capture the handle's identity so that a late frame from a
// superseded session is detected and dropped.
func (m *Manager) bindStatus(h Handle) {
	id := h.ID()
	h.On(ChannelBusy, func(payload string) {
		m.setDisplay(id, DisplayBusy, payload)
	})
	h.On(ChannelReady, func(payload string) {
		m.setDisplay(id, DisplayReady, payload)
	})
}

// setDisplay applies a status notification from session id. Frames from a
// session that is no longer current never mutate the display state.
func (m *Manager) setDisplay(id string, d DisplayState, payload string) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	if cur == nil || cur.ID() != id {
		return
	}

	m.display.Store(int32(d))
	if m.sink == nil {
		return
	}
	if d == DisplayBusy {
		m.sink.Busy(payload)
	} else {
		m.sink.Ready(payload)
	}
}

// notifySession broadcasts a session transition to all observers.
func (m *Manager) notifySession(h Handle) {
	m.mu.Lock()
	obs := make([]Observer, len(m.observers))
	copy(obs, m.observers)
	m.mu.Unlock()

	for _, o := range obs {
		o.SessionChanged(h)
	}
}

// notifySettings broadcasts a settings snapshot to all observers.
func (m *Manager) notifySettings(snap config.Snapshot) {
	m.mu.Lock()
	obs := make([]Observer, len(m.observers))
	copy(obs, m.observers)
	m.mu.Unlock()

	for _, o := range obs {
		o.SettingsChanged(snap)
	}
}
