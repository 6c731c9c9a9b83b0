package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Provider loads settings snapshots from a TOML file and notifies
// subscribers when a reload produces a new snapshot.
//
// Provider is safe for concurrent use. Snapshots are value objects:
// callers never observe a snapshot mutating after they received it.
type Provider struct {
	path string

	mu     sync.RWMutex
	snap   Snapshot
	subs   map[uint64]func(Snapshot)
	nextID uint64
}

// NewProvider creates a provider reading from path and performs the
// initial load. A missing file yields the zero snapshot, not an error;
// a malformed file is an error.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{
		path: path,
		subs: make(map[uint64]func(Snapshot)),
	}
	snap, err := p.read()
	if err != nil {
		return nil, err
	}
	p.snap = snap
	return p, nil
}

// Path returns the settings file path.
func (p *Provider) Path() string {
	return p.path
}

// Load returns the most recently loaded snapshot.
func (p *Provider) Load() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Reload re-reads the settings file and notifies subscribers with the new
// snapshot. On a parse or read error the previous snapshot is kept and no
// notification is delivered.
func (p *Provider) Reload() (Snapshot, error) {
	snap, err := p.read()
	if err != nil {
		return p.Load(), err
	}

	p.mu.Lock()
	p.snap = snap
	subs := make([]func(Snapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap, nil
}

// OnChange subscribes to settings changes. Each reload delivers the new
// snapshot to every subscriber. The returned function cancels the
// subscription.
func (p *Provider) OnChange(fn func(Snapshot)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// read parses the settings file into a snapshot.
func (p *Provider) read() (Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("reading settings file %s: %w", p.path, err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("parsing settings file %s: %w", p.path, err)
	}
	return snapshotFromRaw(raw), nil
}
