// Package feature holds modules that consume the active analysis session.
package feature

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mseaton/lodestar/internal/config"
	"github.com/mseaton/lodestar/internal/session"
)

// InfoProbe asks each new session for the server's identity and logs it.
// It demonstrates the observer contract: a nil handle means no requests
// are possible right now, and a handle from a previous session must never
// be used again.
type InfoProbe struct {
	log     *zap.Logger
	timeout time.Duration

	mu   sync.Mutex
	last *ServerDescription
}

// ServerDescription is the reply to the server/info request.
type ServerDescription struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewInfoProbe creates the probe.
func NewInfoProbe(log *zap.Logger) *InfoProbe {
	return &InfoProbe{
		log:     log,
		timeout: 10 * time.Second,
	}
}

// SessionChanged implements session.Observer.
func (p *InfoProbe) SessionChanged(h session.Handle) {
	if h == nil {
		p.mu.Lock()
		p.last = nil
		p.mu.Unlock()
		return
	}

	go p.probe(h)
}

// SettingsChanged implements session.Observer. The probe has no
// configurable behavior.
func (p *InfoProbe) SettingsChanged(config.Snapshot) {}

// Last returns the most recent server description, or nil.
func (p *InfoProbe) Last() *ServerDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *InfoProbe) probe(h session.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var desc ServerDescription
	if err := h.Request(ctx, "server/info", nil, &desc); err != nil {
		// Per-request errors stay local to the module.
		p.log.Debug("server info probe failed",
			zap.String("session", h.ID()),
			zap.Error(err))
		return
	}

	p.mu.Lock()
	p.last = &desc
	p.mu.Unlock()

	p.log.Info("connected to analysis server",
		zap.String("name", desc.Name),
		zap.String("version", desc.Version))
}

var _ session.Observer = (*InfoProbe)(nil)
