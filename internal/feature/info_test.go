package feature

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mseaton/lodestar/internal/session"
)

// infoHandle answers server/info with a fixed reply.
type infoHandle struct {
	id     string
	reply  ServerDescription
	err    error
	asked  chan string
	closed bool
}

func newInfoHandle(id string) *infoHandle {
	return &infoHandle{id: id, asked: make(chan string, 4)}
}

func (h *infoHandle) ID() string                             { return h.id }
func (h *infoHandle) Handshake(ctx context.Context) error    { return nil }
func (h *infoHandle) On(channel string, fn session.Handler)  {}
func (h *infoHandle) Notify(method string, params any) error { return nil }
func (h *infoHandle) Close() error                           { h.closed = true; return nil }

func (h *infoHandle) Request(ctx context.Context, method string, params, result any) error {
	h.asked <- method
	if h.err != nil {
		return h.err
	}
	data, err := json.Marshal(h.reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func TestInfoProbe_RecordsServerDescription(t *testing.T) {
	h := newInfoHandle("session-1")
	h.reply = ServerDescription{Name: "analyzer", Version: "2.1.0"}

	probe := NewInfoProbe(zap.NewNop())
	probe.SessionChanged(h)

	select {
	case method := <-h.asked:
		assert.Equal(t, "server/info", method)
	case <-time.After(2 * time.Second):
		t.Fatal("probe never issued the info request")
	}

	require.Eventually(t, func() bool {
		return probe.Last() != nil
	}, 2*time.Second, 10*time.Millisecond)

	last := probe.Last()
	assert.Equal(t, "analyzer", last.Name)
	assert.Equal(t, "2.1.0", last.Version)
}

func TestInfoProbe_RequestFailureStaysLocal(t *testing.T) {
	h := newInfoHandle("session-1")
	h.err = errors.New("server not ready")

	probe := NewInfoProbe(zap.NewNop())
	probe.SessionChanged(h)

	select {
	case <-h.asked:
	case <-time.After(2 * time.Second):
		t.Fatal("probe never issued the info request")
	}

	// Give the goroutine a moment to (incorrectly) record something.
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, probe.Last())
}

func TestInfoProbe_NilSessionClears(t *testing.T) {
	h := newInfoHandle("session-1")
	h.reply = ServerDescription{Name: "analyzer", Version: "2.1.0"}

	probe := NewInfoProbe(zap.NewNop())
	probe.SessionChanged(h)

	require.Eventually(t, func() bool {
		return probe.Last() != nil
	}, 2*time.Second, 10*time.Millisecond)

	probe.SessionChanged(nil)
	assert.Nil(t, probe.Last())
}
