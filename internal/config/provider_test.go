package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProvider_Load(t *testing.T) {
	path := writeSettings(t, `
[server]
executable = "/opt/analyzer/bin/analyzer"
entry_script = "/opt/analyzer/share/boot.mjs"
debug = true
depot_dir = "/var/cache/analyzer"

[workspace]
root = "/home/dev/project"

[completion]
max_results = 50
`)

	p, err := NewProvider(path)
	require.NoError(t, err)

	snap := p.Load()
	assert.Equal(t, "/opt/analyzer/bin/analyzer", snap.ExecutablePath)
	assert.Equal(t, "/opt/analyzer/share/boot.mjs", snap.EntryScript)
	assert.True(t, snap.Debug)
	assert.Equal(t, "/var/cache/analyzer", snap.DepotDir)
	assert.Equal(t, "/home/dev/project", snap.WorkspaceRoot)

	// Tables the core does not interpret are carried verbatim.
	require.Contains(t, snap.Extra, "completion")
	completion, ok := snap.Extra["completion"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 50, completion["max_results"])
}

func TestProvider_MissingFile(t *testing.T) {
	p, err := NewProvider(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	snap := p.Load()
	assert.Empty(t, snap.ExecutablePath)
	assert.Empty(t, snap.EntryScript)
	assert.False(t, snap.Debug)
	assert.Nil(t, snap.Extra)
}

func TestProvider_MalformedFile(t *testing.T) {
	path := writeSettings(t, `[server`)

	_, err := NewProvider(path)
	require.Error(t, err)
}

func TestProvider_ReloadKeepsSnapshotOnError(t *testing.T) {
	path := writeSettings(t, `
[server]
executable = "/usr/local/bin/analyzer"
`)

	p, err := NewProvider(path)
	require.NoError(t, err)

	notified := 0
	p.OnChange(func(Snapshot) { notified++ })

	require.NoError(t, os.WriteFile(path, []byte(`[server oops`), 0o644))

	snap, err := p.Reload()
	require.Error(t, err)
	assert.Equal(t, "/usr/local/bin/analyzer", snap.ExecutablePath)
	assert.Equal(t, "/usr/local/bin/analyzer", p.Load().ExecutablePath)
	assert.Zero(t, notified, "failed reload must not notify subscribers")
}

func TestProvider_ReloadNotifiesSubscribers(t *testing.T) {
	path := writeSettings(t, `
[server]
executable = "/usr/local/bin/analyzer"
`)

	p, err := NewProvider(path)
	require.NoError(t, err)

	var got []Snapshot
	cancel := p.OnChange(func(snap Snapshot) { got = append(got, snap) })

	require.NoError(t, os.WriteFile(path, []byte(`
[server]
executable = "/opt/analyzer/bin/analyzer"
`), 0o644))

	snap, err := p.Reload()
	require.NoError(t, err)
	assert.Equal(t, "/opt/analyzer/bin/analyzer", snap.ExecutablePath)
	require.Len(t, got, 1)
	assert.Equal(t, snap, got[0])

	// A cancelled subscription receives nothing further.
	cancel()
	_, err = p.Reload()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
