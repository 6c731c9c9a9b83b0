package config

// Snapshot is an immutable view of the persisted settings. The session
// core inspects only ExecutablePath when deciding whether a configuration
// change requires a server restart; the remaining fields parameterize the
// launch or are opaque.
type Snapshot struct {
	// ExecutablePath is the configured server runtime path. Empty means
	// the resolver should search for one.
	ExecutablePath string

	// EntryScript is the server's entry script path.
	EntryScript string

	// Debug selects the server's runtime mode flag.
	Debug bool

	// DepotDir overrides the server-local data directory.
	DepotDir string

	// WorkspaceRoot is an optional explicit workspace directory. Empty
	// means the workspace resolver discovers one.
	WorkspaceRoot string

	// Extra holds every configuration table the core does not interpret,
	// forwarded verbatim to feature modules.
	Extra map[string]any
}

// snapshotFromRaw extracts the known fields from a parsed TOML document.
// Unrecognized top-level keys land in Extra.
func snapshotFromRaw(raw map[string]any) Snapshot {
	var snap Snapshot

	if server, ok := raw["server"].(map[string]any); ok {
		snap.ExecutablePath = stringAt(server, "executable")
		snap.EntryScript = stringAt(server, "entry_script")
		snap.Debug = boolAt(server, "debug")
		snap.DepotDir = stringAt(server, "depot_dir")
	}
	if workspace, ok := raw["workspace"].(map[string]any); ok {
		snap.WorkspaceRoot = stringAt(workspace, "root")
	}

	for key, val := range raw {
		if key == "server" || key == "workspace" {
			continue
		}
		if snap.Extra == nil {
			snap.Extra = make(map[string]any)
		}
		snap.Extra[key] = val
	}

	return snap
}

func stringAt(table map[string]any, key string) string {
	s, _ := table[key].(string)
	return s
}

func boolAt(table map[string]any, key string) bool {
	b, _ := table[key].(bool)
	return b
}
