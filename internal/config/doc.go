// Package config supplies the host's settings as immutable snapshots and
// notifies subscribers when the persisted configuration changes.
//
// Settings live in a single TOML file. The [server] and [workspace] tables
// carry the fields the session core inspects; every other table is opaque
// to the core and forwarded verbatim to feature modules through the
// snapshot's Extra map.
package config
