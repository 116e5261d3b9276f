// Package store provides durable persistence for the warden.
//
// Three concerns are persisted: the set of accounts enrolled in
// auto-raid per town (restored after a warden restart), an audit log
// of channel-point redeems (whose primary key doubles as an
// at-most-once backstop), and the restart history surfaced by the
// ops API.
//
// The only implementation is SQLite via modernc.org/sqlite, a pure-Go
// driver that needs no cgo. Timestamps are stored as RFC 3339 strings
// in UTC.
package store
