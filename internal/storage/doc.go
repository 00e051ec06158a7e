// Package storage persists the relay's control-plane audit trail and
// periodic counter snapshots.
//
// Subscriptions themselves are never stored; a restart starts with an
// empty registry. Two backends exist: "file" (JSON Lines) and "sqlite"
// (modernc.org/sqlite, WAL, single writer).
package storage
