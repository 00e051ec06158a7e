package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit actions.
const (
	ActionCreated  = "created"
	ActionRemoved  = "removed"
	ActionExpired  = "expired"
	ActionRejected = "rejected"
)

// AuditEntry records one subscription lifecycle change.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Instance string    `json:"instance,omitempty"`
	Action   string    `json:"action"`
	Channel  string    `json:"channel"`
	Endpoint string    `json:"endpoint"`
	TTLMS    int64     `json:"ttl_ms,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// StatsSnapshot is a periodic copy of the relay counters.
type StatsSnapshot struct {
	At            time.Time        `json:"at"`
	Instance      string           `json:"instance,omitempty"`
	Channels      int              `json:"channels"`
	Subscriptions int              `json:"subscriptions"`
	Counters      map[string]int64 `json:"counters"`
}

// Store is the persistence API used by the app.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	AppendStats(ctx context.Context, s StatsSnapshot) error
	// RecentStats returns up to limit snapshots, newest first.
	RecentStats(ctx context.Context, limit int) ([]StatsSnapshot, error)
	Close() error
}
