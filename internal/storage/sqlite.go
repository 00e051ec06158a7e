package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "nudge/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const (
	defaultBusyTimeout = 5 * time.Second
	// keepStats bounds the stats table; older rows are pruned.
	keepStats = 10000
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 100}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, instance, action, channel, endpoint, ttl_ms, reason) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Instance), e.Action, e.Channel, e.Endpoint, e.TTLMS, nullStr(e.Reason),
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, COALESCE(instance, ''), action, channel, endpoint, ttl_ms, COALESCE(reason, '')
		 FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		if err := rows.Scan(&at, &e.Instance, &e.Action, &e.Channel, &e.Endpoint, &e.TTLMS, &e.Reason); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendStats(ctx context.Context, snap StatsSnapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap.At.IsZero() {
		snap.At = time.Now()
	}
	counters, err := json.Marshal(snap.Counters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stats(at, instance, channels, subscriptions, counters) VALUES(?,?,?,?,?)`,
		snap.At.UTC().Format(time.RFC3339Nano), nullStr(snap.Instance), snap.Channels, snap.Subscriptions, string(counters),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		if perr := s.pruneStats(pctx); perr != nil {
			s.log.Debug("stats prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentStats(ctx context.Context, limit int) ([]StatsSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, COALESCE(instance, ''), channels, subscriptions, counters
		 FROM stats ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatsSnapshot
	for rows.Next() {
		var snap StatsSnapshot
		var at, counters string
		if err := rows.Scan(&at, &snap.Instance, &snap.Channels, &snap.Subscriptions, &counters); err != nil {
			return nil, err
		}
		snap.At, _ = time.Parse(time.RFC3339Nano, at)
		if err := json.Unmarshal([]byte(counters), &snap.Counters); err != nil {
			return nil, fmt.Errorf("stats row counters: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneStats(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stats WHERE id <= (SELECT MAX(id) FROM stats) - ?`, keepStats)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
