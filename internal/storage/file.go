package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "nudge/pkg/logx"
)

// fileStore appends JSON Lines.
//
// Files:
//   - <prefix>.audit.jsonl
//   - <prefix>.stats.jsonl
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	auditPath  string
	statsPath  string
	auditFile  *os.File
	statsFile  *os.File
	skipLogged bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		auditPath: prefix + ".audit.jsonl",
		statsPath: prefix + ".stats.jsonl",
	}
	var err error
	if s.auditFile, err = openAppend(s.auditPath); err != nil {
		return nil, err
	}
	if s.statsFile, err = openAppend(s.statsPath); err != nil {
		_ = s.auditFile.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.statsFile != nil {
		errs = append(errs, s.statsFile.Close())
		s.statsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) AppendStats(_ context.Context, snap StatsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.statsFile).Encode(snap)
}

func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	return tail[AuditEntry](ctx, s, s.auditPath, limit)
}

func (s *fileStore) RecentStats(ctx context.Context, limit int) ([]StatsSnapshot, error) {
	return tail[StatsSnapshot](ctx, s, s.statsPath, limit)
}

// tail scans a JSON Lines file and returns the last limit records, newest
// first. Lines that fail to decode are skipped.
func tail[T any](ctx context.Context, s *fileStore, path string, limit int) ([]T, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]T, 0, limit)
	next := 0
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			skipped++
			continue
		}
		if len(ring) < limit {
			ring = append(ring, v)
			continue
		}
		ring[next] = v
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if skipped > 0 {
		s.mu.Lock()
		first := !s.skipLogged
		s.skipLogged = true
		s.mu.Unlock()
		if first {
			s.log.Warn("skipped undecodable lines", logx.String("file", path), logx.Int("count", skipped))
		}
	}

	out := make([]T, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}
