package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

// fileStore is a dependency-free backend.
//
// Files:
//   - <prefix>.rules.json   (rules + clones snapshot, rewritten atomically per mutation)
//   - <prefix>.audit.jsonl  (append-only JSON Lines)
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	auditPath    string
	auditFile    *os.File
}

type fileSnapshot struct {
	Rules  []Rule  `json:"rules"`
	Clones []Clone `json:"clones"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     newMemStore(),
		log:          log,
		snapshotPath: prefix + ".rules.json",
		auditPath:    prefix + ".audit.jsonl",
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.snapshotPath, err)
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	s.persist = s.writeSnapshot
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Rules {
		r.Destinations = NormalizeDestinations(r.Destinations)
		s.rules[ruleKey{r.Source, r.Owner}] = r
	}
	for _, c := range snap.Clones {
		if c.Token != "" {
			s.clones[c.Token] = c
		}
	}
	return nil
}

// writeSnapshot runs under memStore.mu.
func (s *fileStore) writeSnapshot() error {
	snap := fileSnapshot{Rules: make([]Rule, 0, len(s.rules)), Clones: make([]Clone, 0, len(s.clones))}
	for _, r := range s.rules {
		snap.Rules = append(snap.Rules, r)
	}
	sortRules(snap.Rules)
	for _, c := range s.clones {
		snap.Clones = append(snap.Clones, c)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.auditFile).Encode(e.withDefaults(s.now)); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *fileStore) scanAudit(fn func(AuditEntry)) error {
	f, err := os.Open(s.auditPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		fn(e)
	}
	return sc.Err()
}

func (s *fileStore) CountAudit(ctx context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.scanAudit(func(e AuditEntry) {
		if !e.At.Before(since) {
			n++
		}
	})
	return n, err
}

// PruneAudit rewrites the JSON Lines file without the expired entries.
func (s *fileStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, ErrDisabled
	}

	tmp := s.auditPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(out)
	var removed int64
	var encErr error
	scanErr := s.scanAudit(func(e AuditEntry) {
		if e.At.Before(before) {
			removed++
			return
		}
		if encErr == nil {
			encErr = enc.Encode(e)
		}
	})
	closeErr := out.Close()
	if err := errors.Join(scanErr, encErr, closeErr); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.auditFile.Close()
	if err := os.Rename(tmp, s.auditPath); err != nil {
		s.log.Warn("audit prune rename failed", logx.Err(err))
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.auditFile = nil
		return removed, err
	}
	s.auditFile = af
	return removed, nil
}
