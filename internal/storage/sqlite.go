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
	"time"

	_ "modernc.org/sqlite"

	logx "relaybot/pkg/logx"
)

//go:embed schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: every read-modify-write below is serialized by it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func persistErr(err error) error {
	if err == nil || errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrInvalidRule) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRule(sc rowScanner) (Rule, error) {
	var (
		r                Rule
		dests            string
		created, updated string
	)
	if err := sc.Scan(&r.Source, &r.Owner, &dests, &r.BotID, &created, &updated); err != nil {
		return Rule{}, err
	}
	if err := json.Unmarshal([]byte(dests), &r.Destinations); err != nil {
		return Rule{}, fmt.Errorf("rule %d/%d: destinations: %w", r.Source, r.Owner, err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r.clone(), nil
}

const ruleColumns = `source, owner, destinations, bot_id, created_at, updated_at`

func getRuleTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, source, owner int64) (Rule, bool, error) {
	r, err := scanRule(q.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE source = ? AND owner = ?`, source, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, false, nil
	}
	if err != nil {
		return Rule{}, false, err
	}
	return r, true, nil
}

func putRuleTx(ctx context.Context, tx *sql.Tx, r Rule) error {
	b, err := json.Marshal(NormalizeDestinations(r.Destinations))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rules(`+ruleColumns+`) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(source, owner) DO UPDATE SET
		   destinations = excluded.destinations,
		   bot_id = excluded.bot_id,
		   updated_at = excluded.updated_at`,
		r.Source, r.Owner, string(b), r.BotID,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return persistErr(err)
	}
	return persistErr(tx.Commit())
}

func (s *sqliteStore) UpsertRule(ctx context.Context, source, owner int64, dests []int64, botID int64) (Rule, error) {
	if err := validateKey(source, owner); err != nil {
		return Rule{}, err
	}
	var out Rule
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		r, ok, err := getRuleTx(ctx, tx, source, owner)
		if err != nil {
			return err
		}
		if !ok {
			r = Rule{Source: source, Owner: owner, CreatedAt: now}
		}
		r.Destinations = NormalizeDestinations(dests)
		r.BotID = botID
		r.UpdatedAt = now
		out = r
		return putRuleTx(ctx, tx, r)
	})
	return out, err
}

func (s *sqliteStore) mutateDestination(ctx context.Context, source, owner int64, apply func(Rule) (Rule, Outcome)) (Rule, Outcome, error) {
	var (
		out     Rule
		outcome Outcome
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, ok, err := getRuleTx(ctx, tx, source, owner)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotConfigured
		}
		out, outcome = apply(r)
		if outcome != OutcomeChanged {
			return nil
		}
		out.UpdatedAt = s.now()
		return putRuleTx(ctx, tx, out)
	})
	if err != nil {
		return Rule{}, outcome, err
	}
	return out.clone(), outcome, nil
}

func (s *sqliteStore) AddDestination(ctx context.Context, source, owner, dest int64) (Rule, Outcome, error) {
	return s.mutateDestination(ctx, source, owner, func(r Rule) (Rule, Outcome) { return withAdded(r, dest) })
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, source, owner, dest int64) (Rule, Outcome, error) {
	return s.mutateDestination(ctx, source, owner, func(r Rule) (Rule, Outcome) { return withRemoved(r, dest) })
}

func (s *sqliteStore) GetRule(ctx context.Context, source, owner int64) (Rule, bool, error) {
	r, ok, err := getRuleTx(ctx, s.db, source, owner)
	return r, ok, persistErr(err)
}

func (s *sqliteStore) queryRules(ctx context.Context, where string, args ...any) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules `+where+` ORDER BY source, owner`, args...)
	if err != nil {
		return nil, persistErr(err)
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, persistErr(err)
		}
		out = append(out, r)
	}
	return out, persistErr(rows.Err())
}

func (s *sqliteStore) ListRules(ctx context.Context, owner int64) ([]Rule, error) {
	return s.queryRules(ctx, `WHERE owner = ?`, owner)
}

func (s *sqliteStore) RulesBySource(ctx context.Context, source int64) ([]Rule, error) {
	return s.queryRules(ctx, `WHERE source = ?`, source)
}

func (s *sqliteStore) AllRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, ``)
}

func (s *sqliteStore) DeleteRule(ctx context.Context, source, owner int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE source = ? AND owner = ?`, source, owner)
	if err != nil {
		return 0, persistErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), persistErr(err)
}

func (s *sqliteStore) CloneRule(ctx context.Context, from, to, owner, botID int64) (Rule, error) {
	if err := validateKey(to, owner); err != nil {
		return Rule{}, err
	}
	var out Rule
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		tpl, ok, err := getRuleTx(ctx, tx, from, owner)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotConfigured
		}
		now := s.now()
		r, ok, err := getRuleTx(ctx, tx, to, owner)
		if err != nil {
			return err
		}
		if !ok {
			r = Rule{Source: to, Owner: owner, CreatedAt: now}
		}
		r.Destinations = NormalizeDestinations(tpl.Destinations)
		r.BotID = botID
		r.UpdatedAt = now
		out = r
		return putRuleTx(ctx, tx, r)
	})
	return out, err
}

func (s *sqliteStore) PutClone(ctx context.Context, c Clone) error {
	if c.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidRule)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clones(token, owner, bot_id, username, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(token) DO UPDATE SET owner = excluded.owner, bot_id = excluded.bot_id, username = excluded.username`,
		c.Token, c.Owner, c.BotID, c.Username, c.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return persistErr(err)
}

func scanClone(sc rowScanner) (Clone, error) {
	var (
		c       Clone
		created string
	)
	if err := sc.Scan(&c.Token, &c.Owner, &c.BotID, &c.Username, &created); err != nil {
		return Clone{}, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return c, nil
}

func (s *sqliteStore) GetClone(ctx context.Context, token string) (Clone, bool, error) {
	c, err := scanClone(s.db.QueryRowContext(ctx,
		`SELECT token, owner, bot_id, username, created_at FROM clones WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Clone{}, false, nil
	}
	if err != nil {
		return Clone{}, false, persistErr(err)
	}
	return c, true, nil
}

func (s *sqliteStore) ListClones(ctx context.Context) ([]Clone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, owner, bot_id, username, created_at FROM clones ORDER BY created_at`)
	if err != nil {
		return nil, persistErr(err)
	}
	defer rows.Close()
	var out []Clone
	for rows.Next() {
		c, err := scanClone(rows)
		if err != nil {
			return nil, persistErr(err)
		}
		out = append(out, c)
	}
	return out, persistErr(rows.Err())
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	e = e.withDefaults(s.now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at_ms, instance, actor_id, actor_username, chat_id, action, detail, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), nullStr(e.Instance), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Detail), e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return persistErr(err)
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, persistErr(err)
	}
	n, err := res.RowsAffected()
	return n, persistErr(err)
}

func (s *sqliteStore) CountAudit(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit WHERE at_ms >= ?`, since.UnixMilli()).Scan(&n)
	return n, persistErr(err)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
