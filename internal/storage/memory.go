package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type ruleKey struct{ source, owner int64 }

// memStore keeps everything in maps under one mutex. The file backend reuses
// it and installs persist to write a snapshot after each mutation.
type memStore struct {
	mu     sync.Mutex
	closed bool
	rules  map[ruleKey]Rule
	clones map[string]Clone
	audit  []AuditEntry

	// persist runs under mu after a mutation; an error rolls the mutation back.
	persist func() error
	now     func() time.Time
}

// NewMemory returns a process-local store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		rules:  map[ruleKey]Rule{},
		clones: map[string]Clone{},
		now:    time.Now,
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// putRule stores r (or deletes it when del) and persists, restoring the
// previous value on failure. Caller holds mu.
func (s *memStore) putRule(k ruleKey, r Rule, del bool) error {
	prev, had := s.rules[k]
	if del {
		delete(s.rules, k)
	} else {
		s.rules[k] = r
	}
	if s.persist == nil {
		return nil
	}
	if err := s.persist(); err != nil {
		if had {
			s.rules[k] = prev
		} else {
			delete(s.rules, k)
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *memStore) UpsertRule(ctx context.Context, source, owner int64, dests []int64, botID int64) (Rule, error) {
	if err := validateKey(source, owner); err != nil {
		return Rule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Rule{}, ErrDisabled
	}
	k := ruleKey{source, owner}
	now := s.now()
	r, ok := s.rules[k]
	if !ok {
		r = Rule{Source: source, Owner: owner, CreatedAt: now}
	}
	r.Destinations = NormalizeDestinations(dests)
	r.BotID = botID
	r.UpdatedAt = now
	if err := s.putRule(k, r, false); err != nil {
		return Rule{}, err
	}
	return r.clone(), nil
}

func (s *memStore) mutateDestination(source, owner int64, apply func(Rule) (Rule, Outcome)) (Rule, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Rule{}, OutcomeChanged, ErrDisabled
	}
	k := ruleKey{source, owner}
	r, ok := s.rules[k]
	if !ok {
		return Rule{}, OutcomeChanged, ErrNotConfigured
	}
	next, out := apply(r)
	if out != OutcomeChanged {
		return r.clone(), out, nil
	}
	next.UpdatedAt = s.now()
	if err := s.putRule(k, next, false); err != nil {
		return Rule{}, out, err
	}
	return next.clone(), out, nil
}

func (s *memStore) AddDestination(ctx context.Context, source, owner, dest int64) (Rule, Outcome, error) {
	return s.mutateDestination(source, owner, func(r Rule) (Rule, Outcome) { return withAdded(r, dest) })
}

func (s *memStore) RemoveDestination(ctx context.Context, source, owner, dest int64) (Rule, Outcome, error) {
	return s.mutateDestination(source, owner, func(r Rule) (Rule, Outcome) { return withRemoved(r, dest) })
}

func (s *memStore) GetRule(ctx context.Context, source, owner int64) (Rule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Rule{}, false, ErrDisabled
	}
	r, ok := s.rules[ruleKey{source, owner}]
	if !ok {
		return Rule{}, false, nil
	}
	return r.clone(), true, nil
}

func (s *memStore) filterRules(keep func(Rule) bool) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	var out []Rule
	for _, r := range s.rules {
		if keep(r) {
			out = append(out, r.clone())
		}
	}
	sortRules(out)
	return out, nil
}

func (s *memStore) ListRules(ctx context.Context, owner int64) ([]Rule, error) {
	return s.filterRules(func(r Rule) bool { return r.Owner == owner })
}

func (s *memStore) RulesBySource(ctx context.Context, source int64) ([]Rule, error) {
	return s.filterRules(func(r Rule) bool { return r.Source == source })
}

func (s *memStore) AllRules(ctx context.Context) ([]Rule, error) {
	return s.filterRules(func(Rule) bool { return true })
}

func (s *memStore) DeleteRule(ctx context.Context, source, owner int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrDisabled
	}
	k := ruleKey{source, owner}
	if _, ok := s.rules[k]; !ok {
		return 0, nil
	}
	if err := s.putRule(k, Rule{}, true); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *memStore) CloneRule(ctx context.Context, from, to, owner, botID int64) (Rule, error) {
	if err := validateKey(to, owner); err != nil {
		return Rule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Rule{}, ErrDisabled
	}
	tpl, ok := s.rules[ruleKey{from, owner}]
	if !ok {
		return Rule{}, ErrNotConfigured
	}
	k := ruleKey{to, owner}
	now := s.now()
	r, ok := s.rules[k]
	if !ok {
		r = Rule{Source: to, Owner: owner, CreatedAt: now}
	}
	r.Destinations = NormalizeDestinations(tpl.Destinations)
	r.BotID = botID
	r.UpdatedAt = now
	if err := s.putRule(k, r, false); err != nil {
		return Rule{}, err
	}
	return r.clone(), nil
}

func (s *memStore) PutClone(ctx context.Context, c Clone) error {
	if c.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidRule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	prev, had := s.clones[c.Token]
	s.clones[c.Token] = c
	if s.persist != nil {
		if err := s.persist(); err != nil {
			if had {
				s.clones[c.Token] = prev
			} else {
				delete(s.clones, c.Token)
			}
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return nil
}

func (s *memStore) GetClone(ctx context.Context, token string) (Clone, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Clone{}, false, ErrDisabled
	}
	c, ok := s.clones[token]
	return c, ok, nil
}

func (s *memStore) ListClones(ctx context.Context) ([]Clone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	out := make([]Clone, 0, len(s.clones))
	for _, c := range s.clones {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.audit = append(s.audit, e.withDefaults(s.now))
	return nil
}

func (s *memStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	for _, e := range s.audit {
		if !e.At.Before(before) {
			kept = append(kept, e)
		}
	}
	removed := int64(len(s.audit) - len(kept))
	s.audit = kept
	return removed, nil
}

func (s *memStore) CountAudit(ctx context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.audit {
		if !e.At.Before(since) {
			n++
		}
	}
	return n, nil
}
