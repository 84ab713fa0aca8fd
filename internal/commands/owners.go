package commands

import (
	"slices"
	"sync"
)

// OwnerSet holds the configured owner ids. It is shared by every instance
// and replaced on config reload.
type OwnerSet struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

func NewOwnerSet(ids []int64) *OwnerSet {
	s := &OwnerSet{}
	s.Set(ids)
	return s
}

func (s *OwnerSet) Set(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			m[id] = struct{}{}
		}
	}
	s.mu.Lock()
	s.ids = m
	s.mu.Unlock()
}

func (s *OwnerSet) Contains(id int64) bool {
	if s == nil || id == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *OwnerSet) List() []int64 {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}
