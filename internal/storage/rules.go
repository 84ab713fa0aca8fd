package storage

import (
	"fmt"
	"slices"
	"sort"
)

// NormalizeDestinations drops zero ids and duplicates, keeping first-seen order.
func NormalizeDestinations(dests []int64) []int64 {
	out := make([]int64, 0, len(dests))
	for _, d := range dests {
		if d == 0 || slices.Contains(out, d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func validateKey(source, owner int64) error {
	if source == 0 {
		return fmt.Errorf("%w: source chat id is required", ErrInvalidRule)
	}
	if owner == 0 {
		return fmt.Errorf("%w: owner id is required", ErrInvalidRule)
	}
	return nil
}

func withAdded(r Rule, dest int64) (Rule, Outcome) {
	if slices.Contains(r.Destinations, dest) {
		return r, OutcomeAlreadyPresent
	}
	r.Destinations = append(slices.Clone(r.Destinations), dest)
	return r, OutcomeChanged
}

func withRemoved(r Rule, dest int64) (Rule, Outcome) {
	i := slices.Index(r.Destinations, dest)
	if i < 0 {
		return r, OutcomeNotPresent
	}
	r.Destinations = slices.Delete(slices.Clone(r.Destinations), i, i+1)
	return r, OutcomeChanged
}

func (r Rule) clone() Rule {
	r.Destinations = slices.Clone(r.Destinations)
	if r.Destinations == nil {
		r.Destinations = []int64{}
	}
	return r
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Source != rules[j].Source {
			return rules[i].Source < rules[j].Source
		}
		return rules[i].Owner < rules[j].Owner
	})
}
