package storage

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "relaybot/pkg/logx"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends(t *testing.T) []backend {
	t.Helper()
	out := []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"file", func(t *testing.T) Store {
			s, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "relay.json")}, logx.Nop())
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
			require.NoError(t, err)
			return s
		}},
	}
	if uri := os.Getenv("RELAYBOT_TEST_MONGO_URI"); uri != "" {
		out = append(out, backend{"mongo", func(t *testing.T) Store {
			db := "relaybot_test_" + uuid.NewString()[:8]
			s, err := Open(context.Background(), Config{Driver: "mongo", URI: uri, Database: db}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() {
				_ = s.(*mongoStore).db.Drop(context.Background())
			})
			return s
		}})
	}
	return out
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

const (
	src   int64 = -1001
	owner int64 = 42
)

func TestUpsertRuleOverwritesTotally(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r, err := s.UpsertRule(ctx, src, owner, []int64{1, 2, 2, 3}, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, r.Destinations)

		r, err = s.UpsertRule(ctx, src, owner, []int64{9}, 7)
		require.NoError(t, err)
		assert.Equal(t, []int64{9}, r.Destinations)
		assert.Equal(t, int64(7), r.BotID)

		got, ok, err := s.GetRule(ctx, src, owner)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []int64{9}, got.Destinations)
	})
}

func TestAddDestinationIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.AddDestination(ctx, src, owner, 5)
		require.ErrorIs(t, err, ErrNotConfigured)

		_, err = s.UpsertRule(ctx, src, owner, []int64{1}, 0)
		require.NoError(t, err)

		r, out, err := s.AddDestination(ctx, src, owner, 5)
		require.NoError(t, err)
		assert.Equal(t, OutcomeChanged, out)
		assert.Equal(t, []int64{1, 5}, r.Destinations)

		r, out, err = s.AddDestination(ctx, src, owner, 5)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyPresent, out)
		assert.Equal(t, []int64{1, 5}, r.Destinations)
	})
}

func TestRemoveDestinationNotPresent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.RemoveDestination(ctx, src, owner, 5)
		require.ErrorIs(t, err, ErrNotConfigured)

		_, err = s.UpsertRule(ctx, src, owner, []int64{1, 2}, 0)
		require.NoError(t, err)

		r, out, err := s.RemoveDestination(ctx, src, owner, 5)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotPresent, out)
		assert.Equal(t, []int64{1, 2}, r.Destinations)

		r, out, err = s.RemoveDestination(ctx, src, owner, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeChanged, out)
		assert.Equal(t, []int64{2}, r.Destinations)
	})
}

// Random add/remove sequences must end in the same set as a plain
// in-memory model with set semantics.
func TestAddRemoveMatchesReferenceModel(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rng := rand.New(rand.NewSource(1))
		for round := 0; round < 5; round++ {
			source := src - int64(round)
			_, err := s.UpsertRule(ctx, source, owner, nil, 0)
			require.NoError(t, err)

			var model []int64
			for i := 0; i < 60; i++ {
				dest := int64(rng.Intn(8) + 1)
				if rng.Intn(2) == 0 {
					_, out, err := s.AddDestination(ctx, source, owner, dest)
					require.NoError(t, err)
					if slices.Contains(model, dest) {
						assert.Equal(t, OutcomeAlreadyPresent, out)
					} else {
						assert.Equal(t, OutcomeChanged, out)
						model = append(model, dest)
					}
				} else {
					_, out, err := s.RemoveDestination(ctx, source, owner, dest)
					require.NoError(t, err)
					if i := slices.Index(model, dest); i >= 0 {
						assert.Equal(t, OutcomeChanged, out)
						model = slices.Delete(model, i, i+1)
					} else {
						assert.Equal(t, OutcomeNotPresent, out)
					}
				}
			}
			got, ok, err := s.GetRule(ctx, source, owner)
			require.NoError(t, err)
			require.True(t, ok)
			if model == nil {
				model = []int64{}
			}
			assert.Equal(t, model, got.Destinations, "round %d", round)
		}
	})
}

func TestCloneRule(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CloneRule(ctx, 100, 200, owner, 0)
		require.ErrorIs(t, err, ErrNotConfigured)
		_, ok, err := s.GetRule(ctx, 200, owner)
		require.NoError(t, err)
		assert.False(t, ok, "failed clone must not create a rule")

		_, err = s.UpsertRule(ctx, 100, owner, []int64{7, 8}, 0)
		require.NoError(t, err)
		r, err := s.CloneRule(ctx, 100, 200, owner, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{7, 8}, r.Destinations)
		assert.Equal(t, int64(200), r.Source)

		// The clone is independent of its template.
		_, _, err = s.AddDestination(ctx, 100, owner, 9)
		require.NoError(t, err)
		got, _, err := s.GetRule(ctx, 200, owner)
		require.NoError(t, err)
		assert.Equal(t, []int64{7, 8}, got.Destinations)
	})
}

func TestDeleteRuleCounts(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n, err := s.DeleteRule(ctx, src, owner)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, err = s.UpsertRule(ctx, src, owner, []int64{1}, 0)
		require.NoError(t, err)
		n, err = s.DeleteRule(ctx, src, owner)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, ok, err := s.GetRule(ctx, src, owner)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRulesAreOwnerScoped(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertRule(ctx, src, 1, []int64{10}, 0)
		require.NoError(t, err)
		_, err = s.UpsertRule(ctx, src, 2, []int64{20}, 0)
		require.NoError(t, err)
		_, err = s.UpsertRule(ctx, 77, 1, []int64{30}, 0)
		require.NoError(t, err)

		mine, err := s.ListRules(ctx, 1)
		require.NoError(t, err)
		require.Len(t, mine, 2)
		for _, r := range mine {
			assert.Equal(t, int64(1), r.Owner)
		}

		bySource, err := s.RulesBySource(ctx, src)
		require.NoError(t, err)
		assert.Len(t, bySource, 2)

		all, err := s.AllRules(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestConcurrentAddsDoNotLoseUpdates(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertRule(ctx, src, owner, nil, 0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(dest int64) {
				defer wg.Done()
				_, _, err := s.AddDestination(ctx, src, owner, dest)
				assert.NoError(t, err)
			}(int64(i))
		}
		wg.Wait()

		r, _, err := s.GetRule(ctx, src, owner)
		require.NoError(t, err)
		assert.Len(t, r.Destinations, 20)
	})
}

func TestClonesAndAudit(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutClone(ctx, Clone{Token: "t1", Owner: owner, BotID: 11, Username: "one_bot"}))
		require.NoError(t, s.PutClone(ctx, Clone{Token: "t2", Owner: owner, BotID: 12, Username: "two_bot"}))

		c, ok, err := s.GetClone(ctx, "t1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "one_bot", c.Username)

		list, err := s.ListClones(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, s.AppendAudit(ctx, AuditEntry{At: old, Action: "forward"}))
		require.NoError(t, s.AppendAudit(ctx, AuditEntry{Action: "setforward", ActorID: owner}))

		n, err := s.CountAudit(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		removed, err := s.PruneAudit(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		n, err = s.CountAudit(ctx, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	_, err = s.UpsertRule(ctx, src, owner, []int64{3, 4}, 0)
	require.NoError(t, err)
	require.NoError(t, s.PutClone(ctx, Clone{Token: "tok", Owner: owner}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	r, ok, err := s.GetRule(ctx, src, owner)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{3, 4}, r.Destinations)
	_, ok, err = s.GetClone(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemStoreRollsBackOnPersistFailure(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	_, err := s.UpsertRule(ctx, src, owner, []int64{1}, 0)
	require.NoError(t, err)

	s.persist = func() error { return errors.New("disk full") }
	_, _, err = s.AddDestination(ctx, src, owner, 2)
	require.ErrorIs(t, err, ErrPersistence)

	r, _, err := s.GetRule(ctx, src, owner)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, r.Destinations)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}
