package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/secrets"
)

func TestRebuildGroups_PairsOfTwo(t *testing.T) {
	s := newTestStore(t, false)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, s.RebuildGroups(secrets.DefaultKey(), testAccounts(5), domain.Range{Min: 1, Max: 1}, domain.Range{Min: 2, Max: 2}))

	kind, err := s.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindGroups, kind)

	groups, err := s.ListPendingGroups()
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "1_1700000000", groups[0].Index)
	assert.Equal(t, 1, groups[0].Number)
	assert.Equal(t, "Group 2", groups[1].Label())
	for _, g := range groups {
		assert.Len(t, g.Wallets, 2)
		assert.NotEqual(t, g.Wallets[0].Address, g.Wallets[1].Address)
	}

	_, err = s.ListPendingModules(false)
	assert.ErrorIs(t, err, ErrFatal)
}

func TestRebuildGroups_NoDuplicateAddressInGroup(t *testing.T) {
	for range 20 {
		s := newTestStore(t, false)
		s.rng = domain.NewRand()

		require.NoError(t, s.RebuildGroups(secrets.DefaultKey(), testAccounts(4), domain.Range{Min: 1, Max: 3}, domain.Range{Min: 2, Max: 3}))

		groups, err := s.ListPendingGroups()
		require.NoError(t, err)
		require.NotEmpty(t, groups)

		for _, g := range groups {
			assert.GreaterOrEqual(t, len(g.Wallets), 2)
			assert.LessOrEqual(t, len(g.Wallets), 3)
			seen := map[string]bool{}
			for _, addr := range g.Addresses() {
				assert.False(t, seen[addr], "address %s twice in %s", addr, g.Index)
				seen[addr] = true
			}
		}
	}
}

func TestRebuildGroups_InsufficientAccounts(t *testing.T) {
	s := newTestStore(t, false)

	err := s.RebuildGroups(secrets.DefaultKey(), testAccounts(1), domain.Range{Min: 1, Max: 1}, domain.Range{Min: 2, Max: 3})
	assert.ErrorIs(t, err, ErrInsufficientAccounts)

	err = s.RebuildGroups(secrets.DefaultKey(), testAccounts(3), domain.Range{Min: 1, Max: 1}, domain.Range{Min: 4, Max: 5})
	assert.ErrorIs(t, err, ErrInsufficientAccounts)
}

func TestCompleteGroup(t *testing.T) {
	s := newTestStore(t, false)
	key := secrets.Derive("groups")
	require.NoError(t, s.RebuildGroups(key, testAccounts(4), domain.Range{Min: 1, Max: 1}, domain.Range{Min: 2, Max: 2}))

	groups, err := s.ListPendingGroups()
	require.NoError(t, err)
	require.Len(t, groups, 2)

	sample, ok, err := s.SampleSecret()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = secrets.Decrypt(sample, key)
	require.NoError(t, err)

	require.NoError(t, s.CompleteGroup(groups[0], domain.StatusTrue))
	require.NoError(t, s.CompleteGroup(groups[1], domain.StatusFailed))
	assert.Equal(t, 2, s.Progress().AccountsDone)

	pending, err := s.ListPendingGroups()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.Reload())
	pending, err = s.ListPendingGroups()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, groups[1].Index, pending[0].Index)
	assert.Equal(t, groups[1].ModuleID, pending[0].ModuleID)

	_, err = s.ListPendingModules(true)
	assert.ErrorIs(t, err, ErrFatal)
}
