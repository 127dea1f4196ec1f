package store

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/secrets"
)

func newTestStore(t *testing.T, shuffle bool) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{Shuffle: shuffle, Rand: rand.New(rand.NewPCG(1, 2))}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func testAccounts(n int) []domain.Account {
	accounts := make([]domain.Account, n)
	for i := range accounts {
		accounts[i] = domain.Account{
			Label:      fmt.Sprintf("acc-%d", i+1),
			PrivateKey: fmt.Sprintf("pk-%d", i+1),
			Address:    fmt.Sprintf("0x%040d", i+1),
		}
	}
	return accounts
}

func TestRebuildModules_TwoAccountsRoundTrip(t *testing.T) {
	s := newTestStore(t, false)
	key := secrets.Derive("test")

	require.NoError(t, s.RebuildModules(key, testAccounts(2), domain.Range{Min: 1, Max: 1}))

	kind, err := s.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindAccounts, kind)
	assert.Equal(t, Progress{AccountsTotal: 2, ModulesTotal: 2}, s.Progress())

	jobs, err := s.ListPendingModules(false)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	for _, job := range jobs {
		assert.True(t, job.Last)
		assert.NotEmpty(t, job.ModuleID)
		assert.Equal(t, DefaultModuleName, job.ModuleName)

		plain, err := secrets.Decrypt(job.EncodedSecret, key)
		require.NoError(t, err)
		assert.Contains(t, plain, "pk-")

		last, err := s.CompleteAccountModule(job, domain.StatusCompleted)
		require.NoError(t, err)
		assert.True(t, last)
	}

	kind, err = s.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindEmpty, kind)
	assert.Equal(t, Progress{AccountsTotal: 2, AccountsDone: 2, ModulesTotal: 2, ModulesDone: 2}, s.Progress())

	jobs, err = s.ListPendingModules(false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRebuildModules_EveryModuleStartsToRun(t *testing.T) {
	for _, bid := range []domain.Range{{Min: 1, Max: 1}, {Min: 1, Max: 5}, {Min: 3, Max: 3}} {
		t.Run(bid.String(), func(t *testing.T) {
			s := newTestStore(t, true)
			require.NoError(t, s.RebuildModules(secrets.DefaultKey(), testAccounts(6), bid))

			doc, err := s.readModules()
			require.NoError(t, err)
			assert.Equal(t, 6, doc.len())
			for _, k := range doc.keys {
				rec := doc.get(k)
				require.NotEmpty(t, rec.Modules)
				assert.GreaterOrEqual(t, len(rec.Modules), bid.Min)
				assert.LessOrEqual(t, len(rec.Modules), bid.Max)
				for _, m := range rec.Modules {
					assert.Equal(t, domain.StatusToRun, m.Status)
				}
			}

			jobs, err := s.ListPendingModules(false)
			require.NoError(t, err)
			assert.Len(t, jobs, s.Progress().ModulesTotal)
		})
	}
}

func TestRebuildModules_DeduplicatesAddresses(t *testing.T) {
	s := newTestStore(t, false)
	accounts := append(testAccounts(2), testAccounts(1)...)

	require.NoError(t, s.RebuildModules(secrets.DefaultKey(), accounts, domain.Range{Min: 1, Max: 1}))
	assert.Equal(t, 2, s.Progress().AccountsTotal)
}

func TestRebuildModules_NoAccounts(t *testing.T) {
	s := newTestStore(t, false)
	assert.Error(t, s.RebuildModules(secrets.DefaultKey(), nil, domain.Range{Min: 1, Max: 1}))
}

func TestCompleteAccountModule_Idempotent(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.RebuildModules(secrets.DefaultKey(), testAccounts(1), domain.Range{Min: 2, Max: 2}))

	jobs, err := s.ListPendingModules(false)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.False(t, jobs[0].Last)
	assert.True(t, jobs[1].Last)

	last, err := s.CompleteAccountModule(jobs[0], domain.StatusTrue)
	require.NoError(t, err)
	assert.False(t, last)
	before := s.Progress()

	last, err = s.CompleteAccountModule(jobs[0], domain.StatusTrue)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, before, s.Progress())

	remaining, err := s.ListPendingModules(false)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, jobs[1].ModuleID, remaining[0].ModuleID)
}

func TestCompleteAccountModule_FailureKeepsRecord(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.RebuildModules(secrets.DefaultKey(), testAccounts(1), domain.Range{Min: 1, Max: 1}))

	jobs, err := s.ListPendingModules(false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	last, err := s.CompleteAccountModule(jobs[0], domain.StatusFailed)
	require.NoError(t, err)
	assert.True(t, last)

	pending, err := s.ListPendingModules(false)
	require.NoError(t, err)
	assert.Empty(t, pending)

	kind, err := s.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindAccounts, kind)

	require.NoError(t, s.Reload())
	pending, err = s.ListPendingModules(false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, jobs[0].ModuleID, pending[0].ModuleID)
}

func TestCompleteAccountModule_MatchesByNameWithoutID(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.RebuildModules(secrets.DefaultKey(), testAccounts(1), domain.Range{Min: 2, Max: 2}))

	jobs, err := s.ListPendingModules(false)
	require.NoError(t, err)
	job := jobs[1]
	job.ModuleID = ""

	last, err := s.CompleteAccountModule(job, domain.StatusCompleted)
	require.NoError(t, err)
	assert.False(t, last)

	remaining, err := s.ListPendingModules(false)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, jobs[1].ModuleID, remaining[0].ModuleID)
}

func TestListPendingModules_UniqueWallets(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.RebuildModules(secrets.DefaultKey(), testAccounts(3), domain.Range{Min: 3, Max: 3}))

	jobs, err := s.ListPendingModules(true)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	seen := map[string]bool{}
	for _, job := range jobs {
		assert.True(t, job.Last)
		assert.False(t, seen[job.Address])
		seen[job.Address] = true
	}
}

func TestCompleteAccount(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.RebuildModules(secrets.DefaultKey(), testAccounts(2), domain.Range{Min: 2, Max: 2}))

	jobs, err := s.ListPendingModules(true)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.NoError(t, s.CompleteAccount(jobs[0], domain.StatusCompleted))
	require.NoError(t, s.CompleteAccount(jobs[1], domain.StatusCloudflare))
	assert.Equal(t, 2, s.Progress().AccountsDone)

	doc, err := s.readModules()
	require.NoError(t, err)
	require.Equal(t, 1, doc.len())
	rec := doc.get(jobs[1].EncodedSecret)
	require.NotNil(t, rec)
	for _, m := range rec.Modules {
		assert.Equal(t, domain.StatusFailed, m.Status)
	}

	// already removed
	require.NoError(t, s.CompleteAccount(jobs[0], domain.StatusCompleted))
	assert.Equal(t, 2, s.Progress().AccountsDone)
}

func TestReload_ResetsRetryableStatuses(t *testing.T) {
	dir := t.TempDir()
	token, err := secrets.Encrypt("pk", secrets.DefaultKey())
	require.NoError(t, err)

	raw := fmt.Sprintf(`{%q: {"address": "0xabc", "modules": [
		{"module_name": "opinion", "status": "cloudflare"},
		{"module_name": "opinion", "status": "failed"},
		{"module_name": "opinion", "status": "to_run"}
	], "proxy": null, "label": "legacy"}}`, token)
	require.NoError(t, os.WriteFile(filepath.Join(dir, modulesFile), []byte(raw), 0644))

	s, err := Open(dir, Options{}, zerolog.Nop())
	require.NoError(t, err)

	jobs, err := s.ListPendingModules(false)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	ids := map[string]bool{}
	for _, job := range jobs {
		assert.Equal(t, "legacy", job.Label)
		assert.Equal(t, token, job.EncodedSecret)
		assert.NotEmpty(t, job.ModuleID)
		ids[job.ModuleID] = true
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, Progress{AccountsTotal: 1, ModulesTotal: 3}, s.Progress())

	sample, ok, err := s.SampleSecret()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, token, sample)
}

func TestOpen_LegacyEmptyArray(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, modulesFile), []byte("[]"), 0644))

	s, err := Open(dir, Options{}, zerolog.Nop())
	require.NoError(t, err)

	kind, err := s.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindEmpty, kind)

	_, ok, err := s.SampleSecret()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_CorruptModulesIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, modulesFile), []byte("{broken"), 0644))

	_, err := Open(dir, Options{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrFatal)
}

func TestOnProgress(t *testing.T) {
	var seen []Progress
	s, err := Open(t.TempDir(), Options{OnProgress: func(p Progress) { seen = append(seen, p) }}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.RebuildModules(secrets.DefaultKey(), testAccounts(1), domain.Range{Min: 1, Max: 1}))
	jobs, err := s.ListPendingModules(false)
	require.NoError(t, err)
	_, err = s.CompleteAccountModule(jobs[0], domain.StatusCompleted)
	require.NoError(t, err)

	require.NotEmpty(t, seen)
	assert.Equal(t, Progress{AccountsTotal: 1, AccountsDone: 1, ModulesTotal: 1, ModulesDone: 1}, seen[len(seen)-1])
}
