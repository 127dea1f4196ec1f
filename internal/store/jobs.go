package store

import (
	"fmt"

	"github.com/aristath/hedgebot/internal/domain"
)

// ModuleJob is one pending module of an account record. The secret stays
// encrypted; it is decrypted only by the job that runs it.
type ModuleJob struct {
	EncodedSecret string
	Address       string
	Label         string
	Proxy         string
	ModuleID      string
	ModuleName    string
	// Last is set when this is the final module queued for the account.
	Last bool
}

// GroupWallet is one member of a pending group.
type GroupWallet struct {
	EncodedSecret string
	Address       string
	Label         string
	Proxy         string
}

// GroupJob is a pending hedge group.
type GroupJob struct {
	Index      string
	Number     int
	ModuleID   string
	ModuleName string
	Wallets    []GroupWallet
}

// Label is the name the group is reported under.
func (g GroupJob) Label() string {
	return fmt.Sprintf("Group %d", g.Number)
}

// Addresses returns the member addresses.
func (g GroupJob) Addresses() []string {
	out := make([]string, len(g.Wallets))
	for i, w := range g.Wallets {
		out[i] = w.Address
	}
	return out
}

// ListPendingModules returns every to_run module of every account. With
// uniqueWalletsOnly an account contributes only when its last module is
// to_run, and then only that module. An empty store yields an empty slice;
// a groups store is a fatal mismatch.
func (s *Store) ListPendingModules(uniqueWalletsOnly bool) ([]ModuleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readModules()
	if err != nil {
		return nil, err
	}
	if doc.kind() == KindGroups {
		return nil, fmt.Errorf("%w: store holds groups, not accounts", ErrFatal)
	}

	var jobs []ModuleJob
	for _, key := range doc.keys {
		rec := doc.get(key)
		for i, m := range rec.Modules {
			last := i == len(rec.Modules)-1
			if m.Status != domain.StatusToRun || (uniqueWalletsOnly && !last) {
				continue
			}
			jobs = append(jobs, ModuleJob{
				EncodedSecret: key,
				Address:       rec.Address,
				Label:         rec.Label,
				Proxy:         deref(rec.Proxy),
				ModuleID:      m.ID,
				ModuleName:    m.Name,
				Last:          last,
			})
		}
	}

	if s.shuffle {
		s.rng.Shuffle(len(jobs), func(i, j int) { jobs[i], jobs[j] = jobs[j], jobs[i] })
	}
	return jobs, nil
}

// ListPendingGroups returns every group whose module is to_run. An accounts
// store is a fatal mismatch.
func (s *Store) ListPendingGroups() ([]GroupJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readModules()
	if err != nil {
		return nil, err
	}
	if doc.kind() == KindAccounts {
		return nil, fmt.Errorf("%w: store holds accounts, not groups", ErrFatal)
	}

	var jobs []GroupJob
	for _, key := range doc.keys {
		rec := doc.get(key)
		if len(rec.Modules) == 0 || rec.Modules[0].Status != domain.StatusToRun {
			continue
		}
		job := GroupJob{
			Index:      key,
			Number:     rec.GroupNumber,
			ModuleID:   rec.Modules[0].ID,
			ModuleName: rec.Modules[0].Name,
		}
		for _, w := range rec.Wallets {
			job.Wallets = append(job.Wallets, GroupWallet{
				EncodedSecret: w.EncodedSecret,
				Address:       w.Address,
				Label:         w.Label,
				Proxy:         deref(w.Proxy),
			})
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CompleteAccountModule records the outcome of one module. A terminal
// success removes it; anything else marks it failed. The returned flag is
// true when the account has no to_run modules left. Records left without
// modules are deleted.
//
// Completing a module that is already gone changes nothing and reports false.
func (s *Store) CompleteAccountModule(job ModuleJob, status domain.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readModules()
	if err != nil {
		return false, err
	}

	rec := doc.get(job.EncodedSecret)
	if rec == nil || rec.isGroup() {
		s.log.Warn().Str("address", job.Address).Msg("Account already removed from database")
		return false, nil
	}

	idx := findModule(rec.Modules, job.ModuleID, job.ModuleName)
	if idx < 0 {
		s.log.Warn().Str("address", job.Address).Str("module_id", job.ModuleID).Msg("Module already completed")
		return false, nil
	}

	s.progress.ModulesDone++
	if status.TerminalSuccess() {
		rec.Modules = append(rec.Modules[:idx], rec.Modules[idx+1:]...)
	} else {
		rec.Modules[idx].Status = domain.StatusFailed
	}

	last := rec.countStatus(domain.StatusToRun) == 0
	if last {
		s.progress.AccountsDone++
	}
	if len(rec.Modules) == 0 {
		doc.remove(job.EncodedSecret)
	}

	if err := s.writeModules(doc); err != nil {
		return false, err
	}
	s.notifyProgressLocked()
	return last, nil
}

// CompleteAccount records the outcome of a whole account: success deletes the
// record, failure marks every module failed.
func (s *Store) CompleteAccount(job ModuleJob, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readModules()
	if err != nil {
		return err
	}

	rec := doc.get(job.EncodedSecret)
	if rec == nil || rec.isGroup() {
		s.log.Warn().Str("address", job.Address).Msg("Account already removed from database")
		return nil
	}

	s.progress.AccountsDone++
	if status.TerminalSuccess() {
		doc.remove(job.EncodedSecret)
	} else {
		for i := range rec.Modules {
			rec.Modules[i].Status = domain.StatusFailed
		}
	}

	if err := s.writeModules(doc); err != nil {
		return err
	}
	s.notifyProgressLocked()
	return nil
}

// CompleteGroup records a group outcome: success deletes the group, failure
// rewrites its module as failed. Failed groups are retried only after the
// next load pass.
func (s *Store) CompleteGroup(job GroupJob, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readModules()
	if err != nil {
		return err
	}

	rec := doc.get(job.Index)
	if rec == nil || !rec.isGroup() {
		s.log.Warn().Str("group", job.Index).Msg("Group already removed from database")
		return nil
	}

	s.progress.AccountsDone++
	if status.TerminalSuccess() {
		doc.remove(job.Index)
	} else {
		rec.Modules = []Module{{ID: job.ModuleID, Name: job.ModuleName, Status: domain.StatusFailed}}
	}

	if err := s.writeModules(doc); err != nil {
		return err
	}
	s.notifyProgressLocked()
	return nil
}

// findModule locates a to_run module by id, falling back to the first to_run
// module with the same name for records written without ids.
func findModule(modules []Module, id, name string) int {
	if id != "" {
		for i, m := range modules {
			if m.ID == id {
				if m.Status != domain.StatusToRun {
					return -1
				}
				return i
			}
		}
		return -1
	}
	for i, m := range modules {
		if m.Name == name && m.Status == domain.StatusToRun {
			return i
		}
	}
	return -1
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
