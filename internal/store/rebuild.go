package store

import (
	"fmt"
	"strconv"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/secrets"
)

// RebuildModules replaces the store with one account record per unique
// address, each queueing a random number of modules drawn from bid. Reports
// are cleared and per-account trade counters restart.
func (s *Store) RebuildModules(key *secrets.Key, accounts []domain.Account, bid domain.Range) error {
	if len(accounts) == 0 {
		return fmt.Errorf("no accounts loaded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := newDocument()
	counters := make(map[string][2]int, len(accounts))
	for _, acc := range s.uniqueAccounts(accounts) {
		token, err := secrets.Encrypt(acc.PrivateKey, key)
		if err != nil {
			return fmt.Errorf("failed to encrypt key for %s: %w", acc.Address, err)
		}

		n := bid.Pick(s.rng)
		if n < 1 {
			n = 1
		}
		modules := make([]Module, n)
		for i := range modules {
			modules[i] = s.newModule()
		}

		doc.put(token, &record{
			Address: acc.Address,
			Label:   acc.Label,
			Proxy:   optional(acc.Proxy),
			Modules: modules,
		})
		counters[acc.Address] = [2]int{0, n}
	}

	if err := writeJSON(s.path(reportFile), map[string]any{}); err != nil {
		return fmt.Errorf("failed to clear reports: %w", err)
	}
	if err := s.writeModules(doc); err != nil {
		return err
	}
	if err := s.writeStats(&stats{ModulesDone: counters}); err != nil {
		return err
	}

	s.resetProgressLocked(doc)
	s.log.Info().
		Int("accounts", doc.len()).
		Int("modules", doc.moduleCount()).
		Msg("Created database")
	return nil
}

// RebuildGroups replaces the store with hedge groups. Every account is
// expanded into a random number of slots drawn from bid; groups of a random
// size drawn from pair are then pulled from the slot pool, never taking two
// slots of the same address into one group, until fewer distinct addresses
// remain than the smallest allowed group.
func (s *Store) RebuildGroups(key *secrets.Key, accounts []domain.Account, bid, pair domain.Range) error {
	minPair := max(2, pair.Min)
	accounts = s.uniqueAccounts(accounts)
	if len(accounts) < minPair {
		return fmt.Errorf("%w, need at least %d", ErrInsufficientAccounts, minPair)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var slots []walletRef
	for _, acc := range accounts {
		token, err := secrets.Encrypt(acc.PrivateKey, key)
		if err != nil {
			return fmt.Errorf("failed to encrypt key for %s: %w", acc.Address, err)
		}
		ref := walletRef{
			EncodedSecret: token,
			Address:       acc.Address,
			Proxy:         optional(acc.Proxy),
			Label:         acc.Label,
		}
		for n := bid.Pick(s.rng); n > 0; n-- {
			slots = append(slots, ref)
		}
	}

	var groups [][]walletRef
	for {
		size := max(2, pair.Pick(s.rng))
		distinct := distinctSlots(slots)
		if len(distinct) < minPair {
			break
		}
		if len(distinct) < size {
			size = minPair
		}

		group := make([]walletRef, 0, size)
		for range size {
			i := s.rng.IntN(len(distinct))
			picked := distinct[i]
			distinct = append(distinct[:i], distinct[i+1:]...)
			slots = removeSlot(slots, picked.Address)
			group = append(group, picked)
		}
		groups = append(groups, group)
	}

	stamp := strconv.FormatInt(s.now().Unix(), 10)
	doc := newDocument()
	for i, members := range groups {
		doc.put(fmt.Sprintf("%d_%s", i+1, stamp), &record{
			GroupNumber: i + 1,
			Modules:     []Module{s.newModule()},
			Wallets:     members,
		})
	}

	if err := writeJSON(s.path(reportFile), map[string]any{}); err != nil {
		return fmt.Errorf("failed to clear reports: %w", err)
	}
	if err := s.writeModules(doc); err != nil {
		return err
	}

	s.resetProgressLocked(doc)
	s.log.Info().Int("groups", doc.len()).Msg("Created database")
	return nil
}

// uniqueAccounts drops accounts whose address was already seen.
func (s *Store) uniqueAccounts(accounts []domain.Account) []domain.Account {
	seen := make(map[string]bool, len(accounts))
	out := make([]domain.Account, 0, len(accounts))
	for _, acc := range accounts {
		if seen[acc.Address] {
			s.log.Warn().Str("address", acc.Address).Msg("Skipping duplicate account")
			continue
		}
		seen[acc.Address] = true
		out = append(out, acc)
	}
	return out
}

func (s *Store) newModule() Module {
	return Module{ID: s.newID(), Name: DefaultModuleName, Status: domain.StatusToRun}
}

// distinctSlots returns one slot per address, in first-seen order.
func distinctSlots(slots []walletRef) []walletRef {
	seen := make(map[string]bool)
	var out []walletRef
	for _, slot := range slots {
		if !seen[slot.Address] {
			seen[slot.Address] = true
			out = append(out, slot)
		}
	}
	return out
}

// removeSlot drops the first slot belonging to address.
func removeSlot(slots []walletRef, address string) []walletRef {
	for i, slot := range slots {
		if slot.Address == address {
			return append(slots[:i], slots[i+1:]...)
		}
	}
	return slots
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
