// Package store persists the job queue: account and group records with their
// modules, per-job report text and per-account trade counters.
//
// Everything lives in three JSON documents under one directory. Every
// mutation takes the store mutex, reads the whole document, changes it in
// memory and atomically replaces the file before releasing the mutex.
package store

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/hedgebot/internal/domain"
)

const (
	modulesFile = "modules.json"
	reportFile  = "report.json"
	statsFile   = "stats.json"

	// DefaultModuleName is the module every rebuilt record queues.
	DefaultModuleName = "opinion"
)

// Kind describes what the store currently holds.
type Kind int

const (
	KindEmpty Kind = iota
	KindAccounts
	KindGroups
)

func (k Kind) String() string {
	switch k {
	case KindAccounts:
		return "accounts"
	case KindGroups:
		return "groups"
	default:
		return "empty"
	}
}

// Progress counts finished work since the store was last loaded.
type Progress struct {
	AccountsTotal int `json:"accounts_total"`
	AccountsDone  int `json:"accounts_done"`
	ModulesTotal  int `json:"modules_total"`
	ModulesDone   int `json:"modules_done"`
}

// Options tune a Store.
type Options struct {
	// Shuffle randomises the order of ListPendingModules.
	Shuffle bool
	// Rand drives shuffles and rebuilds. A random source is used when nil.
	Rand *rand.Rand
	// OnProgress is called with the new counters after every change. It runs
	// with the store locked and must not call back into the Store.
	OnProgress func(Progress)
}

// Store is the persistent job queue.
type Store struct {
	dir        string
	shuffle    bool
	onProgress func(Progress)
	now        func() time.Time
	newID      func() string
	log        zerolog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	progress Progress
}

// Open prepares dir, creating empty documents as needed, and runs a load pass.
func Open(dir string, opts Options, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	rng := opts.Rand
	if rng == nil {
		rng = domain.NewRand()
	}

	s := &Store{
		dir:        dir,
		shuffle:    opts.Shuffle,
		onProgress: opts.OnProgress,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		log:        log.With().Str("component", "store").Logger(),
		rng:        rng,
	}

	for _, name := range []string{modulesFile, reportFile, statsFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeJSON(path, map[string]any{}); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", name, err)
			}
		}
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory holding the store documents.
func (s *Store) Dir() string {
	return s.dir
}

// Reload runs a load pass: modules left failed or cloudflare by an earlier
// run go back to to_run, modules missing an id get one, and the progress
// counters restart from the current contents.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readModules()
	if err != nil {
		return err
	}

	reset := 0
	for _, key := range doc.keys {
		rec := doc.get(key)
		for i := range rec.Modules {
			m := &rec.Modules[i]
			if m.Status.Retryable() {
				m.Status = domain.StatusToRun
				reset++
			}
			if m.ID == "" {
				m.ID = s.newID()
			}
		}
	}

	if err := s.writeModules(doc); err != nil {
		return err
	}
	s.resetProgressLocked(doc)

	ev := s.log.Info().Int("modules", doc.moduleCount()).Int("retried", reset)
	if doc.kind() == KindGroups {
		ev.Int("groups", doc.len()).Msg("Loaded groups")
	} else {
		ev.Int("accounts", doc.len()).Msg("Loaded modules")
	}
	return nil
}

// Kind reports whether the store holds accounts, groups or nothing.
func (s *Store) Kind() (Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readModules()
	if err != nil {
		return KindEmpty, err
	}
	return doc.kind(), nil
}

// SampleSecret returns one stored encrypted secret for key detection.
// ok is false when the store is empty.
func (s *Store) SampleSecret() (token string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readModules()
	if err != nil {
		return "", false, err
	}
	key, rec := doc.first()
	if rec == nil {
		return "", false, nil
	}
	if rec.isGroup() {
		if len(rec.Wallets) == 0 {
			return "", false, fmt.Errorf("%w: group %s has no wallets", ErrFatal, key)
		}
		return rec.Wallets[0].EncodedSecret, true, nil
	}
	return key, true, nil
}

// Progress returns a snapshot of the counters.
func (s *Store) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Store) resetProgressLocked(doc *document) {
	s.progress = Progress{
		AccountsTotal: doc.len(),
		ModulesTotal:  doc.moduleCount(),
	}
	s.notifyProgressLocked()
}

func (s *Store) notifyProgressLocked() {
	if s.onProgress != nil {
		s.onProgress(s.progress)
	}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) readModules() (*document, error) {
	doc := newDocument()
	if err := readJSON(s.path(modulesFile), doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return doc, nil
}

func (s *Store) writeModules(doc *document) error {
	if err := writeJSON(s.path(modulesFile), doc); err != nil {
		return fmt.Errorf("failed to write %s: %w", modulesFile, err)
	}
	return nil
}
