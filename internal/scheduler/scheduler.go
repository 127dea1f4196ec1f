// Package scheduler runs the pending jobs of the store against an exchange with
// bounded concurrency and per-address mutual exclusion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/events"
	"github.com/aristath/hedgebot/internal/locks"
	"github.com/aristath/hedgebot/internal/secrets"
	"github.com/aristath/hedgebot/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// GroupFailureCooldown is the pause after a failed group, in place of the
// regular randomized cooldown.
const GroupFailureCooldown = 10 * time.Second

// Result is what a run hands back to the menu loop.
type Result string

const (
	// ResultEnded means nothing is pending anymore.
	ResultEnded Result = "Ended"
	// ResultAborted means the run stopped on a fatal error or cancellation.
	ResultAborted Result = "Aborted"
)

// Config controls pacing.
type Config struct {
	Threads             int
	SleepBetweenThreads domain.Range // seconds
	SleepAfterAccount   domain.Range // seconds
}

// Dependencies are the collaborators of a scheduler. Notifier, Recorder and
// Events are optional.
type Dependencies struct {
	Store    *store.Store
	Exchange Exchange
	Planner  Planner
	Locks    *locks.Registry
	Notifier Notifier
	Recorder Recorder
	Events   EventEmitter
}

// Scheduler executes runs. A single scheduler may execute runs one after another.
type Scheduler struct {
	store    *store.Store
	exchange Exchange
	planner  Planner
	locks    *locks.Registry
	notifier Notifier
	recorder Recorder
	events   EventEmitter
	cfg      Config
	log      zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler.
func New(deps Dependencies, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if deps.Locks == nil {
		deps.Locks = locks.NewRegistry()
	}
	return &Scheduler{
		store:    deps.Store,
		exchange: deps.Exchange,
		planner:  deps.Planner,
		locks:    deps.Locks,
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		events:   deps.Events,
		cfg:      cfg,
		log:      log.With().Str("component", "scheduler").Logger(),
		rng:      domain.NewRand(),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// run is the state shared by the workers of one Run call.
type run struct {
	id      string
	mode    domain.Mode
	key     *secrets.Key
	sem     *semaphore.Weighted
	stagger *stagger
}

// Run launches one worker per pending job and waits for all of them.
// A fatal store error cancels the remaining workers and is returned with
// ResultAborted; soft job failures are recorded and do not stop the run.
func (s *Scheduler) Run(ctx context.Context, mode domain.Mode, key *secrets.Key) (Result, error) {
	if mode.IsRebuild() || mode == domain.ModeRebuildMenu {
		return ResultAborted, fmt.Errorf("mode %d is not runnable", mode)
	}
	if key == nil {
		return ResultAborted, fmt.Errorf("no secret key for run")
	}

	r := &run{
		id:   uuid.New().String(),
		mode: mode,
		key:  key,
		sem:  semaphore.NewWeighted(int64(s.cfg.Threads)),
	}
	r.stagger = newStagger(s.cfg.Threads, func() time.Duration {
		return s.pickSeconds(s.cfg.SleepBetweenThreads)
	}, s.sleep, s.log)

	log := s.log.With().Str("run_id", r.id).Str("mode", mode.String()).Logger()

	g, gctx := errgroup.WithContext(ctx)
	var pending int

	if mode == domain.ModePairs {
		jobs, err := s.store.ListPendingGroups()
		if err != nil {
			return ResultAborted, err
		}
		pending = len(jobs)
		s.emitRun(r, pending, "started", nil)
		for _, job := range jobs {
			g.Go(func() error { return s.groupWorker(gctx, r, job) })
		}
	} else {
		jobs, err := s.store.ListPendingModules(mode.UniqueWalletsOnly())
		if err != nil {
			return ResultAborted, err
		}
		pending = len(jobs)
		s.emitRun(r, pending, "started", nil)
		for _, job := range jobs {
			g.Go(func() error { return s.accountWorker(gctx, r, job) })
		}
	}

	log.Info().Int("pending", pending).Msg("Run started")

	if err := g.Wait(); err != nil {
		s.emitRun(r, pending, "aborted", err)
		if errors.Is(err, store.ErrFatal) {
			log.Error().Err(err).Msg("Run aborted")
		}
		return ResultAborted, err
	}

	s.emitRun(r, pending, "finished", nil)
	log.Info().Msg("All accounts done")
	return ResultEnded, nil
}

// cooldown sleeps the regular post-job pause.
func (s *Scheduler) cooldown(ctx context.Context, label string) {
	d := s.pickSeconds(s.cfg.SleepAfterAccount)
	s.pause(ctx, label, d)
}

func (s *Scheduler) pause(ctx context.Context, label string, d time.Duration) {
	if d <= 0 {
		return
	}
	s.log.Debug().Str("label", label).Dur("sleep", d).Msg("Cooling down")
	_ = s.sleep(ctx, d)
}

func (s *Scheduler) pickSeconds(r domain.Range) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return r.Seconds(s.rng)
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.notifier == nil || text == "" {
		return
	}
	s.notifier.Send(ctx, text)
}

func (s *Scheduler) emitRun(r *run, pending int, status string, err error) {
	if s.events == nil {
		return
	}
	data := &events.RunStatusData{RunID: r.id, Mode: r.mode.String(), Pending: pending, Status: status}
	if err != nil {
		data.Error = err.Error()
	}
	s.events.Emit(data.EventType(), "scheduler", data)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
