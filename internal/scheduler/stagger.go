package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// stagger spreads the opening burst of a run. The first worker starts at
// once; each following worker, until the concurrency cap is reached, sleeps a
// fresh random delay while holding the stagger lock so starts are serialized.
type stagger struct {
	mu      sync.Mutex
	history []time.Duration
	limit   int
	draw    func() time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	log     zerolog.Logger
}

func newStagger(limit int, draw func() time.Duration, sleep func(ctx context.Context, d time.Duration) error, log zerolog.Logger) *stagger {
	return &stagger{limit: limit, draw: draw, sleep: sleep, log: log}
}

func (s *stagger) wait(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) >= s.limit {
		return nil
	}

	delay := time.Duration(0)
	if len(s.history) > 0 {
		delay = s.draw()
	}
	s.history = append(s.history, delay)
	if delay == 0 {
		return nil
	}

	s.log.Debug().Str("label", label).Dur("delay", delay).Msg("Sleeping before start")
	return s.sleep(ctx, delay)
}

func (s *stagger) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.history...)
}
