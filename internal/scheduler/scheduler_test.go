package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/events"
	"github.com/aristath/hedgebot/internal/hedge"
	"github.com/aristath/hedgebot/internal/history"
	"github.com/aristath/hedgebot/internal/secrets"
	"github.com/aristath/hedgebot/internal/store"
)

// fakeExchange hands out sessions whose behaviour is driven by the test.
type fakeExchange struct {
	mu      sync.Mutex
	opened  []Credentials
	closed  int
	plans   []hedge.Plan
	running atomic.Int32
	peak    atomic.Int32

	run   func(creds Credentials, r Reporter) (domain.Status, error)
	hedge func(plan hedge.Plan, r Reporter) (domain.Status, error)
}

func (e *fakeExchange) OpenAccount(ctx context.Context, creds Credentials, reporter Reporter) (AccountSession, error) {
	e.mu.Lock()
	e.opened = append(e.opened, creds)
	e.mu.Unlock()
	return &fakeAccount{ex: e, creds: creds, reporter: reporter}, nil
}

func (e *fakeExchange) OpenGroup(ctx context.Context, creds []Credentials, reporter Reporter) (GroupSession, error) {
	e.mu.Lock()
	e.opened = append(e.opened, creds...)
	e.mu.Unlock()
	return &fakeGroup{ex: e, reporter: reporter}, nil
}

func (e *fakeExchange) close() {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
}

type fakeAccount struct {
	ex       *fakeExchange
	creds    Credentials
	reporter Reporter
}

func (a *fakeAccount) Login(ctx context.Context) error { return nil }

func (a *fakeAccount) Run(ctx context.Context, mode domain.Mode) (domain.Status, error) {
	n := a.ex.running.Add(1)
	defer a.ex.running.Add(-1)
	for {
		peak := a.ex.peak.Load()
		if n <= peak || a.ex.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if a.ex.run == nil {
		a.reporter.Report("bought «Yes»", store.ResultSuccess)
		return domain.StatusCompleted, nil
	}
	return a.ex.run(a.creds, a.reporter)
}

func (a *fakeAccount) Close() error {
	a.ex.close()
	return nil
}

type fakeGroup struct {
	ex       *fakeExchange
	reporter Reporter
}

func (g *fakeGroup) Login(ctx context.Context) error { return nil }

func (g *fakeGroup) Quote(ctx context.Context) (Quote, error) {
	return Quote{
		MarketID:      "m-1",
		Name:          "Will it rain?",
		Probabilities: [2]float64{0.6, 0.4},
		Stakes:        domain.FloatRange{Min: 5, Max: 50},
	}, nil
}

func (g *fakeGroup) Hedge(ctx context.Context, quote Quote, plan hedge.Plan) (domain.Status, error) {
	g.ex.mu.Lock()
	g.ex.plans = append(g.ex.plans, plan)
	g.ex.mu.Unlock()
	if g.ex.hedge == nil {
		g.reporter.Report("closed positions", store.ResultSuccess)
		return domain.StatusTrue, nil
	}
	return g.ex.hedge(plan, g.reporter)
}

func (g *fakeGroup) Close() error {
	g.ex.close()
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Send(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []history.Run
}

func (r *fakeRecorder) Record(ctx context.Context, run history.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

type fakeEmitter struct {
	mu    sync.Mutex
	types []events.EventType
}

func (e *fakeEmitter) Emit(eventType events.EventType, module string, data events.EventData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
}

type harness struct {
	sched    *Scheduler
	store    *store.Store
	exchange *fakeExchange
	notifier *fakeNotifier
	recorder *fakeRecorder
	emitter  *fakeEmitter
	key      *secrets.Key

	sleepMu sync.Mutex
	sleeps  []time.Duration
}

func newHarness(t *testing.T, threads int) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{Rand: rand.New(rand.NewPCG(3, 4))}, zerolog.Nop())
	require.NoError(t, err)

	h := &harness{
		store:    st,
		exchange: &fakeExchange{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		emitter:  &fakeEmitter{},
		key:      secrets.Derive("hunter2"),
	}
	h.sched = New(Dependencies{
		Store:    st,
		Exchange: h.exchange,
		Planner:  hedge.NewBalancer(rand.New(rand.NewPCG(5, 6))),
		Notifier: h.notifier,
		Recorder: h.recorder,
		Events:   h.emitter,
	}, Config{
		Threads:             threads,
		SleepBetweenThreads: domain.Range{Min: 1, Max: 1},
		SleepAfterAccount:   domain.Range{Min: 2, Max: 2},
	}, zerolog.Nop())
	h.sched.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleepMu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.sleepMu.Unlock()
		return ctx.Err()
	}
	return h
}

func accounts(n int) []domain.Account {
	out := make([]domain.Account, n)
	for i := range out {
		out[i] = domain.Account{
			Label:      fmt.Sprintf("acc-%d", i+1),
			PrivateKey: fmt.Sprintf("pk-%d", i+1),
			Address:    fmt.Sprintf("0x%040d", i+1),
		}
	}
	return out
}

func (h *harness) sleepCount(d time.Duration) int {
	h.sleepMu.Lock()
	defer h.sleepMu.Unlock()
	n := 0
	for _, s := range h.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

func TestRun_AccountsSucceed(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(2), domain.Range{Min: 1, Max: 1}))

	result, err := h.sched.Run(context.Background(), domain.ModeSingle, h.key)
	require.NoError(t, err)
	assert.Equal(t, ResultEnded, result)

	pending, err := h.store.ListPendingModules(false)
	require.NoError(t, err)
	assert.Empty(t, pending)

	keys := make([]string, 0, len(h.exchange.opened))
	for _, c := range h.exchange.opened {
		keys = append(keys, c.PrivateKey)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"pk-1", "pk-2"}, keys)
	assert.Equal(t, 2, h.exchange.closed)

	require.Len(t, h.notifier.texts, 2)
	for _, text := range h.notifier.texts {
		assert.Contains(t, text, "✅ bought «Yes»")
		assert.Contains(t, text, "Success rate 1/1")
	}

	require.Len(t, h.recorder.runs, 2)
	for _, run := range h.recorder.runs {
		assert.True(t, run.Succeeded())
		assert.Equal(t, history.KindAccount, run.Kind)
		assert.NotEmpty(t, run.ID)
	}

	assert.Equal(t, events.RunStarted, h.emitter.types[0])
	assert.Equal(t, events.RunFinished, h.emitter.types[len(h.emitter.types)-1])
	assert.Equal(t, 2, h.sleepCount(2*time.Second), "one cooldown per job")
}

func TestRun_EmptyStoreEnds(t *testing.T) {
	h := newHarness(t, 2)

	result, err := h.sched.Run(context.Background(), domain.ModeSingle, h.key)
	require.NoError(t, err)
	assert.Equal(t, ResultEnded, result)
	assert.Empty(t, h.exchange.opened)
	assert.Empty(t, h.notifier.texts)
}

func TestRun_SoftFailureMarksFailed(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(1), domain.Range{Min: 1, Max: 1}))
	h.exchange.run = func(Credentials, Reporter) (domain.Status, error) {
		return domain.StatusToRun, errors.New("no events found")
	}

	result, err := h.sched.Run(context.Background(), domain.ModeSingle, h.key)
	require.NoError(t, err)
	assert.Equal(t, ResultEnded, result)

	require.Len(t, h.notifier.texts, 1)
	assert.Contains(t, h.notifier.texts[0], "❌ no events found")
	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, domain.StatusFailed, h.recorder.runs[0].Status)
	assert.Equal(t, "no events found", h.recorder.runs[0].Error)

	pending, err := h.store.ListPendingModules(false)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed modules wait for the next load")

	require.NoError(t, h.store.Reload())
	pending, err = h.store.ListPendingModules(false)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRun_NonTerminalStatusIsFailure(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(1), domain.Range{Min: 1, Max: 1}))
	h.exchange.run = func(Credentials, Reporter) (domain.Status, error) {
		return "", nil
	}

	_, err := h.sched.Run(context.Background(), domain.ModeSellAll, h.key)
	require.NoError(t, err)
	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, domain.StatusFailed, h.recorder.runs[0].Status)
	assert.Contains(t, h.notifier.texts[0], "No actions")
}

func TestRun_FatalAbortsWithoutTransition(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(1), domain.Range{Min: 1, Max: 1}))
	h.exchange.run = func(Credentials, Reporter) (domain.Status, error) {
		return "", fmt.Errorf("broken: %w", store.ErrFatal)
	}

	result, err := h.sched.Run(context.Background(), domain.ModeSingle, h.key)
	assert.ErrorIs(t, err, store.ErrFatal)
	assert.Equal(t, ResultAborted, result)
	assert.Empty(t, h.notifier.texts)
	assert.Empty(t, h.recorder.runs)
	assert.Equal(t, 1, h.exchange.closed, "session is still released")

	pending, err := h.store.ListPendingModules(false)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "job state untouched")
}

func TestRun_WrongKeyIsFatal(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(1), domain.Range{Min: 1, Max: 1}))

	result, err := h.sched.Run(context.Background(), domain.ModeSingle, secrets.Derive("wrong"))
	assert.ErrorIs(t, err, store.ErrFatal)
	assert.Equal(t, ResultAborted, result)
	assert.Empty(t, h.exchange.opened)
}

func TestRun_ModeStoreMismatchIsFatal(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(2), domain.Range{Min: 1, Max: 1}))

	_, err := h.sched.Run(context.Background(), domain.ModePairs, h.key)
	assert.ErrorIs(t, err, store.ErrFatal)
}

func TestRun_RejectsRebuildModes(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.sched.Run(context.Background(), domain.ModeRebuildSingle, h.key)
	assert.Error(t, err)
}

func TestRun_ConcurrencyCap(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(8), domain.Range{Min: 1, Max: 1}))
	h.exchange.run = func(Credentials, Reporter) (domain.Status, error) {
		time.Sleep(5 * time.Millisecond)
		return domain.StatusCompleted, nil
	}

	_, err := h.sched.Run(context.Background(), domain.ModeParse, h.key)
	require.NoError(t, err)

	assert.LessOrEqual(t, h.exchange.peak.Load(), int32(2))
	assert.Len(t, h.notifier.texts, 8)
	assert.Equal(t, 1, h.sleepCount(time.Second), "only the second starter is staggered")
}

func TestRun_PerModuleTradeCounter(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(1), domain.Range{Min: 3, Max: 3}))

	_, err := h.sched.Run(context.Background(), domain.ModeSingle, h.key)
	require.NoError(t, err)

	require.Len(t, h.notifier.texts, 3)
	assert.Contains(t, h.notifier.texts[0], "[Trade 1/3]")
	assert.Contains(t, h.notifier.texts[2], "[Trade 3/3]")
	assert.True(t, strings.HasPrefix(h.notifier.texts[2], "[1/1] "), "last module carries account progress")
}

func TestRun_UniqueWalletsRunsAccountOnce(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(2), domain.Range{Min: 3, Max: 3}))

	_, err := h.sched.Run(context.Background(), domain.ModeParse, h.key)
	require.NoError(t, err)
	assert.Len(t, h.exchange.opened, 2)

	kind, err := h.store.Kind()
	require.NoError(t, err)
	assert.Equal(t, store.KindEmpty, kind)
}

func TestRun_GroupsHedge(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.store.RebuildGroups(h.key, accounts(4), domain.Range{Min: 1, Max: 1}, domain.Range{Min: 2, Max: 2}))

	result, err := h.sched.Run(context.Background(), domain.ModePairs, h.key)
	require.NoError(t, err)
	assert.Equal(t, ResultEnded, result)

	require.Len(t, h.exchange.plans, 2)
	for _, plan := range h.exchange.plans {
		assert.Len(t, plan.Assignments, 2)
		for _, a := range plan.Assignments {
			assert.GreaterOrEqual(t, a.Stake, 5.0)
			assert.LessOrEqual(t, a.Stake, 50.0)
		}
	}

	groups, err := h.store.ListPendingGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)

	require.Len(t, h.notifier.texts, 2)
	for _, text := range h.notifier.texts {
		assert.Contains(t, text, "<b>Group ")
		assert.Contains(t, text, "✅ closed positions")
	}
	for _, run := range h.recorder.runs {
		assert.Equal(t, history.KindGroup, run.Kind)
		assert.Len(t, run.Addresses, 2)
	}
	assert.Equal(t, 2, h.sleepCount(2*time.Second))
}

func TestRun_GroupFailureUsesFixedCooldown(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildGroups(h.key, accounts(2), domain.Range{Min: 1, Max: 1}, domain.Range{Min: 2, Max: 2}))
	h.exchange.hedge = func(hedge.Plan, Reporter) (domain.Status, error) {
		return domain.StatusToRun, errors.New(`failed to open "Yes" positions`)
	}

	_, err := h.sched.Run(context.Background(), domain.ModePairs, h.key)
	require.NoError(t, err)

	assert.Equal(t, 1, h.sleepCount(GroupFailureCooldown))
	assert.Zero(t, h.sleepCount(2*time.Second))
	require.Len(t, h.notifier.texts, 1)
	assert.Contains(t, h.notifier.texts[0], `❌ failed to open "Yes" positions`)

	// not resubmitted within the run, only by the next load pass
	groups, err := h.store.ListPendingGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)

	require.NoError(t, h.store.Reload())
	groups, err = h.store.ListPendingGroups()
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestRun_CancelledContextStops(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.store.RebuildModules(h.key, accounts(3), domain.Range{Min: 1, Max: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.sched.Run(ctx, domain.ModeSingle, h.key)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ResultAborted, result)
}

func TestStagger(t *testing.T) {
	var slept []time.Duration
	s := newStagger(3, func() time.Duration { return 5 * time.Second }, func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}, zerolog.Nop())

	for i := range 5 {
		require.NoError(t, s.wait(context.Background(), fmt.Sprintf("acc-%d", i)))
	}

	assert.Equal(t, []time.Duration{0, 5 * time.Second, 5 * time.Second}, s.delays())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, slept)
}
