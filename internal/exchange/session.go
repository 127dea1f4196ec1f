package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/hedge"
	"github.com/aristath/hedgebot/internal/scheduler"
	"github.com/aristath/hedgebot/internal/store"
	"github.com/aristath/hedgebot/internal/trading"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DryRun opens sessions against a Simulator.
type DryRun struct {
	sim      *Simulator
	settings Settings
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDryRun creates the dry-run exchange.
func NewDryRun(sim *Simulator, settings Settings, log zerolog.Logger) *DryRun {
	return &DryRun{
		sim:      sim,
		settings: settings,
		log:      log.With().Str("component", "dry_run").Logger(),
		sleep:    sleepContext,
	}
}

// OpenAccount implements scheduler.Exchange.
func (d *DryRun) OpenAccount(ctx context.Context, creds scheduler.Credentials, reporter scheduler.Reporter) (scheduler.AccountSession, error) {
	t, err := newTrader(d.sim, creds, reporter, d.settings, false, d.log)
	if err != nil {
		return nil, err
	}
	t.sleep = d.sleep
	return &accountSession{trader: t}, nil
}

// OpenGroup implements scheduler.Exchange.
func (d *DryRun) OpenGroup(ctx context.Context, creds []scheduler.Credentials, reporter scheduler.Reporter) (scheduler.GroupSession, error) {
	if len(creds) < 2 {
		return nil, fmt.Errorf("a group needs at least 2 accounts, got %d", len(creds))
	}
	g := &groupSession{
		sim:      d.sim,
		settings: d.settings,
		reporter: reporter,
		traders:  make(map[string]*trader, len(creds)),
		rng:      domain.NewRand(),
		sleep:    d.sleep,
		log:      d.log,
	}
	for _, c := range creds {
		t, err := newTrader(d.sim, c, reporter, d.settings, true, d.log)
		if err != nil {
			return nil, err
		}
		t.sleep = d.sleep
		g.order = append(g.order, t)
		g.traders[t.id] = t
	}
	return g, nil
}

type accountSession struct {
	trader *trader
}

func (s *accountSession) Login(ctx context.Context) error {
	return s.trader.login(ctx)
}

func (s *accountSession) Run(ctx context.Context, mode domain.Mode) (domain.Status, error) {
	switch mode {
	case domain.ModeSingle:
		return s.trader.buySell(ctx)
	case domain.ModeSellAll:
		return s.trader.sellAll(ctx, false)
	case domain.ModeParse:
		return s.trader.parse(ctx)
	case domain.ModeLimitHold:
		return s.trader.limitHolding(ctx)
	default:
		return domain.StatusFailed, fmt.Errorf("mode %d is not an account mode", mode)
	}
}

func (s *accountSession) Close() error {
	s.trader.log.Debug().Msg("Session closed")
	return nil
}

// groupSession opens and closes a hedge across its members.
type groupSession struct {
	sim      *Simulator
	settings Settings
	reporter scheduler.Reporter
	order    []*trader
	traders  map[string]*trader
	rngMu    sync.Mutex
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
	log      zerolog.Logger
}

func (g *groupSession) Login(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range g.order {
		eg.Go(func() error { return t.login(ctx) })
	}
	return eg.Wait()
}

// Quote picks a market and the stake range every member can afford.
func (g *groupSession) Quote(ctx context.Context) (scheduler.Quote, error) {
	mkt, err := g.sim.RandomMarket()
	if err != nil {
		return scheduler.Quote{}, err
	}
	stakes, err := g.bidAmounts()
	if err != nil {
		return scheduler.Quote{}, err
	}
	return scheduler.Quote{
		MarketID:      mkt.ID,
		Name:          mkt.Name,
		Probabilities: mkt.Probabilities,
		Stakes:        stakes,
	}, nil
}

func (g *groupSession) bidAmounts() (domain.FloatRange, error) {
	amounts := g.settings.Stake
	minBalance := math.Inf(1)
	var short []string
	for _, t := range g.order {
		b := g.sim.Balance(t.address())
		minBalance = math.Min(minBalance, b)
		if b < amounts.Min {
			short = append(short, fmt.Sprintf("%s: %.2f$", t.label, b))
		}
	}
	if len(short) > 0 {
		return domain.FloatRange{}, fmt.Errorf("not enough balance: need %.2f, have %v", amounts.Min, short)
	}
	if amounts.Max > minBalance {
		amounts.Max = minBalance
	}
	if amounts.Max < MinBid {
		return domain.FloatRange{}, fmt.Errorf("minimal bid is %.0f$ but you have less", MinBid)
	}
	if amounts.Min < MinBid {
		amounts.Min = MinBid
	}
	return amounts, nil
}

// Hedge opens the planned positions, holds them, and closes them.
// A failure on either leg closes everything and marks the group failed.
func (g *groupSession) Hedge(ctx context.Context, quote scheduler.Quote, plan hedge.Plan) (domain.Status, error) {
	mkt, err := g.sim.Market(quote.MarketID)
	if err != nil {
		return domain.StatusFailed, err
	}

	opened, err := g.open(ctx, mkt, plan)
	if err != nil {
		g.log.Error().Err(err).Str("market", mkt.Name).Msg("Failed to open positions, closing all")
		g.reporter.Report(fmt.Sprintf("failed to open %q positions", mkt.Name), store.ResultFailure)
		g.closeAll(ctx)
		return domain.StatusFailed, nil
	}

	hold := g.pickSeconds(g.settings.PositionHold)
	g.log.Info().Dur("hold", hold).Msg("Holding positions before close")
	if err := g.sleep(ctx, hold); err != nil {
		return domain.StatusFailed, err
	}

	if mkt, err = g.sim.Market(quote.MarketID); err != nil {
		return domain.StatusFailed, err
	}
	closed, err := g.close(ctx, mkt, plan, opened)
	if err != nil {
		g.log.Error().Err(err).Str("market", mkt.Name).Msg("Failed to close positions, closing all")
		g.reporter.Report(fmt.Sprintf("failed to close %q positions", mkt.Name), store.ResultFailure)
		g.closeAll(ctx)
		return domain.StatusFailed, nil
	}

	var profit, volume float64
	for _, legs := range []map[string]execution{opened, closed} {
		for _, e := range legs {
			volume += e.usd
			if e.side == domain.SideBuy {
				profit -= e.usd
			} else {
				profit += e.usd
			}
		}
	}
	g.log.Info().Float64("profit", profit).Float64("volume", volume).Msg("Group closed")
	g.reporter.Report(fmt.Sprintf("\n💰 <b>profit %.3f$</b>\n💵 <b>volume %.1f$</b>", profit, volume), store.ResultNone)
	return domain.StatusTrue, nil
}

// open places the opening orders. With a limit opening the largest stake
// goes first as a limit order and the rest follow at market.
func (g *groupSession) open(ctx context.Context, mkt MarketInfo, plan hedge.Plan) (map[string]execution, error) {
	results := make(map[string]execution, len(plan.Assignments))
	var mu sync.Mutex

	typ := g.pickType(g.settings.OpenTypes)
	var lead string
	if typ == trading.OrderLimit {
		lead = plan.Largest()
		a := plan.Assignments[lead]
		e, err := g.trader(lead).buy(ctx, mkt, a.Outcome, trading.OrderLimit, a.Stake, false)
		if err != nil {
			return nil, err
		}
		results[lead] = e
	}

	var rest []*trader
	for _, t := range g.order {
		if _, ok := plan.Assignments[t.id]; ok && t.id != lead {
			rest = append(rest, t)
		}
	}

	err := g.staggered(ctx, rest, g.settings.SleepBetweenOpenOrders, func(ctx context.Context, t *trader) error {
		a := plan.Assignments[t.id]
		e, err := t.buy(ctx, mkt, a.Outcome, trading.OrderMarket, a.Stake, false)
		if err != nil {
			return err
		}
		mu.Lock()
		results[t.id] = e
		mu.Unlock()
		return nil
	})
	return results, err
}

// close sells every opened position, the largest first when closing by limit.
func (g *groupSession) close(ctx context.Context, mkt MarketInfo, plan hedge.Plan, opened map[string]execution) (map[string]execution, error) {
	results := make(map[string]execution, len(opened))
	var mu sync.Mutex

	typ := g.pickType(g.settings.CloseTypes)
	var lead string
	if typ == trading.OrderLimit {
		lead = plan.Largest()
		e, err := g.trader(lead).sell(ctx, mkt, plan.Assignments[lead].Outcome, trading.OrderLimit, opened[lead].shares, false)
		if err != nil {
			return nil, err
		}
		results[lead] = e
	}

	var rest []*trader
	for _, t := range g.order {
		if _, ok := opened[t.id]; ok && t.id != lead {
			rest = append(rest, t)
		}
	}
	g.rngMu.Lock()
	g.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	g.rngMu.Unlock()

	err := g.staggered(ctx, rest, g.settings.SleepBetweenCloseOrders, func(ctx context.Context, t *trader) error {
		e, err := t.sell(ctx, mkt, plan.Assignments[t.id].Outcome, trading.OrderMarket, opened[t.id].shares, false)
		if err != nil {
			return err
		}
		mu.Lock()
		results[t.id] = e
		mu.Unlock()
		return nil
	})
	return results, err
}

// staggered runs fn for every trader concurrently, each starting a random
// delay after the previous one.
func (g *groupSession) staggered(ctx context.Context, traders []*trader, gap domain.Range, fn func(context.Context, *trader) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	var offset time.Duration
	for i, t := range traders {
		if i > 0 {
			offset += g.pickSeconds(gap)
		}
		delay := offset
		eg.Go(func() error {
			if delay > 0 {
				t.log.Debug().Dur("delay", delay).Msg("Sleeping before order")
				if err := g.sleep(ctx, delay); err != nil {
					return err
				}
			}
			return fn(ctx, t)
		})
	}
	return eg.Wait()
}

// closeAll sells whatever the members still hold, in random order.
func (g *groupSession) closeAll(ctx context.Context) {
	members := append([]*trader(nil), g.order...)
	g.rngMu.Lock()
	g.rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
	g.rngMu.Unlock()

	for _, t := range members {
		if _, err := t.sellAll(ctx, true); err != nil {
			t.log.Warn().Err(err).Msg("Failed to close positions")
		}
	}
}

func (g *groupSession) trader(address string) *trader {
	return g.traders[address]
}

func (g *groupSession) pickType(types []trading.OrderType) trading.OrderType {
	if len(types) == 0 {
		return trading.OrderMarket
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return types[g.rng.IntN(len(types))]
}

func (g *groupSession) pickSeconds(r domain.Range) time.Duration {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return r.Seconds(g.rng)
}

func (g *groupSession) Close() error {
	g.log.Debug().Int("members", len(g.order)).Msg("Group sessions closed")
	return nil
}
