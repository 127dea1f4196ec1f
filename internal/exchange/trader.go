package exchange

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/scheduler"
	"github.com/aristath/hedgebot/internal/store"
	"github.com/aristath/hedgebot/internal/trading"
	"github.com/aristath/hedgebot/internal/wallet"
	"github.com/rs/zerolog"
)

// MinBid is the smallest stake the venue accepts, in USD.
const MinBid = 5.0

// Settings shape how sessions trade.
type Settings struct {
	Stake      domain.FloatRange // USD per opening order
	OpenTypes  []trading.OrderType
	CloseTypes []trading.OrderType
	Limits     trading.Settings

	HoldSide   domain.Side // side of the limit-holding order
	MinSellUSD float64     // positions worth less are left alone

	SleepBetweenOrders      domain.Range // seconds between opening and closing in single mode
	SleepBetweenOpenOrders  domain.Range // seconds between group members opening
	SleepBetweenCloseOrders domain.Range // seconds between group members closing
	PositionHold            domain.Range // seconds a group holds its hedge
}

// execution is a filled order in USD terms.
type execution struct {
	side   domain.Side
	price  float64
	shares float64
	usd    float64
}

// trader is one logged-in account. It is used from one goroutine at a time.
type trader struct {
	sim      *Simulator
	wallet   *wallet.Wallet
	id       string // address the job was scheduled under
	label    string
	prefix   string
	proxy    string
	settings Settings
	reporter scheduler.Reporter
	fill     *trading.FillLoop
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
	log      zerolog.Logger
}

func newTrader(sim *Simulator, creds scheduler.Credentials, reporter scheduler.Reporter, settings Settings, prefix bool, log zerolog.Logger) (*trader, error) {
	w, err := wallet.FromHex(creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key for %s: %w", creds.Label, err)
	}
	if creds.Address != "" && !wallet.SameAddress(w.Address(), creds.Address) {
		return nil, fmt.Errorf("private key of %s does not match address %s", creds.Label, creds.Address)
	}

	t := &trader{
		sim:      sim,
		wallet:   w,
		id:       creds.Address,
		label:    creds.Label,
		proxy:    creds.Proxy,
		settings: settings,
		reporter: reporter,
		rng:      domain.NewRand(),
		sleep:    sleepContext,
		log:      log.With().Str("label", creds.Label).Str("address", w.Address()).Logger(),
	}
	if t.id == "" {
		t.id = w.Address()
	}
	if prefix {
		t.prefix = creds.Label + " | "
	}
	t.fill = trading.NewFillLoop(sim.Venue(w.Address()), settings.Limits, t.rng, t.log)

	if t.proxy != "" {
		t.log.Debug().Str("proxy", t.proxy).Msg("Got proxy")
	} else {
		t.log.Debug().Msg("Not using a proxy")
	}
	return t, nil
}

func (t *trader) address() string {
	return t.wallet.Address()
}

// login signs the venue's sign-in message.
func (t *trader) login(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := signInMessage(t.address(), t.rng.Uint64N(0xffffffffffff-65535)+65535, time.Now().UTC())
	sig, err := t.wallet.SignMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to sign login message: %w", err)
	}
	if err := t.sim.VerifyLogin(t.address(), msg, sig); err != nil {
		return fmt.Errorf("user %s login rejected: %w", t.label, err)
	}
	t.log.Debug().Msg("Logged in")
	return nil
}

func signInMessage(address string, nonce uint64, now time.Time) []byte {
	return []byte(fmt.Sprintf(`hedgebot wants you to sign in with your Ethereum account:
%s

URI: https://dry-run.hedgebot.local
Version: 1
Chain ID: 56
Nonce: %d
Issued At: %s`, address, nonce, now.Format("2006-01-02T15:04:05.000Z")))
}

// orderAmount draws a stake within the configured range, capped by balance.
func (t *trader) orderAmount() (float64, error) {
	balance := t.sim.Balance(t.address())
	amounts := t.settings.Stake
	if amounts.Min > balance {
		return 0, fmt.Errorf("not enough balance: need %.2f have %.2f", amounts.Min, balance)
	}
	if amounts.Max > balance {
		amounts.Max = balance
	}
	return trading.Truncate(amounts.Min+t.rng.Float64()*(amounts.Max-amounts.Min), 2), nil
}

func (t *trader) pickType(types []trading.OrderType) trading.OrderType {
	if len(types) == 0 {
		return trading.OrderMarket
	}
	return types[t.rng.IntN(len(types))]
}

// buy spends usd on one outcome.
func (t *trader) buy(ctx context.Context, mkt MarketInfo, outcome domain.Outcome, typ trading.OrderType, usd float64, holding bool) (execution, error) {
	order := trading.Order{
		MarketID: mkt.ID,
		Outcome:  outcome,
		Side:     domain.SideBuy,
		Type:     typ,
		Amount:   usd,
		Holding:  holding,
	}
	fill, err := t.execute(ctx, mkt, order, usd)
	if err != nil {
		return execution{}, err
	}
	shares := trading.Truncate(usd/fill.Price, 2)
	return execution{side: domain.SideBuy, price: fill.Price, shares: shares, usd: trading.Truncate(shares*fill.Price, 2)}, nil
}

// sell closes shares of one outcome.
func (t *trader) sell(ctx context.Context, mkt MarketInfo, outcome domain.Outcome, typ trading.OrderType, shares float64, holding bool) (execution, error) {
	shares = trading.Truncate(shares, 2)
	order := trading.Order{
		MarketID: mkt.ID,
		Outcome:  outcome,
		Side:     domain.SideSell,
		Type:     typ,
		Amount:   shares,
		Holding:  holding,
	}
	value := shares * mkt.Probabilities[outcome]
	fill, err := t.execute(ctx, mkt, order, value)
	if err != nil {
		return execution{}, err
	}
	return execution{side: domain.SideSell, price: fill.Price, shares: shares, usd: trading.Truncate(shares*fill.Price, 2)}, nil
}

func (t *trader) execute(ctx context.Context, mkt MarketInfo, order trading.Order, usd float64) (trading.Fill, error) {
	side := strings.ToLower(string(order.Side))
	label := mkt.Labels[order.Outcome]

	t.log.Info().
		Str("market", mkt.Name).
		Str("outcome", label).
		Str("side", side).
		Str("type", string(order.Type)).
		Float64("usd", usd).
		Msg("Placing order")

	t.fill.OnPlace = nil
	t.fill.OnReprice = nil
	if order.Holding {
		t.fill.OnPlace = func(_ string, price float64) {
			t.reporter.Report(fmt.Sprintf("%sopen %s %s «%s» for %.2f$ at %s¢ in «%s»",
				t.prefix, order.Type, side, label, usd, cents(price), mkt.Name), store.ResultSuccess)
		}
		t.fill.OnReprice = func(r trading.Reprice) {
			t.reporter.Report(fmt.Sprintf("⚠️ changing limit price: last price <i>%s¢</i>, current price <i>%s¢</i>",
				cents(trading.Truncate(r.Touch, 3)), cents(r.OldPrice)), store.ResultNone)
		}
	}

	fill, err := t.fill.Execute(ctx, order)
	if err != nil {
		return trading.Fill{}, err
	}

	t.log.Info().
		Str("side", side).
		Str("type", string(order.Type)).
		Float64("price", fill.Price).
		Int("repriced", fill.Repriced).
		Msg("Order filled")
	t.reporter.Report(fmt.Sprintf("%s%s %s «%s» for %.2f$ at %s¢ in «%s»",
		t.prefix, order.Type, side, label, usd, cents(fill.Price), mkt.Name), store.ResultSuccess)
	return fill, nil
}

// buySell opens a random position, waits, and closes it.
func (t *trader) buySell(ctx context.Context) (domain.Status, error) {
	mkt, err := t.sim.RandomMarket()
	if err != nil {
		return domain.StatusFailed, err
	}
	usd, err := t.orderAmount()
	if err != nil {
		return domain.StatusFailed, err
	}
	outcome := domain.Outcome(t.rng.IntN(2))

	opened, err := t.buy(ctx, mkt, outcome, t.pickType(t.settings.OpenTypes), usd, false)
	if err != nil {
		return domain.StatusFailed, err
	}
	if err := t.sleep(ctx, t.settings.SleepBetweenOrders.Seconds(t.rng)); err != nil {
		return domain.StatusFailed, err
	}

	if mkt, err = t.sim.Market(mkt.ID); err != nil {
		return domain.StatusFailed, err
	}
	closed, err := t.sell(ctx, mkt, outcome, t.pickType(t.settings.CloseTypes), opened.shares, false)
	if err != nil {
		return domain.StatusFailed, err
	}

	profit := closed.usd - opened.usd
	volume := closed.usd + opened.usd
	t.reporter.Report(fmt.Sprintf("\n🎰 <b>Profit %.2f$\n📌 Volume %.2f$</b>", profit, volume), store.ResultNone)
	return domain.StatusTrue, nil
}

// sellAll closes every position worth at least MinSellUSD.
func (t *trader) sellAll(ctx context.Context, silent bool) (domain.Status, error) {
	sold := false
	for _, pos := range t.sim.Positions(t.address()) {
		if pos.Value() < t.settings.MinSellUSD {
			continue
		}
		mkt, err := t.sim.Market(pos.MarketID)
		if err != nil {
			return domain.StatusFailed, err
		}
		if _, err := t.sell(ctx, mkt, pos.Outcome, t.pickType(t.settings.CloseTypes), pos.Shares, false); err != nil {
			return domain.StatusFailed, err
		}
		sold = true
	}

	if !sold && !silent {
		t.log.Info().Msg("No positions found to sell")
		t.reporter.Report(t.prefix+"no positions found to sell", store.ResultSuccess)
	}
	return domain.StatusTrue, nil
}

// parse reports account statistics.
func (t *trader) parse(ctx context.Context) (domain.Status, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatusFailed, err
	}

	var volume, profit float64
	for _, tr := range t.sim.Trades(t.address()) {
		volume += tr.Amount()
		if tr.Side == domain.SideBuy {
			profit -= tr.Amount()
		} else {
			profit += tr.Amount()
		}
	}
	positions := 0
	for _, p := range t.sim.Positions(t.address()) {
		if p.Value() >= 1 {
			positions++
		}
	}
	balance := t.sim.Balance(t.address())

	t.log.Info().
		Float64("balance", balance).
		Float64("volume", volume).
		Float64("profit", profit).
		Int("positions", positions).
		Msg("Account statistics")
	t.reporter.Report(fmt.Sprintf("📈 Volume: %.2f$\n📌 Positions: %d\n💰 Total Balance: %.2f$\n💵 Profit: %.2f$\n",
		volume, positions, balance, profit), store.ResultNone)
	return domain.StatusTrue, nil
}

// limitHolding rests a holding-mode limit order until it fills.
func (t *trader) limitHolding(ctx context.Context) (domain.Status, error) {
	if t.settings.HoldSide == domain.SideSell {
		positions := t.sim.Positions(t.address())
		if len(positions) == 0 {
			return domain.StatusFailed, fmt.Errorf("not found any position to sell")
		}
		pos := positions[0]
		if pos.Value() < t.settings.MinSellUSD {
			return domain.StatusFailed, fmt.Errorf("too low position value %.2f$ to sell, minimal is %.2f$", pos.Value(), t.settings.MinSellUSD)
		}
		mkt, err := t.sim.Market(pos.MarketID)
		if err != nil {
			return domain.StatusFailed, err
		}
		if _, err := t.sell(ctx, mkt, pos.Outcome, trading.OrderLimit, pos.Shares, true); err != nil {
			return domain.StatusFailed, err
		}
	} else {
		mkt, err := t.sim.RandomMarket()
		if err != nil {
			return domain.StatusFailed, err
		}
		usd, err := t.orderAmount()
		if err != nil {
			return domain.StatusFailed, err
		}
		if _, err := t.buy(ctx, mkt, domain.Outcome(t.rng.IntN(2)), trading.OrderLimit, usd, true); err != nil {
			return domain.StatusFailed, err
		}
	}

	t.reporter.Report("❗ <b>limit filled</b>", store.ResultNone)
	return domain.StatusTrue, nil
}

func cents(price float64) string {
	return fmt.Sprintf("%.1f", price*100)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
